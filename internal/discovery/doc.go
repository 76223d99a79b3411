// Package discovery finds dps150 telemetry bridges on the local network.
//
// A bridge started with "dps150 serve" advertises itself over multicast DNS
// as a "_dps150._tcp" service. Its TXT records carry the model and firmware
// of the attached supply and the WebSocket path.
//
// # Usage Example
//
//	bridges, err := discovery.Scan(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, b := range bridges {
//	    fmt.Println(b, b.WebSocketURL())
//	}
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Bridges must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
