package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Bridge represents a dps150 telemetry bridge found on the network
type Bridge struct {
	// Name is the mDNS instance name (e.g., "bench-psu")
	Name string

	// Host is the mDNS hostname (e.g., "workshop-pi.local.")
	Host string

	// IP is the bridge address, IPv4 preferred
	IP string

	// Port is the HTTP/WebSocket port
	Port int

	// Metadata holds the TXT records: model, firmware, ws path and version
	Metadata map[string]string

	// DiscoveredAt is when the bridge was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the bridge
func (b *Bridge) String() string {
	model := b.GetMetadata(TXTModel)
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s (%s) at %s", b.Name, model, b.Addr())
}

// Addr returns host:port for dialing the bridge
func (b *Bridge) Addr() string {
	return net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// BaseURL returns the HTTP base URL for the bridge
func (b *Bridge) BaseURL() string {
	return "http://" + b.Addr()
}

// WebSocketURL returns the telemetry stream URL
func (b *Bridge) WebSocketURL() string {
	path := b.GetMetadata(TXTPath)
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + b.Addr() + path
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (b *Bridge) GetMetadata(key string) string {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata[key]
}
