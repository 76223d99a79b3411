// Package bridge exposes a connected DPS-150 on the network.
//
// A Server upgrades clients on /ws and streams every state update to them as
// JSON. Protection trips are sent as a separate message so dashboards can
// alert without diffing state:
//
//	{"type":"state","state":{"output_voltage":5.01,...}}
//	{"type":"protection","tag":"OCP"}
//
// Clients send commands and receive a result carrying the same id:
//
//	{"type":"command","id":"1","op":"set_voltage","value":12}
//	{"type":"result","id":"1","op":"set_voltage","ok":true}
//
// GET /state returns the latest snapshot. With Config.Advertise set, the
// bridge registers itself over mDNS as _dps150._tcp so discovery.Scan can
// find it.
//
// Each client has a bounded send queue. A client that cannot keep up is
// disconnected rather than allowed to stall the serial read loop.
package bridge
