// Package protocol implements the FNIRSI DPS-150 serial wire protocol.
//
// This package handles framing, checksum validation, field encoding and the
// command table used to talk to a DPS-150 programmable power supply. It is
// pure: nothing here touches a serial port. The dispatcher package owns the
// transport and drives the Parser defined here.
//
// # Frame Format
//
// Every message on the wire has the same shape:
//   - Marker: 0xF1 host to device, 0xF0 device to host
//   - Command: 0xA1 get, 0xB1 set, 0xC1 connect, 0xB0 baud
//   - Type: the parameter being read or written (see the Type constants)
//   - Length: payload length, one byte
//   - Payload: Length bytes
//   - Checksum: (Type + Length + sum(Payload)) mod 256
//
// Floats are 32-bit IEEE-754 little-endian, strings are UTF-8 with a
// terminating zero byte, and everything else is a single byte.
//
// # Streaming Parser
//
// The device streams telemetry continuously, so reads from the port carry no
// message boundaries. Parser.Feed accepts arbitrary chunks and returns every
// complete frame found so far. A frame with a bad checksum costs exactly one
// byte: the marker is dropped and scanning resumes at the next byte.
//
//	p := protocol.NewParser(protocol.DefaultTable)
//	for {
//	    n, err := port.Read(buf)
//	    if err != nil {
//	        return err
//	    }
//	    for _, f := range p.Feed(buf[:n]) {
//	        fmt.Println(f)
//	    }
//	}
//
// # Command Registry
//
// Registry maps symbolic names such as "voltage" or "ovp" to a type code and
// payload codec:
//
//	reg := protocol.NewRegistry(protocol.DefaultTable)
//	frame, err := reg.BuildSet("voltage", protocol.FloatValue(12.0))
//
// # Device State
//
// DeviceState is an immutable snapshot. Apply returns a new snapshot with a
// decoded Value folded in; it never modifies the receiver.
package protocol
