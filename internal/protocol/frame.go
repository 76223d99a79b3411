package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame is one complete, checksum-valid protocol message.
// Fields are unexported so a built or parsed frame cannot be changed.
type Frame struct {
	marker   byte
	command  byte
	typ      byte
	payload  []byte
	checksum byte
}

// BuildFrame builds a host-to-device frame using DefaultTable.
func BuildFrame(command, typ byte, payload []byte) (Frame, error) {
	return DefaultTable.BuildFrame(command, typ, payload)
}

// BuildFrame builds a host-to-device frame.
func (t Table) BuildFrame(command, typ byte, payload []byte) (Frame, error) {
	return newFrame(t.MarkerHost, command, typ, payload)
}

func newFrame(marker, command, typ byte, payload []byte) (Frame, error) {
	if len(payload) > MaxPayload {
		return Frame{}, NewProtocolError(fmt.Sprintf("payload too large: %d bytes (max %d)", len(payload), MaxPayload))
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Frame{
		marker:   marker,
		command:  command,
		typ:      typ,
		payload:  p,
		checksum: Checksum(typ, byte(len(p)), p),
	}, nil
}

// DeviceFrame builds a device-to-host frame. The simulator and tests use it
// to produce replies and pushes.
func DeviceFrame(command, typ byte, payload []byte) (Frame, error) {
	return newFrame(DefaultTable.MarkerDevice, command, typ, payload)
}

// Marker returns the direction marker.
func (f Frame) Marker() byte { return f.marker }

// Command returns the command byte.
func (f Frame) Command() byte { return f.command }

// Type returns the type byte.
func (f Frame) Type() byte { return f.typ }

// Len returns the payload length.
func (f Frame) Len() int { return len(f.payload) }

// Checksum returns the checksum byte.
func (f Frame) Checksum() byte { return f.checksum }

// Payload returns a copy of the payload.
func (f Frame) Payload() []byte {
	p := make([]byte, len(f.payload))
	copy(p, f.payload)
	return p
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	b := make([]byte, 0, HeaderSize+len(f.payload)+1)
	b = append(b, f.marker, f.command, f.typ, byte(len(f.payload)))
	b = append(b, f.payload...)
	return append(b, f.checksum)
}

// Equal reports whether two frames have identical wire encodings.
func (f Frame) Equal(o Frame) bool {
	if f.marker != o.marker || f.command != o.command || f.typ != o.typ || f.checksum != o.checksum {
		return false
	}
	if len(f.payload) != len(o.payload) {
		return false
	}
	for i := range f.payload {
		if f.payload[i] != o.payload[i] {
			return false
		}
	}
	return true
}

// String returns a one-line description for logs.
func (f Frame) String() string {
	var sb strings.Builder
	dir := "rx"
	if f.marker == MarkerHost {
		dir = "tx"
	}
	fmt.Fprintf(&sb, "%s %s type=%d len=%d", dir, DefaultTable.CommandName(f.command), f.typ, len(f.payload))
	if len(f.payload) > 0 {
		fmt.Fprintf(&sb, " data=%s", hex.EncodeToString(f.payload))
	}
	fmt.Fprintf(&sb, " sum=0x%02x", f.checksum)
	return sb.String()
}
