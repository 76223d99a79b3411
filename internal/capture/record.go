package capture

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/muurk/dps150/internal/protocol"
)

// Direction indicates which way a frame travelled.
type Direction uint8

const (
	// DirectionIn is a frame read from the device.
	DirectionIn Direction = 0
	// DirectionOut is a frame written to the device.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Record is one captured frame. CBOR encoding uses integer keys for
// compactness.
type Record struct {
	// Timestamp when the frame crossed the wire (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// Session identifies the capture run (UUID).
	Session string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Command   byte      `cbor:"4,keyasint"`
	Type      byte      `cbor:"5,keyasint"`
	Payload   []byte    `cbor:"6,keyasint,omitempty"`
	Checksum  byte      `cbor:"7,keyasint"`
}

// RecordFrame builds the record of f. The direction follows from the frame
// marker.
func RecordFrame(session string, at time.Time, f protocol.Frame) Record {
	dir := DirectionIn
	if f.Marker() == protocol.MarkerHost {
		dir = DirectionOut
	}
	return Record{
		Timestamp: at,
		Session:   session,
		Direction: dir,
		Command:   f.Command(),
		Type:      f.Type(),
		Payload:   f.Payload(),
		Checksum:  f.Checksum(),
	}
}

// Frame rebuilds the wire frame. The stored checksum must match the
// recomputed one.
func (r Record) Frame() (protocol.Frame, error) {
	var (
		f   protocol.Frame
		err error
	)
	if r.Direction == DirectionOut {
		f, err = protocol.BuildFrame(r.Command, r.Type, r.Payload)
	} else {
		f, err = protocol.DeviceFrame(r.Command, r.Type, r.Payload)
	}
	if err != nil {
		return protocol.Frame{}, err
	}
	if f.Checksum() != r.Checksum {
		return protocol.Frame{}, protocol.NewCodecError(
			fmt.Sprintf("record checksum 0x%02X does not match payload (0x%02X)", r.Checksum, f.Checksum()))
	}
	return f, nil
}

// Describe formats r as one human-readable line, decoding the payload when
// the type is known to reg.
func Describe(r Record, reg *protocol.Registry) string {
	name := fmt.Sprintf("type %d", r.Type)
	value := ""
	switch {
	case r.Command == reg.Table().Init:
		name = "connect"
	case r.Command == reg.Table().Baud:
		name = "baud"
	default:
		if c, ok := reg.ByType(r.Type); ok {
			name = c.Name
			// Host GETs carry no payload; only decode what was sent or answered.
			if len(r.Payload) > 0 {
				if v, err := c.Decode(r.Payload); err == nil {
					value = " = " + v.String()
				} else {
					value = " (undecodable: " + err.Error() + ")"
				}
			}
		}
	}

	return fmt.Sprintf("%s %-3s %-4s %-20s [%s]%s",
		r.Timestamp.Format("15:04:05.000000"),
		r.Direction,
		reg.Table().CommandName(r.Command),
		name,
		hex.EncodeToString(r.Payload),
		value)
}
