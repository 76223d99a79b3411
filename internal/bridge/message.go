package bridge

import (
	"encoding/json"

	"github.com/muurk/dps150/internal/protocol"
)

// Message types
const (
	TypeState      = "state"
	TypeProtection = "protection"
	TypeCommand    = "command"
	TypeResult     = "result"
)

// Command ops
const (
	OpSetVoltage    = "set_voltage"
	OpSetCurrent    = "set_current"
	OpEnableOutput  = "enable_output"
	OpDisableOutput = "disable_output"
	OpSet           = "set"        // generic write: Param and Value
	OpLoadGroup     = "load_group" // Group
	OpRefresh       = "refresh"    // re-read the full state
)

// Message is the JSON envelope exchanged over /ws. Which fields are set
// depends on Type.
type Message struct {
	Type string `json:"type"`

	// state and result
	State *protocol.DeviceState `json:"state,omitempty"`

	// protection
	Tag string `json:"tag,omitempty"`

	// command and result; ID is echoed back so clients can correlate
	ID    string   `json:"id,omitempty"`
	Op    string   `json:"op,omitempty"`
	Param string   `json:"param,omitempty"`
	Value *float64 `json:"value,omitempty"`
	Group int      `json:"group,omitempty"`

	// result
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

func stateMessage(st protocol.DeviceState) Message {
	return Message{Type: TypeState, State: &st}
}

func protectionMessage(p protocol.ProtectionState) Message {
	return Message{Type: TypeProtection, Tag: p.String()}
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Float returns a pointer to v, for Message.Value.
func Float(v float64) *float64 { return &v }
