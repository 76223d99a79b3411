package protocol

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of a driver error
type ErrorType int

const (
	// ErrTypeConnection indicates the transport is absent, closed or failed
	ErrTypeConnection ErrorType = iota
	// ErrTypeProtocol indicates a malformed or overlong frame
	ErrTypeProtocol
	// ErrTypeCodec indicates a field could not be decoded
	ErrTypeCodec
	// ErrTypeTimeout indicates no matching reply arrived in time
	ErrTypeTimeout
	// ErrTypeProtection indicates the device tripped a protection
	ErrTypeProtection
	// ErrTypeBusy indicates a request for the same command is already in flight
	ErrTypeBusy
	// ErrTypeValue indicates an argument outside its accepted range
	ErrTypeValue
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeConnection:
		return "Connection Error"
	case ErrTypeProtocol:
		return "Protocol Error"
	case ErrTypeCodec:
		return "Codec Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeProtection:
		return "Protection Tripped"
	case ErrTypeBusy:
		return "Busy"
	case ErrTypeValue:
		return "Value Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Error is the single error type returned by the driver packages.
type Error struct {
	Type       ErrorType       // Category of error
	Message    string          // Human-readable error message
	Protection ProtectionState // Tripped protection, for ErrTypeProtection
	Err        error           // Underlying error (if any)
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Type.
var (
	ErrConnection = &Error{Type: ErrTypeConnection}
	ErrProtocol   = &Error{Type: ErrTypeProtocol}
	ErrCodec      = &Error{Type: ErrTypeCodec}
	ErrTimeout    = &Error{Type: ErrTypeTimeout}
	ErrProtection = &Error{Type: ErrTypeProtection}
	ErrBusy       = &Error{Type: ErrTypeBusy}
	ErrValue      = &Error{Type: ErrTypeValue}
)

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a sentinel of the same Type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Type == e.Type
}

// NewConnectionError creates a connection error
func NewConnectionError(message string, err error) *Error {
	return &Error{Type: ErrTypeConnection, Message: message, Err: err}
}

// NewProtocolError creates a protocol error
func NewProtocolError(message string) *Error {
	return &Error{Type: ErrTypeProtocol, Message: message}
}

// NewCodecError creates a codec error
func NewCodecError(message string) *Error {
	return &Error{Type: ErrTypeCodec, Message: message}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string) *Error {
	return &Error{Type: ErrTypeTimeout, Message: message}
}

// NewProtectionError creates a protection error carrying the tripped state
func NewProtectionError(state ProtectionState) *Error {
	return &Error{
		Type:       ErrTypeProtection,
		Message:    fmt.Sprintf("device reported %s", state),
		Protection: state,
	}
}

// NewBusyError creates a busy error
func NewBusyError(message string) *Error {
	return &Error{Type: ErrTypeBusy, Message: message}
}

// NewValueError creates a value error
func NewValueError(message string) *Error {
	return &Error{Type: ErrTypeValue, Message: message}
}

// IsConnectionError checks if an error is a connection error
func IsConnectionError(err error) bool { return errors.Is(err, ErrConnection) }

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool { return errors.Is(err, ErrTimeout) }

// IsCodecError checks if an error is a codec error
func IsCodecError(err error) bool { return errors.Is(err, ErrCodec) }

// IsBusyError checks if an error is a busy error
func IsBusyError(err error) bool { return errors.Is(err, ErrBusy) }

// IsValueError checks if an error is a value error
func IsValueError(err error) bool { return errors.Is(err, ErrValue) }

// ProtectionOf returns the tripped state carried by a protection error.
func ProtectionOf(err error) (ProtectionState, bool) {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrTypeProtection {
		return e.Protection, true
	}
	return ProtectionNormal, false
}

// Hint returns a troubleshooting hint for an error, or "" if none applies.
func Hint(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	switch e.Type {
	case ErrTypeConnection:
		return "Check the USB cable and that no other program holds the port. Run 'dps150 ports' to list candidates."
	case ErrTypeTimeout:
		return "The device did not answer. Power-cycle it or raise --timeout."
	case ErrTypeProtection:
		return "Clear the fault on the device, check the load, then re-enable the output."
	case ErrTypeBusy:
		return "Another request of the same kind is still waiting for its reply."
	case ErrTypeValue:
		return "Check the value against the device limits."
	default:
		return ""
	}
}
