package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrives for a command in time.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrNoCorrelationID is returned when every correlation id is in use.
	ErrNoCorrelationID = errors.New("no free correlation id")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ProtocolError is a non-OK status returned by the device.
type ProtocolError struct {
	Domain Domain
	Opcode Opcode
	Status Status
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s (0x%02X)", OpcodeName(e.Domain, e.Opcode), e.Status, uint8(e.Status))
}

// DecodeError reports a frame or payload that could not be parsed.
type DecodeError struct {
	// What names the frame or message being decoded.
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err carries a device status error.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// HasStatus reports whether err is a ProtocolError with the given status.
func HasStatus(err error, status Status) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Status == status
}
