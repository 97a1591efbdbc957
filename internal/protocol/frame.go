package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is a request addressed to one device component.
type Command struct {
	Component   Component
	Correlation uint8
	Domain      Domain
	Opcode      Opcode
	Payload     []byte

	// SkipStatusCheck hands non-OK responses back to the caller instead of
	// turning them into a ProtocolError. Used by the DFU status query, where
	// StatusNoResponse is an expected answer.
	SkipStatusCheck bool
}

// NewCommand builds a command for component with msg as its payload.
// The correlation id is assigned when the command is sent.
func NewCommand(component Component, domain Domain, op Opcode, msg Message) Command {
	cmd := Command{Component: component, Domain: domain, Opcode: op}
	if msg != nil {
		cmd.Payload = msg.Marshal()
	}
	return cmd
}

// Response answers the command with the same correlation id.
type Response struct {
	Correlation uint8
	Status      Status
	Payload     []byte
}

// Notification is an unsolicited event pushed by the device.
type Notification struct {
	Component Component
	Domain    Domain
	Event     Event
	Payload   []byte
}

// PeekKind returns the kind of a raw frame without decoding it.
func PeekKind(frame []byte) (Kind, error) {
	if len(frame) == 0 {
		return 0, &DecodeError{What: "frame", Err: errors.New("empty frame")}
	}
	return Kind(frame[0]), nil
}

// MarshalBinary encodes the command into a frame.
func (c *Command) MarshalBinary() ([]byte, error) {
	if len(c.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("command %s: %w", OpcodeName(c.Domain, c.Opcode), ErrPayloadTooLarge)
	}
	b := make([]byte, commandHeaderSize, commandHeaderSize+len(c.Payload))
	b[0] = byte(KindCommand)
	b[1] = byte(c.Component)
	b[2] = c.Correlation
	b[3] = byte(c.Domain)
	b[4] = byte(c.Opcode)
	binary.LittleEndian.PutUint16(b[5:7], uint16(len(c.Payload)))
	return append(b, c.Payload...), nil
}

// UnmarshalBinary decodes a command frame.
func (c *Command) UnmarshalBinary(frame []byte) error {
	payload, err := splitFrame("command", frame, KindCommand, commandHeaderSize)
	if err != nil {
		return err
	}
	*c = Command{
		Component:   Component(frame[1]),
		Correlation: frame[2],
		Domain:      Domain(frame[3]),
		Opcode:      Opcode(frame[4]),
		Payload:     payload,
	}
	return nil
}

// MarshalBinary encodes the response into a frame.
func (r *Response) MarshalBinary() ([]byte, error) {
	if len(r.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("response %d: %w", r.Correlation, ErrPayloadTooLarge)
	}
	b := make([]byte, responseHeaderSize, responseHeaderSize+len(r.Payload))
	b[0] = byte(KindResponse)
	b[1] = r.Correlation
	b[2] = byte(r.Status)
	binary.LittleEndian.PutUint16(b[3:5], uint16(len(r.Payload)))
	return append(b, r.Payload...), nil
}

// UnmarshalBinary decodes a response frame.
func (r *Response) UnmarshalBinary(frame []byte) error {
	payload, err := splitFrame("response", frame, KindResponse, responseHeaderSize)
	if err != nil {
		return err
	}
	*r = Response{
		Correlation: frame[1],
		Status:      Status(frame[2]),
		Payload:     payload,
	}
	return nil
}

// MarshalBinary encodes the notification into a frame.
func (n *Notification) MarshalBinary() ([]byte, error) {
	if len(n.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("notification %s/%d: %w", n.Domain, n.Event, ErrPayloadTooLarge)
	}
	b := make([]byte, notificationHeaderSize, notificationHeaderSize+len(n.Payload))
	b[0] = byte(KindNotification)
	b[1] = byte(n.Component)
	b[2] = byte(n.Domain)
	b[3] = byte(n.Event)
	binary.LittleEndian.PutUint16(b[4:6], uint16(len(n.Payload)))
	return append(b, n.Payload...), nil
}

// UnmarshalBinary decodes a notification frame.
func (n *Notification) UnmarshalBinary(frame []byte) error {
	payload, err := splitFrame("notification", frame, KindNotification, notificationHeaderSize)
	if err != nil {
		return err
	}
	*n = Notification{
		Component: Component(frame[1]),
		Domain:    Domain(frame[2]),
		Event:     Event(frame[3]),
		Payload:   payload,
	}
	return nil
}

// Is reports whether the notification belongs to the given domain and event.
func (n *Notification) Is(d Domain, e Event) bool {
	return n.Domain == d && n.Event == e
}

// splitFrame validates the header and returns a copy of the payload. The
// length field sits in the last two header bytes.
func splitFrame(what string, frame []byte, kind Kind, headerSize int) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, &DecodeError{What: what, Err: fmt.Errorf("frame too short: %d bytes", len(frame))}
	}
	if Kind(frame[0]) != kind {
		return nil, &DecodeError{What: what, Err: fmt.Errorf("unexpected frame kind %s", Kind(frame[0]))}
	}
	n := int(binary.LittleEndian.Uint16(frame[headerSize-2 : headerSize]))
	if len(frame)-headerSize != n {
		return nil, &DecodeError{What: what, Err: fmt.Errorf("length field %d does not match payload size %d", n, len(frame)-headerSize)}
	}
	payload := make([]byte, n)
	copy(payload, frame[headerSize:])
	return payload, nil
}
