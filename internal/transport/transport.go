// Package transport defines what gearlink needs from the radio link below
// the frame layer.
package transport

import (
	"context"
	"fmt"
)

// Priority is a connection-interval hint for the radio link.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ConnectionState is the state of the link to the main device.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport moves raw frames to and from the device.
type Transport interface {
	// Send writes one command frame.
	Send(ctx context.Context, frame []byte) error

	// Frames delivers inbound response and notification frames. The channel
	// is closed when the transport shuts down.
	Frames() <-chan []byte

	// SetPriority requests a connection priority. Implementations may
	// treat it as a no-op.
	SetPriority(ctx context.Context, p Priority) error

	// WatchConnection streams connection state changes. The current state
	// is delivered first. cancel stops the stream and closes the channel.
	WatchConnection() (states <-chan ConnectionState, cancel func())
}
