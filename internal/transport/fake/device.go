// Package fake provides an in-memory device for tests. It answers command
// frames through registered handlers and simulates DFU targets.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/internal/transport"
)

var _ transport.Transport = (*Device)(nil)

// Reply is what a handler answers to a command.
type Reply struct {
	Status  protocol.Status
	Message protocol.Message

	// Drop suppresses the response so the sender times out.
	Drop bool
}

// HandlerFunc answers one command.
type HandlerFunc func(cmd protocol.Command) Reply

type opKey struct {
	domain protocol.Domain
	op     protocol.Opcode
}

// Device is a scripted device behind a transport.
type Device struct {
	frames chan []byte

	mu         sync.Mutex
	handlers   map[opKey]HandlerFunc
	targets    map[protocol.Component]*Target
	sent       []protocol.Command
	priorities []transport.Priority
	sendErr    error
	closed     bool

	state    transport.ConnectionState
	watchers map[int]chan transport.ConnectionState
	nextW    int

	// OnSend is called after each command is recorded, outside the lock.
	OnSend func(cmd protocol.Command)
}

// NewDevice returns a connected device with no handlers.
func NewDevice() *Device {
	return &Device{
		frames:   make(chan []byte, 1024),
		handlers: make(map[opKey]HandlerFunc),
		targets:  make(map[protocol.Component]*Target),
		state:    transport.Connected,
		watchers: make(map[int]chan transport.ConnectionState),
	}
}

// Handle registers fn for a domain/opcode pair.
func (d *Device) Handle(domain protocol.Domain, op protocol.Opcode, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[opKey{domain, op}] = fn
}

// HandleBattery answers battery queries with level.
func (d *Device) HandleBattery(level uint32) {
	d.Handle(protocol.DomainBase, protocol.OpBattery, func(protocol.Command) Reply {
		return Reply{Message: &protocol.BatteryStatus{Level: level}}
	})
}

// FailSends makes every following Send return err.
func (d *Device) FailSends(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

func (d *Device) Send(ctx context.Context, frame []byte) error {
	var cmd protocol.Command
	if err := cmd.UnmarshalBinary(frame); err != nil {
		return err
	}

	d.mu.Lock()
	if d.sendErr != nil {
		err := d.sendErr
		d.mu.Unlock()
		return err
	}
	if d.closed {
		d.mu.Unlock()
		return errors.New("fake device closed")
	}
	d.sent = append(d.sent, cmd)
	fn, ok := d.handlers[opKey{cmd.Domain, cmd.Opcode}]
	target := d.targets[cmd.Component]
	onSend := d.OnSend
	d.mu.Unlock()

	if onSend != nil {
		onSend(cmd)
	}

	var reply Reply
	switch {
	case ok:
		reply = fn(cmd)
	case cmd.Domain == protocol.DomainDfu && target != nil:
		reply = target.serve(cmd)
	default:
		reply = Reply{Status: protocol.StatusUnknownCommand}
	}
	if reply.Drop {
		return nil
	}

	resp := &protocol.Response{Correlation: cmd.Correlation, Status: reply.Status}
	if reply.Message != nil {
		resp.Payload = reply.Message.Marshal()
	}
	b, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	d.push(b)
	return nil
}

// Notify pushes a notification frame to the host.
func (d *Device) Notify(n *protocol.Notification) {
	b, err := n.MarshalBinary()
	if err != nil {
		panic(err)
	}
	d.push(b)
}

// Inject pushes a raw frame to the host.
func (d *Device) Inject(frame []byte) {
	d.push(frame)
}

func (d *Device) push(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.frames <- b
	}
}

func (d *Device) Frames() <-chan []byte {
	return d.frames
}

// Close closes the frame channel.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
}

func (d *Device) SetPriority(ctx context.Context, p transport.Priority) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priorities = append(d.priorities, p)
	return nil
}

// Priorities returns the priority hints received so far.
func (d *Device) Priorities() []transport.Priority {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Priority(nil), d.priorities...)
}

func (d *Device) WatchConnection() (<-chan transport.ConnectionState, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan transport.ConnectionState, 16)
	ch <- d.state
	id := d.nextW
	d.nextW++
	d.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.watchers, id)
			close(ch)
		})
	}
}

// SetConnection changes the link state and notifies watchers.
func (d *Device) SetConnection(s transport.ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	for _, ch := range d.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Commands returns a snapshot of every command received.
func (d *Device) Commands() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.sent...)
}

// Count returns how many commands with domain/op were received.
func (d *Device) Count(domain protocol.Domain, op protocol.Opcode) int {
	n := 0
	for _, c := range d.Commands() {
		if c.Domain == domain && c.Opcode == op {
			n++
		}
	}
	return n
}
