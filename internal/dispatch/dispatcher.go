// Package dispatch sends commands to the device and matches their responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autopeer-io/gearlink/internal/pkg/metrics"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/pkg/log"
)

// DefaultTimeout bounds how long Send waits for a response.
const DefaultTimeout = 10 * time.Second

// FrameTransport is the part of the radio link the dispatcher needs.
type FrameTransport interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
}

// NotificationSink receives every notification read by Run.
type NotificationSink interface {
	Route(n *protocol.Notification)
}

// Sender sends one command and returns its response.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
}

var _ Sender = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-command response timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithNotificationSink forwards notifications to sink.
func WithNotificationSink(sink NotificationSink) Option {
	return func(disp *Dispatcher) {
		disp.sink = sink
	}
}

// Dispatcher multiplexes commands over one transport. Responses are matched
// by correlation id; at most 255 commands can be outstanding.
type Dispatcher struct {
	transport FrameTransport
	sink      NotificationSink
	timeout   time.Duration
	logger    log.Logger

	mu      sync.Mutex
	ids     *idAllocator
	pending map[uint8]chan *protocol.Response
}

// New creates a dispatcher. Run must be started for responses to arrive.
func New(t FrameTransport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		timeout:   DefaultTimeout,
		logger:    log.WithName("dispatch"),
		ids:       newIDAllocator(),
		pending:   make(map[uint8]chan *protocol.Response),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send transmits cmd and waits for its response. A non-OK status becomes a
// *protocol.ProtocolError unless cmd.SkipStatusCheck is set.
func (d *Dispatcher) Send(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	name := protocol.OpcodeName(cmd.Domain, cmd.Opcode)

	d.mu.Lock()
	id, ok := d.ids.acquire()
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, protocol.ErrNoCorrelationID)
	}
	ch := make(chan *protocol.Response, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.ids.release(id)
		d.mu.Unlock()
	}()

	cmd.Correlation = id
	frame, err := cmd.MarshalBinary()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := d.transport.Send(ctx, frame); err != nil {
		record(cmd, "transport_error", 0)
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	var resp *protocol.Response
	select {
	case resp = <-ch:
	case <-timer.C:
		record(cmd, "timeout", 0)
		return nil, fmt.Errorf("%s (correlation %d): %w", name, id, protocol.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if resp.Status != protocol.StatusOK && !cmd.SkipStatusCheck {
		record(cmd, "device_error", time.Since(start))
		return nil, &protocol.ProtocolError{Domain: cmd.Domain, Opcode: cmd.Opcode, Status: resp.Status}
	}

	record(cmd, "ok", time.Since(start))
	return resp, nil
}

// Call sends cmd and decodes the response payload into a new T.
func Call[T any, PT interface {
	*T
	protocol.Message
}](ctx context.Context, s Sender, cmd protocol.Command) (PT, error) {
	resp, err := s.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := PT(new(T))
	if err := protocol.Unmarshal(resp.Payload, out); err != nil {
		record(cmd, "decode_error", 0)
		return nil, err
	}
	return out, nil
}

// Run reads inbound frames until ctx is done or the transport closes its
// frame channel. It is the only goroutine that delivers responses and
// notifications.
func (d *Dispatcher) Run(ctx context.Context) error {
	frames := d.transport.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return errors.New("transport closed")
			}
			d.handleFrame(frame)
		}
	}
}

func (d *Dispatcher) handleFrame(frame []byte) {
	kind, err := protocol.PeekKind(frame)
	if err != nil {
		d.logger.Warn("Dropping inbound frame", "error", err)
		return
	}

	switch kind {
	case protocol.KindResponse:
		var resp protocol.Response
		if err := resp.UnmarshalBinary(frame); err != nil {
			d.logger.Warn("Dropping malformed response", "frame", frame, "error", err)
			return
		}
		d.deliver(&resp)

	case protocol.KindNotification:
		var n protocol.Notification
		if err := n.UnmarshalBinary(frame); err != nil {
			d.logger.Warn("Dropping malformed notification", "frame", frame, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(n.Domain.String()).Inc()
		if d.sink != nil {
			d.sink.Route(&n)
		}

	default:
		d.logger.Warn("Dropping frame of unexpected kind", "kind", kind.String())
	}
}

func (d *Dispatcher) deliver(resp *protocol.Response) {
	d.mu.Lock()
	ch, ok := d.pending[resp.Correlation]
	if ok {
		// Answered; a duplicate with the same id is dropped below.
		delete(d.pending, resp.Correlation)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("Dropping response without a waiting command", "correlation", resp.Correlation)
		return
	}
	ch <- resp
}

func record(cmd protocol.Command, result string, latency time.Duration) {
	domain, op := cmd.Domain.String(), protocol.OpcodeName(cmd.Domain, cmd.Opcode)
	metrics.CommandsTotal.WithLabelValues(domain, op, result).Inc()
	if latency > 0 {
		metrics.CommandLatency.WithLabelValues(domain, op).Observe(latency.Seconds())
	}
}
