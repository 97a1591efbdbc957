// Package mqttbridge carries device frames over MQTT to a radio bridge that
// relays them to and from the wearable.
package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/pkg/log"
	"github.com/autopeer-io/gearlink/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/gearlink/pkg/mqtt/topic"
)

const (
	frameBuffer   = 256
	watchBuffer   = 16
	commandQoS    = 1
	disconnectTTL = 5 * time.Second
)

// ErrClosed is returned by Send after Stop.
var ErrClosed = errors.New("bridge closed")

var _ transport.Transport = (*Bridge)(nil)

// Bridge implements transport.Transport on top of an MQTT client.
//
// Commands are published on {root}/cmd/{device}; responses and
// notifications arrive on {root}/resp/{device} and {root}/notify/{device}.
// The bridge publishes the radio link state as a retained message on
// {root}/state/{device}.
type Bridge struct {
	deviceID string
	mc       mqtt.Client
	topics   *mqtttopic.TopicBuilder
	frames   chan []byte
	logger   log.Logger

	mu       sync.Mutex
	closed   bool
	state    transport.ConnectionState
	watchers map[int]chan transport.ConnectionState
	nextID   int
}

func New(client mqtt.Client, builder *mqtttopic.TopicBuilder, deviceID string) *Bridge {
	return &Bridge{
		deviceID: deviceID,
		mc:       client,
		topics:   builder,
		frames:   make(chan []byte, frameBuffer),
		logger:   log.WithName("mqtt-bridge").WithValues("device", deviceID),
		state:    transport.Connecting,
		watchers: make(map[int]chan transport.ConnectionState),
	}
}

// Start connects the client and subscribes to the device topics.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.mc.Start(ctx); err != nil {
		return err
	}

	if err := b.mc.AwaitConnection(ctx); err != nil {
		return err
	}

	routes := map[string]mqtt.MessageHandler{
		b.topics.Response(b.deviceID): b.onFrame,
		b.topics.Notify(b.deviceID):   b.onFrame,
		b.topics.State(b.deviceID):    b.onState,
	}
	for topic, handler := range routes {
		if err := b.mc.Subscribe(ctx, topic, commandQoS, handler); err != nil {
			return err
		}
	}

	return nil
}

// Stop disconnects the client and closes the frame channel.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.frames)
	for id, ch := range b.watchers {
		delete(b.watchers, id)
		close(ch)
	}
	b.mu.Unlock()

	b.logger.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTTL)
	defer cancel()
	b.mc.Disconnect(ctx)
}

func (b *Bridge) Send(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.mc.Publish(ctx, b.topics.Command(b.deviceID), commandQoS, false, frame)
}

func (b *Bridge) Frames() <-chan []byte {
	return b.frames
}

// SetPriority forwards the hint to the bridge as "high" or "normal".
func (b *Bridge) SetPriority(ctx context.Context, p transport.Priority) error {
	return b.mc.Publish(ctx, b.topics.Priority(b.deviceID), commandQoS, false, []byte(p.String()))
}

func (b *Bridge) WatchConnection() (<-chan transport.ConnectionState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan transport.ConnectionState, watchBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- b.state
	id := b.nextID
	b.nextID++
	b.watchers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(ch)
		}
	}
}

// State returns the last link state reported by the bridge.
func (b *Bridge) State() transport.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) onFrame(_ context.Context, topic string, payload []byte) {
	frame := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.frames <- frame:
	default:
		b.logger.Warn("Frame buffer full, dropping frame", "topic", topic, "frame", frame)
	}
}

func (b *Bridge) onState(_ context.Context, _ string, payload []byte) {
	var s transport.ConnectionState
	switch string(payload) {
	case "connected":
		s = transport.Connected
	case "disconnected":
		s = transport.Disconnected
	case "connecting":
		s = transport.Connecting
	default:
		b.logger.Warn("Ignoring unknown link state", "payload", string(payload))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || s == b.state {
		return
	}
	b.logger.Info("Link state changed", "from", b.state.String(), "to", s.String())
	b.state = s
	for _, ch := range b.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}
