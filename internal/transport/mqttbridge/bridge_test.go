package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/gearlink/pkg/mqtt/topic"
)

type published struct {
	topic   string
	payload []byte
}

// stubClient records publishes and lets tests deliver messages to
// subscribed handlers.
type stubClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []published
	started   bool
	stopped   bool
}

var _ mqtt.Client = (*stubClient)(nil)

func newStubClient() *stubClient {
	return &stubClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *stubClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *stubClient) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *stubClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, append([]byte(nil), payload...)})
	return nil
}

func (c *stubClient) Subscribe(ctx context.Context, topic string, qos int, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	return nil
}

func (c *stubClient) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	return nil
}

func (c *stubClient) AwaitConnection(ctx context.Context) error { return nil }
func (c *stubClient) IsConnected() bool                         { return true }

func (c *stubClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(context.Background(), topic, payload)
	}
}

func startBridge(t *testing.T) (*Bridge, *stubClient) {
	t.Helper()
	mc := newStubClient()
	b := New(mc, mqtttopic.NewTopicBuilder("gearlink/v1"), "aa:bb")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return b, mc
}

func TestBridgeSubscribesDeviceTopics(t *testing.T) {
	_, mc := startBridge(t)

	for _, topic := range []string{"gearlink/v1/resp/aa:bb", "gearlink/v1/notify/aa:bb", "gearlink/v1/state/aa:bb"} {
		if _, ok := mc.handlers[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
}

func TestBridgeSendAndPriority(t *testing.T) {
	b, mc := startBridge(t)

	if err := b.Send(context.Background(), []byte{0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetPriority(context.Background(), transport.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	want := []published{
		{"gearlink/v1/cmd/aa:bb", []byte{0x01, 0x00}},
		{"gearlink/v1/priority/aa:bb", []byte("high")},
	}
	if len(mc.published) != len(want) {
		t.Fatalf("got %d publishes, want %d", len(mc.published), len(want))
	}
	for i, w := range want {
		got := mc.published[i]
		if got.topic != w.topic || string(got.payload) != string(w.payload) {
			t.Errorf("publish %d = %s %q, want %s %q", i, got.topic, got.payload, w.topic, w.payload)
		}
	}
}

func TestBridgeDeliversFrames(t *testing.T) {
	b, mc := startBridge(t)

	payload := []byte{0x02, 0x01, 0x00, 0x00, 0x00}
	mc.deliver("gearlink/v1/resp/aa:bb", payload)
	payload[0] = 0xFF

	got := <-b.Frames()
	if got[0] != 0x02 {
		t.Error("frame aliases the MQTT payload buffer")
	}

	mc.deliver("gearlink/v1/notify/aa:bb", []byte{0x03})
	if got := <-b.Frames(); got[0] != 0x03 {
		t.Errorf("got %x, want notification frame", got)
	}
}

func TestBridgeConnectionWatch(t *testing.T) {
	b, mc := startBridge(t)

	states, cancel := b.WatchConnection()
	if s := <-states; s != transport.Connecting {
		t.Errorf("initial state = %v, want connecting", s)
	}

	mc.deliver("gearlink/v1/state/aa:bb", []byte("connected"))
	mc.deliver("gearlink/v1/state/aa:bb", []byte("connected"))
	mc.deliver("gearlink/v1/state/aa:bb", []byte("bogus"))
	mc.deliver("gearlink/v1/state/aa:bb", []byte("disconnected"))

	want := []transport.ConnectionState{transport.Connected, transport.Disconnected}
	for _, w := range want {
		if s := <-states; s != w {
			t.Errorf("got %v, want %v", s, w)
		}
	}
	if b.State() != transport.Disconnected {
		t.Errorf("State() = %v, want disconnected", b.State())
	}

	cancel()
	cancel()
	if _, ok := <-states; ok {
		t.Error("channel still open after cancel")
	}
}

func TestBridgeStop(t *testing.T) {
	b, mc := startBridge(t)
	states, _ := b.WatchConnection()
	<-states

	b.Stop()
	b.Stop()

	if !mc.stopped {
		t.Error("client not disconnected")
	}
	if _, ok := <-b.Frames(); ok {
		t.Error("frames channel still open")
	}
	if _, ok := <-states; ok {
		t.Error("watch channel still open")
	}
	if err := b.Send(context.Background(), []byte{0x01}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Stop error = %v, want %v", err, ErrClosed)
	}

	// Late messages are dropped.
	mc.deliver("gearlink/v1/resp/aa:bb", []byte{0x02})
}
