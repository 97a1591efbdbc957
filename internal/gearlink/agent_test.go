package gearlink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/dfu"
	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/internal/transport/fake"
	"github.com/autopeer-io/gearlink/pkg/options"
)

type fakeLink struct {
	*fake.Device
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (l *fakeLink) Start(context.Context) error {
	if l.startErr != nil {
		return l.startErr
	}
	l.started.Store(true)
	return nil
}

func (l *fakeLink) Stop() {
	l.stopped.Store(true)
	l.Close()
}

func (l *fakeLink) State() transport.ConnectionState {
	if l.started.Load() && !l.stopped.Load() {
		return transport.Connected
	}
	return transport.Disconnected
}

type noUpdates struct{}

func (noUpdates) HasUpdate(context.Context, []catalog.Component, bool) ([]catalog.UpdateDescriptor, error) {
	return nil, nil
}

func (noUpdates) RemoveUpdate(catalog.Identity) error { return nil }

type noImages struct{}

func (noImages) LoadBinary(*catalog.UpdateDescriptor) ([]byte, error) { return nil, nil }

func newTestAgent(t *testing.T) (*Agent, *fakeLink) {
	t.Helper()
	opts := options.NewDfuOptions()
	opts.ResponseTimeout = time.Second
	link := &fakeLink{Device: fake.NewDevice()}
	return NewAgent(link, noUpdates{}, noImages{}, opts), link
}

func TestAgentRunTask(t *testing.T) {
	a, link := newTestAgent(t)
	link.HandleBattery(77)

	var level int
	var ready bool
	err := a.Run(context.Background(), func(ctx context.Context, a *Agent) error {
		ready = a.Ready()
		var err error
		level, err = a.Querier().BatteryLevel(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if level != 77 {
		t.Errorf("BatteryLevel() = %d, want 77", level)
	}
	if !ready {
		t.Error("Ready() = false while running, want true")
	}
	if !link.stopped.Load() {
		t.Error("link was not stopped after the task returned")
	}
	if _, ok := a.Manager().State().(dfu.Idle); !ok {
		t.Errorf("State() = %v, want Idle", a.Manager().State())
	}
}

func TestAgentRunErrors(t *testing.T) {
	errTask := errors.New("task failed")
	errStart := errors.New("broker unreachable")

	tests := []struct {
		name     string
		startErr error
		task     Task
		want     error
	}{
		{
			name: "task error",
			task: func(context.Context, *Agent) error { return errTask },
			want: errTask,
		},
		{
			name:     "link start error",
			startErr: errStart,
			task:     func(context.Context, *Agent) error { return nil },
			want:     errStart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, link := newTestAgent(t)
			link.startErr = tt.startErr
			if err := a.Run(context.Background(), tt.task); !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAgentRunStopsWithContext(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, func(ctx context.Context, _ *Agent) error {
			<-ctx.Done()
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
