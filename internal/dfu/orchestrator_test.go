package dfu

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/device"
	"github.com/autopeer-io/gearlink/internal/notify"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/internal/transport/fake"
)

var (
	tagComponent = catalog.Component{
		ID: protocol.ComponentTag, VendorID: "1", ProductID: "10", SerialNumber: "SN-0001", Version: "1.0.0",
	}
	gearComponent = catalog.Component{
		ID: protocol.ComponentGear, VendorID: "1", ProductID: "20", SerialNumber: "GR-0001", Version: "2.0.0",
	}
	connected = []catalog.Component{tagComponent, gearComponent}

	tagUpdate = catalog.UpdateDescriptor{
		TargetVersion: "1.1.0", UpgradeStatus: catalog.Optional, VendorID: "1", ProductID: "10",
	}
	gearUpdate = catalog.UpdateDescriptor{
		TargetVersion: "2.1.0", UpgradeStatus: catalog.Mandatory, VendorID: "1", ProductID: "20",
	}
	moduleUpdate = catalog.UpdateDescriptor{
		TargetVersion: "3", UpgradeStatus: catalog.Optional, VendorID: "1", ProductID: "10", ModuleID: "gestures",
	}
)

// imageStore serves images keyed by product and module id.
type imageStore map[string][]byte

func (s imageStore) LoadBinary(d *catalog.UpdateDescriptor) ([]byte, error) {
	return s[d.ProductID+d.ModuleID], nil
}

type updateRecorder struct {
	mu     sync.Mutex
	states []UpdateState
}

func (r *updateRecorder) record(s UpdateState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *updateRecorder) snapshot() []UpdateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UpdateState(nil), r.states...)
}

func (r *updateRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
}

func (r *updateRecorder) percents() []int {
	var out []int
	for _, s := range r.snapshot() {
		if p, ok := s.(TransferProgress); ok {
			out = append(out, p.Percent)
		}
	}
	return out
}

type harness struct {
	dev   *fake.Device
	tag   *fake.Target
	gear  *fake.Target
	clock *testingclock.FakeClock
	rec   *updateRecorder
	orch  *Orchestrator
}

func newHarness(t *testing.T, battery uint32, images imageStore) *harness {
	t.Helper()
	h := &harness{
		dev:   fake.NewDevice(),
		tag:   &fake.Target{},
		gear:  &fake.Target{},
		clock: testingclock.NewFakeClock(time.Now()),
		rec:   &updateRecorder{},
	}
	h.dev.AddTarget(protocol.ComponentTag, h.tag)
	h.dev.AddTarget(protocol.ComponentGear, h.gear)
	h.dev.HandleBattery(battery)

	router := notify.NewRouter()
	sender := startSender(t, h.dev, router)
	h.orch = NewOrchestrator(sender, router, device.NewQuerier(sender), images, h.dev,
		WithMinBatteryLevel(10),
		WithClock(h.clock),
		WithUpdateHandler(h.rec.record),
		WithLinkPriority(h.dev),
	)
	return h
}

func defaultImages() imageStore {
	return imageStore{"10": makeImage(300), "20": makeImage(200)}
}

// dfuComponents returns the component of every DFU command with op, in
// the order they were sent.
func (h *harness) dfuComponents(op protocol.Opcode) []protocol.Component {
	var out []protocol.Component
	for _, c := range h.dev.Commands() {
		if c.Domain == protocol.DomainDfu && c.Opcode == op {
			out = append(out, c.Component)
		}
	}
	return out
}

func TestApplyTransfersAccessoryFirst(t *testing.T) {
	images := defaultImages()
	h := newHarness(t, 80, images)

	err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, connected)
	if err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}

	prepares := h.dfuComponents(protocol.OpDfuPrepare)
	if len(prepares) != 2 || prepares[0] != protocol.ComponentGear || prepares[1] != protocol.ComponentTag {
		t.Errorf("prepare order = %v, want [gear tag]", prepares)
	}
	if !bytes.Equal(h.gear.Stored(), images["20"]) || !bytes.Equal(h.tag.Stored(), images["10"]) {
		t.Error("stored images differ from the uploaded ones")
	}

	states := h.rec.snapshot()
	if _, ok := states[0].(PreparingToTransfer); !ok {
		t.Errorf("first state = %v, want PreparingToTransfer", states[0])
	}
	if _, ok := states[len(states)-1].(Transferred); !ok {
		t.Errorf("last state = %v, want Transferred", states[len(states)-1])
	}
	if p, ok := states[len(states)-2].(TransferProgress); !ok || p.Percent != 100 {
		t.Errorf("state before Transferred = %v, want TransferProgress(100%%)", states[len(states)-2])
	}

	percents := h.rec.percents()
	for i := 1; i < len(percents); i++ {
		if percents[i] <= percents[i-1] {
			t.Fatalf("progress not strictly increasing: %v", percents)
		}
	}
	if _, ok := h.orch.State().(Transferred); !ok {
		t.Errorf("State() = %v, want Transferred", h.orch.State())
	}
	if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuExecute); n != 0 {
		t.Errorf("got %d execute commands during transfer, want 0", n)
	}
}

func TestApplyModuleOnlyCompletes(t *testing.T) {
	h := newHarness(t, 80, imageStore{"10gestures": makeImage(100)})

	err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{moduleUpdate}, connected)
	if err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}

	states := h.rec.snapshot()
	n := len(states)
	if _, ok := states[n-2].(Transferred); !ok {
		t.Errorf("state = %v, want Transferred", states[n-2])
	}
	if _, ok := states[n-1].(Completed); !ok {
		t.Errorf("state = %v, want Completed", states[n-1])
	}
	if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuExecute); n != 0 {
		t.Errorf("got %d execute commands, want 0", n)
	}

	var prepare protocol.DfuPrepare
	for _, c := range h.dev.Commands() {
		if c.Opcode == protocol.OpDfuPrepare && c.Domain == protocol.DomainDfu {
			if err := protocol.Unmarshal(c.Payload, &prepare); err != nil {
				t.Fatal(err)
			}
		}
	}
	if prepare.ModuleID != "gestures" {
		t.Errorf("prepare module = %q, want gestures", prepare.ModuleID)
	}
}

func TestApplyBatteryThreshold(t *testing.T) {
	tests := []struct {
		level   uint32
		wantErr bool
	}{
		{level: 6, wantErr: true},
		{level: 9, wantErr: true},
		{level: 10, wantErr: false},
		{level: 100, wantErr: false},
	}

	for _, tt := range tests {
		h := newHarness(t, tt.level, defaultImages())
		err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{gearUpdate}, connected)

		if !tt.wantErr {
			if err != nil {
				t.Errorf("level %d: ApplyFirmware() error = %v", tt.level, err)
			}
			continue
		}

		var low *InsufficientBatteryError
		if !errors.As(err, &low) || low.Level != int(tt.level) || low.Minimum != 10 {
			t.Errorf("level %d: got %v, want insufficient battery", tt.level, err)
		}
		for _, op := range []protocol.Opcode{protocol.OpDfuStatus, protocol.OpDfuPrepare, protocol.OpDfuWrite} {
			if n := h.dev.Count(protocol.DomainDfu, op); n != 0 {
				t.Errorf("level %d: got %d %s commands, want 0", tt.level, n, protocol.OpcodeName(protocol.DomainDfu, op))
			}
		}
		assertFailedThenIdle(t, h.rec.snapshot(), err)
	}
}

func TestApplyNothingToDo(t *testing.T) {
	sameVersion := tagUpdate
	sameVersion.TargetVersion = tagComponent.Version
	unavailable := gearUpdate
	unavailable.UpgradeStatus = catalog.NotAvailable
	unknown := gearUpdate
	unknown.ProductID = "99"

	tests := []struct {
		name       string
		candidates []catalog.UpdateDescriptor
		images     imageStore
		want       error
	}{
		{"no candidates", nil, defaultImages(), ErrNoUpdateFound},
		{"same version", []catalog.UpdateDescriptor{sameVersion}, defaultImages(), ErrNoUpdateFound},
		{"not available", []catalog.UpdateDescriptor{unavailable}, defaultImages(), ErrNoUpdateFound},
		{"unknown product", []catalog.UpdateDescriptor{unknown}, defaultImages(), ErrNoUpdateFound},
		{"no images", []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, imageStore{}, ErrBinaryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 80, tt.images)
			err := h.orch.ApplyFirmware(context.Background(), tt.candidates, connected)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ApplyFirmware() error = %v, want %v", err, tt.want)
			}
			assertFailedThenIdle(t, h.rec.snapshot(), tt.want)
			if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuWrite); n != 0 {
				t.Errorf("got %d writes, want 0", n)
			}
		})
	}
}

func TestApplyCrcMismatchFails(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	h.gear.CorruptAt = 128

	err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, connected)
	var mismatch *CrcMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("ApplyFirmware() error = %v, want crc mismatch", err)
	}
	assertFailedThenIdle(t, h.rec.snapshot(), mismatch)
	if len(h.tag.Stored()) != 0 {
		t.Error("tag transfer started after the accessory failed")
	}
}

func TestApplyWhileBusyIsIgnored(t *testing.T) {
	h := newHarness(t, 80, defaultImages())

	var nested error
	var once sync.Once
	h.dev.OnSend = func(cmd protocol.Command) {
		if cmd.Opcode == protocol.OpDfuWrite && cmd.Domain == protocol.DomainDfu {
			once.Do(func() {
				nested = h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate}, connected)
			})
		}
	}

	err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{gearUpdate}, connected)
	if err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}
	if !errors.Is(nested, ErrIllegalState) {
		t.Errorf("nested ApplyFirmware() error = %v, want %v", nested, ErrIllegalState)
	}
	if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuPrepare); n != 1 {
		t.Errorf("got %d prepare commands, want 1", n)
	}
}

func TestStopDuringTransfer(t *testing.T) {
	h := newHarness(t, 80, defaultImages())

	var once sync.Once
	h.dev.OnSend = func(cmd protocol.Command) {
		if cmd.Opcode != protocol.OpDfuWrite || cmd.Domain != protocol.DomainDfu {
			return
		}
		var wr protocol.DfuWrite
		if err := protocol.Unmarshal(cmd.Payload, &wr); err == nil && wr.Offset == 128 {
			once.Do(h.orch.Stop)
		}
	}

	err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, connected)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("ApplyFirmware() error = %v, want %v", err, ErrStopped)
	}

	states := h.rec.snapshot()
	assertFailedThenIdle(t, states, ErrStopped)
	failures := 0
	for _, s := range states {
		if _, ok := s.(Failed); ok {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("got %d Error states, want 1: %v", failures, states)
	}
	if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuWrite); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
	if len(h.tag.Stored()) != 0 {
		t.Error("tag transfer started after Stop")
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	h.orch.Stop()

	states := h.rec.snapshot()
	if len(states) != 1 {
		t.Fatalf("got states %v, want [Stopped]", states)
	}
	if _, ok := states[0].(Stopped); !ok {
		t.Errorf("got %v, want Stopped", states[0])
	}
}

func TestExecuteIllegalState(t *testing.T) {
	h := newHarness(t, 80, defaultImages())

	err := h.orch.ExecuteUpdates(context.Background())
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("ExecuteUpdates() error = %v, want %v", err, ErrIllegalState)
	}
	states := h.rec.snapshot()
	if len(states) != 2 {
		t.Fatalf("got states %v, want [Error Idle]", states)
	}
	assertFailedThenIdle(t, states, ErrIllegalState)
}

func TestExecuteInstallsAccessoryBeforeTag(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	if err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, connected); err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}

	h.gear.OnExecute = func() {
		h.dev.Notify(&protocol.Notification{
			Component: protocol.ComponentGear,
			Domain:    protocol.DomainDfu,
			Event:     protocol.EventDfuExecuteComplete,
			Payload:   (&protocol.DfuExecuteComplete{Component: uint32(protocol.ComponentGear), Success: true}).Marshal(),
		})
	}
	h.tag.OnExecute = rebootTag(h.dev)
	h.rec.reset()

	if err := h.orch.ExecuteUpdates(context.Background()); err != nil {
		t.Fatalf("ExecuteUpdates() error = %v", err)
	}

	executes := h.dfuComponents(protocol.OpDfuExecute)
	if len(executes) != 2 || executes[0] != protocol.ComponentGear || executes[1] != protocol.ComponentTag {
		t.Errorf("execute order = %v, want [gear tag]", executes)
	}
	states := h.rec.snapshot()
	if len(states) != 2 {
		t.Fatalf("got states %v, want [Executing Completed]", states)
	}
	if _, ok := states[0].(Executing); !ok {
		t.Errorf("got %v, want Executing", states[0])
	}
	if _, ok := states[1].(Completed); !ok {
		t.Errorf("got %v, want Completed", states[1])
	}
}

func TestExecuteFallsBackWithoutConfirmation(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	if err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{tagUpdate, gearUpdate}, connected); err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}
	h.tag.OnExecute = rebootTag(h.dev)

	done := make(chan error, 1)
	go func() { done <- h.orch.ExecuteUpdates(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for !h.clock.HasWaiters() {
		select {
		case <-deadline:
			t.Fatal("accessory install never started waiting")
		case <-time.After(time.Millisecond):
		}
	}
	if h.tag.Executed() != 0 {
		t.Fatal("tag install started before the accessory fallback elapsed")
	}
	h.clock.Step(DefaultExecuteFallback)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecuteUpdates() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteUpdates() did not return")
	}
	if h.tag.Executed() != 1 {
		t.Errorf("tag installs = %d, want 1", h.tag.Executed())
	}
	if _, ok := h.orch.State().(Completed); !ok {
		t.Errorf("State() = %v, want Completed", h.orch.State())
	}
}

func TestStopDuringExecute(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	if err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{gearUpdate}, connected); err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}
	h.rec.reset()

	done := make(chan error, 1)
	go func() { done <- h.orch.ExecuteUpdates(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for !h.clock.HasWaiters() {
		select {
		case <-deadline:
			t.Fatal("accessory install never started waiting")
		case <-time.After(time.Millisecond):
		}
	}
	h.orch.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("ExecuteUpdates() error = %v, want %v", err, ErrStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteUpdates() did not return after Stop")
	}

	// Neither the fallback timer nor a late confirmation may move the
	// orchestrator once it was stopped.
	h.clock.Step(DefaultExecuteFallback + time.Second)
	late := &protocol.DfuExecuteComplete{Component: uint32(protocol.ComponentGear), Success: true}
	h.dev.Notify(&protocol.Notification{
		Component: protocol.ComponentGear,
		Domain:    protocol.DomainDfu,
		Event:     protocol.EventDfuExecuteComplete,
		Payload:   late.Marshal(),
	})
	time.Sleep(50 * time.Millisecond)

	states := h.rec.snapshot()
	if len(states) != 3 {
		t.Fatalf("got states %v, want [Executing Error Idle]", states)
	}
	if _, ok := states[0].(Executing); !ok {
		t.Errorf("first state = %v, want Executing", states[0])
	}
	assertFailedThenIdle(t, states, ErrStopped)
	if _, ok := h.orch.State().(Idle); !ok {
		t.Errorf("State() = %v, want Idle", h.orch.State())
	}
}

func TestExecuteRechecksBattery(t *testing.T) {
	h := newHarness(t, 80, defaultImages())
	if err := h.orch.ApplyFirmware(context.Background(), []catalog.UpdateDescriptor{gearUpdate}, connected); err != nil {
		t.Fatalf("ApplyFirmware() error = %v", err)
	}
	h.orch.SetMinBatteryLevel(90)
	h.rec.reset()

	err := h.orch.ExecuteUpdates(context.Background())
	var low *InsufficientBatteryError
	if !errors.As(err, &low) || low.Minimum != 90 {
		t.Fatalf("ExecuteUpdates() error = %v, want insufficient battery", err)
	}
	assertFailedThenIdle(t, h.rec.snapshot(), err)
	if n := h.dev.Count(protocol.DomainDfu, protocol.OpDfuExecute); n != 0 {
		t.Errorf("got %d execute commands, want 0", n)
	}
}

func TestSelectTargets(t *testing.T) {
	module := catalog.Component{ID: protocol.ComponentTag, VendorID: "1", ProductID: "10", ModuleID: "gestures", Version: "2"}
	components := []catalog.Component{tagComponent, module, gearComponent}

	got := selectTargets([]catalog.UpdateDescriptor{moduleUpdate, tagUpdate, gearUpdate}, components)
	want := []struct {
		component protocol.Component
		module    string
	}{
		{protocol.ComponentGear, ""},
		{protocol.ComponentTag, "gestures"},
		{protocol.ComponentTag, ""},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d targets, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].component != w.component || got[i].update.ModuleID != w.module {
			t.Errorf("target %d = %s, want %s/%q", i, got[i], w.component, w.module)
		}
	}
}

// rebootTag drops and restores the link as a rebooting tag would.
func rebootTag(dev *fake.Device) func() {
	return func() {
		dev.SetConnection(transport.Disconnected)
		dev.SetConnection(transport.Connected)
	}
}

func assertFailedThenIdle(t *testing.T, states []UpdateState, want error) {
	t.Helper()
	n := len(states)
	if n < 2 {
		t.Fatalf("got states %v, want trailing [Error Idle]", states)
	}
	failed, ok := states[n-2].(Failed)
	if !ok || !errors.Is(failed.Err, want) {
		t.Errorf("state = %v, want Error(%v)", states[n-2], want)
	}
	if _, ok := states[n-1].(Idle); !ok {
		t.Errorf("state = %v, want Idle", states[n-1])
	}
}
