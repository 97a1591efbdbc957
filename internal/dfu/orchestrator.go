package dfu

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/dispatch"
	"github.com/autopeer-io/gearlink/internal/notify"
	"github.com/autopeer-io/gearlink/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/gearlink/internal/pkg/util/fsm"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/pkg/log"
)

const (
	stateIdle        = "idle"
	statePreparing   = "preparing_to_transfer"
	stateProgress    = "transfer_progress"
	stateTransferred = "transferred"
	stateExecuting   = "executing"
	stateCompleted   = "completed"
	stateStopped     = "stopped"
	stateError       = "error"

	eventApply       = "apply"
	eventProgress    = "progress"
	eventTransferred = "transferred"
	eventExecute     = "execute"
	eventFinish      = "finish"
	eventStop        = "stop"
	eventAbort       = "abort"
	eventReset       = "reset"
)

var allStates = []string{
	stateIdle, statePreparing, stateProgress, stateTransferred,
	stateExecuting, stateCompleted, stateStopped, stateError,
}

const (
	// DefaultMinBatteryLevel is the lowest battery percentage at which a
	// transfer or install starts.
	DefaultMinBatteryLevel = 20

	// DefaultExecuteFallback bounds the wait for an accessory's install
	// confirmation.
	DefaultExecuteFallback = 60 * time.Second
)

// BatteryReader reports the tag battery level in percent.
type BatteryReader interface {
	BatteryLevel(ctx context.Context) (int, error)
}

// ImageSource returns the cached image bytes for a descriptor. A nil slice
// with a nil error means the image is not cached.
type ImageSource interface {
	LoadBinary(d *catalog.UpdateDescriptor) ([]byte, error)
}

// ConnectionWatcher streams link state changes, starting with the current
// state.
type ConnectionWatcher interface {
	WatchConnection() (<-chan transport.ConnectionState, func())
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMinBatteryLevel sets the battery threshold for transfers and installs.
func WithMinBatteryLevel(level int) Option {
	return func(o *Orchestrator) {
		o.minBattery.Store(int32(level))
	}
}

// WithExecuteFallback sets how long an accessory install waits for its
// completion notification.
func WithExecuteFallback(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.fallback = d
	}
}

// WithClock replaces the clock used for the install fallback.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithUpdateHandler receives every orchestrator state. It is called with the
// orchestrator's lock held and must not call back into the orchestrator.
func WithUpdateHandler(fn func(UpdateState)) Option {
	return func(o *Orchestrator) {
		o.handler = fn
	}
}

// WithLinkPriority lets writers raise the link priority during transfers.
func WithLinkPriority(h PriorityHinter) Option {
	return func(o *Orchestrator) {
		o.hinter = h
	}
}

// target is one update bound to the component that receives it.
type target struct {
	update    catalog.UpdateDescriptor
	component protocol.Component
	image     []byte
}

func (t *target) String() string {
	if t.update.IsModule() {
		return fmt.Sprintf("%s/%s", t.component, t.update.ModuleID)
	}
	return t.component.String()
}

// Orchestrator sequences firmware transfers across components and drives
// their installation. Every operation is safe for concurrent use; a Stop
// invalidates the running operation, whose late events are discarded.
type Orchestrator struct {
	sender   dispatch.Sender
	router   *notify.Router
	battery  BatteryReader
	images   ImageSource
	conn     ConnectionWatcher
	hinter   PriorityHinter
	clock    clock.Clock
	fallback time.Duration
	handler  func(UpdateState)
	logger   log.Logger

	minBattery atomic.Int32

	mu      sync.Mutex
	fsm     *fsm.FSM
	state   UpdateState
	run     uint64
	cancel  context.CancelFunc
	writer  *ImageWriter
	pending []*target
	percent int
}

// NewOrchestrator returns an idle orchestrator.
func NewOrchestrator(sender dispatch.Sender, router *notify.Router, battery BatteryReader,
	images ImageSource, conn ConnectionWatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sender:   sender,
		router:   router,
		battery:  battery,
		images:   images,
		conn:     conn,
		clock:    clock.RealClock{},
		fallback: DefaultExecuteFallback,
		state:    Idle{},
		logger:   log.WithName("dfu"),
	}
	o.minBattery.Store(DefaultMinBatteryLevel)
	for _, opt := range opts {
		opt(o)
	}

	events := fsm.Events{
		{Name: eventApply, Src: []string{stateIdle, stateTransferred, stateCompleted, stateStopped}, Dst: statePreparing},
		{Name: eventProgress, Src: []string{statePreparing, stateProgress}, Dst: stateProgress},
		{Name: eventTransferred, Src: []string{statePreparing, stateProgress}, Dst: stateTransferred},
		{Name: eventExecute, Src: []string{stateTransferred}, Dst: stateExecuting},
		{Name: eventFinish, Src: []string{stateTransferred, stateExecuting}, Dst: stateCompleted},
		{Name: eventStop, Src: []string{stateIdle, statePreparing, stateTransferred, stateCompleted, stateStopped}, Dst: stateStopped},
		{Name: eventAbort, Src: []string{stateIdle, statePreparing, stateProgress, stateTransferred, stateExecuting, stateCompleted, stateStopped}, Dst: stateError},
		{Name: eventReset, Src: []string{stateError}, Dst: stateIdle},
	}
	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			metrics.SetDfuState(e.Dst, allStates)
			return nil
		}),
	}
	o.fsm = fsm.NewFSM(stateIdle, events, callbacks)
	metrics.SetDfuState(stateIdle, allStates)
	return o
}

// SetMinBatteryLevel changes the battery threshold for later operations.
func (o *Orchestrator) SetMinBatteryLevel(level int) {
	o.minBattery.Store(int32(level))
}

// MinBatteryLevel returns the current battery threshold.
func (o *Orchestrator) MinBatteryLevel() int {
	return int(o.minBattery.Load())
}

// State returns the most recently emitted state.
func (o *Orchestrator) State() UpdateState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ApplyFirmware transfers every candidate that applies to the connected
// components and blocks until the transfer ends. Accessory images go first,
// then the tag. Images for modules are installed by the device on receipt;
// once all images are written, the orchestrator reports Transferred and,
// when nothing is left to install, Completed.
//
// Calling it while another operation is running does nothing and returns
// ErrIllegalState.
func (o *Orchestrator) ApplyFirmware(ctx context.Context, candidates []catalog.UpdateDescriptor, connected []catalog.Component) error {
	o.mu.Lock()
	if !o.fsm.Can(eventApply) {
		current := o.fsm.Current()
		o.mu.Unlock()
		o.logger.Info("Apply ignored", "state", current)
		return fmt.Errorf("apply in state %s: %w", current, ErrIllegalState)
	}
	run, ctx := o.beginLocked(ctx)
	o.pending = nil
	o.percent = -1
	o.transitionLocked(eventApply, PreparingToTransfer{})
	o.mu.Unlock()
	defer o.end(run)

	if err := o.transfer(ctx, run, candidates, connected); err != nil {
		return o.fail(run, err)
	}
	return nil
}

func (o *Orchestrator) transfer(ctx context.Context, run uint64, candidates []catalog.UpdateDescriptor, connected []catalog.Component) error {
	targets := selectTargets(candidates, connected)
	if len(targets) == 0 {
		return ErrNoUpdateFound
	}
	if err := o.checkBattery(ctx); err != nil {
		return err
	}

	total := 0
	for _, t := range targets {
		image, err := o.images.LoadBinary(&t.update)
		if err != nil {
			return fmt.Errorf("load image for %s: %w", t, err)
		}
		t.image = image
		total += len(image)
	}
	if total == 0 {
		return ErrBinaryNotFound
	}

	base := 0
	for _, t := range targets {
		o.logger.Info("Transferring image", "target", t.String(), "version", t.update.TargetVersion, "size", len(t.image))

		offset := base
		w := NewImageWriter(t.component, o.sender,
			WithModule(t.update.ModuleID),
			WithPriorityHinter(o.hinter),
			WithStateHandler(func(s WriterState) {
				if ws, ok := s.(WriterWriting); ok {
					o.progress(run, (offset+ws.Transfer.Offset)*100/total)
				}
			}),
		)

		if !o.attach(run, w) {
			return ErrStopped
		}
		err := w.Upload(ctx, t.image)
		o.detach(w)
		if err != nil {
			return fmt.Errorf("transfer to %s: %w", t, err)
		}

		base += len(t.image)
		if !t.update.IsModule() {
			o.mu.Lock()
			o.pending = append(o.pending, t)
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if run != o.run {
		return ErrStopped
	}
	o.progressLocked(100)
	o.transitionLocked(eventTransferred, Transferred{})
	if len(o.pending) == 0 {
		o.logger.Info("No installs pending, update completed")
		o.transitionLocked(eventFinish, Completed{})
	}
	return nil
}

// ExecuteUpdates installs the transferred images, accessories first, and
// blocks until every install has been confirmed. Calling it before a
// transfer finished reports ErrIllegalState through an Error state; calling
// it while another operation runs does nothing.
func (o *Orchestrator) ExecuteUpdates(ctx context.Context) error {
	o.mu.Lock()
	switch current := o.fsm.Current(); current {
	case stateTransferred:
	case statePreparing, stateProgress, stateExecuting:
		o.mu.Unlock()
		o.logger.Info("Execute ignored", "state", current)
		return fmt.Errorf("execute in state %s: %w", current, ErrIllegalState)
	default:
		err := fmt.Errorf("execute in state %s: %w", current, ErrIllegalState)
		o.failLocked(err)
		o.mu.Unlock()
		return err
	}
	run, ctx := o.beginLocked(ctx)
	queue := o.pending
	o.mu.Unlock()
	defer o.end(run)

	if err := o.checkBattery(ctx); err != nil {
		return o.fail(run, err)
	}
	if !o.transition(run, eventExecute, Executing{}) {
		return ErrStopped
	}

	for _, t := range queue {
		o.logger.Info("Installing image", "target", t.String(), "version", t.update.TargetVersion)
		if err := o.execute(ctx, t); err != nil {
			return o.fail(run, fmt.Errorf("install on %s: %w", t, err))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if run != o.run {
		return ErrStopped
	}
	o.pending = nil
	o.transitionLocked(eventFinish, Completed{})
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, t *target) error {
	cmd := protocol.NewCommand(t.component, protocol.DomainDfu, protocol.OpDfuExecute,
		&protocol.DfuExecute{Component: uint32(t.component)})

	if t.component == protocol.ComponentTag {
		return o.executeTag(ctx, cmd)
	}

	done, unsubscribe := notify.Subscribe(o.router,
		notify.FromComponent(t.component, notify.DfuExecuteComplete()), 1)
	defer unsubscribe()

	if _, err := o.sender.Send(ctx, cmd); err != nil {
		return err
	}

	select {
	case ev, ok := <-done:
		if ok && !ev.Success {
			o.logger.Warn("Install reported failure", "target", t.String())
		}
	case <-o.clock.After(o.fallback):
		o.logger.Info("No install confirmation, continuing", "target", t.String(), "waited", o.fallback)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// executeTag installs the tag image. The tag reboots into the new image, so
// a missing response is expected and completion is the link coming back.
func (o *Orchestrator) executeTag(ctx context.Context, cmd protocol.Command) error {
	states, unwatch := o.conn.WatchConnection()
	defer unwatch()

	if _, err := o.sender.Send(ctx, cmd); err != nil && !errors.Is(err, protocol.ErrTimeout) {
		return err
	}

	// The first Connected is the link state from before the reboot.
	stale := true
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return errors.New("connection watch closed")
			}
			if s != transport.Connected {
				continue
			}
			if stale {
				stale = false
				continue
			}
			o.logger.Info("Tag reconnected after install")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels the running operation. A transfer or install in flight ends
// with Error(ErrStopped) followed by Idle; otherwise the orchestrator
// reports Stopped. Any active writer is torn down before Stop returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.run++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	w := o.writer
	o.writer = nil
	o.pending = nil

	switch o.fsm.Current() {
	case stateProgress, stateExecuting:
		o.failLocked(ErrStopped)
	default:
		o.transitionLocked(eventStop, Stopped{})
	}
	o.mu.Unlock()

	if w != nil {
		w.Destroy()
	}
}

func (o *Orchestrator) checkBattery(ctx context.Context) error {
	level, err := o.battery.BatteryLevel(ctx)
	if err != nil {
		return err
	}
	if minimum := o.MinBatteryLevel(); level < minimum {
		return &InsufficientBatteryError{Level: level, Minimum: minimum}
	}
	return nil
}

// beginLocked starts a new run and returns its id and context.
func (o *Orchestrator) beginLocked(ctx context.Context) (uint64, context.Context) {
	o.run++
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	return o.run, ctx
}

func (o *Orchestrator) end(run uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run == o.run && o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) attach(run uint64, w *ImageWriter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run != o.run {
		return false
	}
	o.writer = w
	return true
}

func (o *Orchestrator) detach(w *ImageWriter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writer == w {
		o.writer = nil
	}
}

func (o *Orchestrator) progress(run uint64, percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run == o.run {
		o.progressLocked(percent)
	}
}

// progressLocked emits TransferProgress only when the percentage grows.
func (o *Orchestrator) progressLocked(percent int) {
	if percent <= o.percent {
		return
	}
	if o.transitionLocked(eventProgress, TransferProgress{Percent: percent}) {
		o.percent = percent
	}
}

// fail reports err for run unless the run was superseded by Stop.
func (o *Orchestrator) fail(run uint64, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run != o.run {
		return ErrStopped
	}
	o.failLocked(err)
	return err
}

// failLocked emits Error followed by Idle.
func (o *Orchestrator) failLocked(err error) {
	o.logger.Error(err, "Firmware update failed")
	o.transitionLocked(eventAbort, Failed{Err: err})
	o.transitionLocked(eventReset, Idle{})
}

func (o *Orchestrator) transition(run uint64, event string, next UpdateState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run != o.run {
		return false
	}
	return o.transitionLocked(event, next)
}

// transitionLocked fires event and emits next if the machine accepted it.
func (o *Orchestrator) transitionLocked(event string, next UpdateState) bool {
	err := fsmutil.IgnoreNoTransition(o.fsm.Event(context.Background(), event))
	if err != nil {
		o.logger.Debug("Ignoring event", "event", event, "state", o.fsm.Current(), "error", err)
		return false
	}
	o.state = next
	if o.handler != nil {
		o.handler(next)
	}
	return true
}

// selectTargets binds candidates to connected components. A candidate
// applies when it is available and either targets a module or carries a
// version different from the component's. Components are visited by
// descending id so accessories precede the tag.
func selectTargets(candidates []catalog.UpdateDescriptor, connected []catalog.Component) []*target {
	components := slices.Clone(connected)
	slices.SortStableFunc(components, func(a, b catalog.Component) int {
		return cmp.Compare(b.ID, a.ID)
	})

	used := sets.New[int]()
	var targets []*target
	for _, c := range components {
		if c.ModuleID != "" {
			continue
		}
		for i, u := range candidates {
			if used.Has(i) || !u.UpgradeStatus.Available() {
				continue
			}
			if u.VendorID != c.VendorID || u.ProductID != c.ProductID {
				continue
			}
			if !u.IsModule() && u.TargetVersion == c.Version {
				continue
			}
			used.Insert(i)
			targets = append(targets, &target{update: u, component: c.ID})
		}
	}
	return targets
}
