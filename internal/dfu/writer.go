package dfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/gearlink/internal/dispatch"
	"github.com/autopeer-io/gearlink/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/gearlink/internal/pkg/util/fsm"
	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/pkg/log"
)

const (
	writerIdle      = "idle"
	writerChecking  = "checking_status"
	writerPreparing = "preparing_for_write"
	writerWriting   = "writing"
	writerComplete  = "complete"
	writerCancelled = "cancelled"
	writerError     = "error"

	eventCheck    = "check"
	eventResume   = "resume"
	eventPrepare  = "prepare"
	eventWrite    = "write"
	eventComplete = "complete"
	eventCancel   = "cancel"
	eventFail     = "fail"
)

// priorityTimeout bounds a link priority hint.
const priorityTimeout = 2 * time.Second

// maxStalledWrites is how many consecutive writes may leave the offset
// unchanged before the transfer fails.
const maxStalledWrites = 3

// PriorityHinter adjusts the link priority while a transfer runs.
type PriorityHinter interface {
	SetPriority(ctx context.Context, p transport.Priority) error
}

// WriterOption configures an ImageWriter.
type WriterOption func(*ImageWriter)

// WithStateHandler receives every writer state. It is called with the
// writer's lock held and must not call back into the writer.
func WithStateHandler(fn func(WriterState)) WriterOption {
	return func(w *ImageWriter) {
		w.handler = fn
	}
}

// WithPriorityHinter raises the link priority for the transfer.
func WithPriorityHinter(h PriorityHinter) WriterOption {
	return func(w *ImageWriter) {
		w.hinter = h
	}
}

// WithModule targets a loadable module on the component.
func WithModule(id string) WriterOption {
	return func(w *ImageWriter) {
		w.moduleID = id
	}
}

// ImageWriter transfers one image to one component. A writer is single use:
// once it reaches Complete, Cancelled or Error it ignores further events.
type ImageWriter struct {
	component protocol.Component
	moduleID  string
	sender    dispatch.Sender
	hinter    PriorityHinter
	handler   func(WriterState)
	logger    log.Logger

	mu     sync.Mutex
	fsm    *fsm.FSM
	state  WriterState
	image  []byte
	cancel context.CancelCauseFunc
	err    error
}

// NewImageWriter returns an idle writer for component.
func NewImageWriter(component protocol.Component, sender dispatch.Sender, opts ...WriterOption) *ImageWriter {
	w := &ImageWriter{
		component: component,
		sender:    sender,
		state:     WriterIdle{},
		logger:    log.WithName("dfu-writer").WithValues("component", component.String()),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.moduleID != "" {
		w.logger = w.logger.WithValues("module", w.moduleID)
	}

	active := []string{writerIdle, writerChecking, writerPreparing, writerWriting}
	events := fsm.Events{
		{Name: eventCheck, Src: []string{writerIdle}, Dst: writerChecking},
		{Name: eventResume, Src: []string{writerChecking}, Dst: writerWriting},
		{Name: eventPrepare, Src: []string{writerChecking}, Dst: writerPreparing},
		{Name: eventWrite, Src: []string{writerPreparing}, Dst: writerWriting},
		{Name: eventComplete, Src: []string{writerWriting}, Dst: writerComplete},
		{Name: eventCancel, Src: active, Dst: writerCancelled},
		{Name: eventFail, Src: active, Dst: writerError},
	}

	callbacks := fsm.Callbacks{
		"before_" + eventResume: fsmutil.WrapEvent(w.guardResume),

		"enter_" + writerChecking:  fsmutil.WrapEvent(w.enterChecking),
		"enter_" + writerPreparing: fsmutil.WrapEvent(w.enterPreparing),
		"enter_" + writerWriting:   fsmutil.WrapEvent(w.enterWriting),
		"enter_" + writerComplete:  fsmutil.WrapEvent(w.enterComplete),
		"enter_" + writerCancelled: fsmutil.WrapEvent(w.enterCancelled),
		"enter_" + writerError:     fsmutil.WrapEvent(w.enterError),
	}

	w.fsm = fsm.NewFSM(writerIdle, events, callbacks)
	return w
}

// State returns the most recently entered state.
func (w *ImageWriter) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Upload transfers image and blocks until the writer reaches a terminal
// state. It returns nil on Complete and the terminal cause otherwise.
func (w *ImageWriter) Upload(ctx context.Context, image []byte) error {
	w.mu.Lock()
	if current := w.fsm.Current(); current != writerIdle {
		w.mu.Unlock()
		w.logger.Info("Upload ignored, writer already used", "state", current)
		return fmt.Errorf("upload in state %s: %w", current, ErrIllegalState)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.cancel = cancel
	w.image = image
	w.mu.Unlock()

	if len(image) == 0 {
		w.fire(ctx, eventFail, ErrNotFound)
		return w.result()
	}

	w.fire(ctx, eventCheck)
	offset, err := w.negotiate(ctx, image)
	if err != nil {
		return w.abort(ctx, err)
	}
	if err := w.write(ctx, image, offset); err != nil {
		return w.abort(ctx, err)
	}

	w.fire(ctx, eventComplete)
	return w.result()
}

// negotiate queries the device and either resumes a matching partial image
// or prepares a fresh transfer. It returns the offset writing starts at.
func (w *ImageWriter) negotiate(ctx context.Context, image []byte) (int, error) {
	cmd := protocol.NewCommand(w.component, protocol.DomainDfu, protocol.OpDfuStatus, nil)
	cmd.SkipStatusCheck = true
	resp, err := w.sender.Send(ctx, cmd)
	if err != nil {
		return 0, err
	}

	switch resp.Status {
	case protocol.StatusOK:
		var st protocol.DfuStatus
		if err := protocol.Unmarshal(resp.Payload, &st); err != nil {
			return 0, err
		}
		resume := TransferState{Offset: int(st.CurrentSize), Total: len(image)}
		err := w.fire(ctx, eventResume, resume, &st)
		if err == nil {
			w.logger.Info("Resuming partial transfer", "offset", resume.Offset, "size", len(image))
			return resume.Offset, nil
		}
		if !fsmutil.IsIgnored(err) {
			return 0, err
		}
		if !w.is(writerChecking) {
			return 0, w.result()
		}
	case protocol.StatusNoResponse:
	default:
		return 0, &protocol.ProtocolError{Domain: cmd.Domain, Opcode: cmd.Opcode, Status: resp.Status}
	}

	if err := w.fire(ctx, eventPrepare); err != nil {
		return 0, w.result()
	}
	prepare := &protocol.DfuPrepare{
		FinalSize: uint32(len(image)),
		FinalCrc:  uint32(protocol.CRC16(image)),
		Component: uint32(w.component),
		ModuleID:  w.moduleID,
	}
	if _, err := w.sender.Send(ctx, protocol.NewCommand(w.component, protocol.DomainDfu, protocol.OpDfuPrepare, prepare)); err != nil {
		return 0, err
	}
	if err := w.fire(ctx, eventWrite, TransferState{Total: len(image)}); err != nil {
		return 0, w.result()
	}
	return 0, nil
}

// write sends the image from offset in chunks of at most MaxWriteChunk
// bytes, checking the echoed crc after each one.
func (w *ImageWriter) write(ctx context.Context, image []byte, offset int) error {
	crc := protocol.CRC16(image[:offset])
	stalled := 0
	for offset < len(image) {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		end := min(offset+protocol.MaxWriteChunk, len(image))
		chunk := image[offset:end]
		res, err := dispatch.Call[protocol.DfuWriteResult](ctx, w.sender, protocol.NewCommand(
			w.component, protocol.DomainDfu, protocol.OpDfuWrite,
			&protocol.DfuWrite{Offset: uint32(offset), Data: chunk},
		))
		if err != nil {
			return err
		}

		next := int(res.NextOffset)
		if next > len(image) {
			return fmt.Errorf("device reported offset %d beyond image size %d", next, len(image))
		}
		if next == end {
			crc = protocol.UpdateCRC16(crc, chunk)
		} else {
			crc = protocol.CRC16(image[:next])
		}
		if uint32(crc) != res.Crc {
			return &CrcMismatchError{Offset: next}
		}

		if next == offset {
			if stalled++; stalled >= maxStalledWrites {
				return fmt.Errorf("offset %d unchanged after %d writes: %w", offset, stalled, ErrStalled)
			}
		} else {
			stalled = 0
		}
		if next > offset {
			metrics.DfuBytesWritten.WithLabelValues(w.component.String()).Add(float64(next - offset))
		}
		offset = next
		if !w.progress(TransferState{Offset: offset, Total: len(image)}) {
			return w.result()
		}
	}
	return nil
}

// Cancel stops the transfer and moves the writer to Cancelled.
func (w *ImageWriter) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fireLocked(context.Background(), eventCancel)
	if w.cancel != nil {
		w.cancel(ErrCancelled)
	}
}

// Destroy tears the writer down, moving it to Error unless it already
// reached a terminal state.
func (w *ImageWriter) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fireLocked(context.Background(), eventFail, ErrDestroyed)
	if w.cancel != nil {
		w.cancel(ErrDestroyed)
	}
}

// abort moves the writer to Cancelled when ctx was cancelled and to Error
// otherwise, then returns the terminal cause.
func (w *ImageWriter) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		w.fire(ctx, eventCancel)
	} else {
		w.fire(ctx, eventFail, err)
	}
	return w.result()
}

func (w *ImageWriter) fire(ctx context.Context, event string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fireLocked(ctx, event, args...)
}

// fireLocked runs event on the machine. Callbacks must still run after the
// caller's context is cancelled, so the event context drops cancellation.
func (w *ImageWriter) fireLocked(ctx context.Context, event string, args ...any) error {
	err := w.fsm.Event(context.WithoutCancel(ctx), event, args...)
	if err != nil && fsmutil.IsIgnored(err) && event != eventResume {
		w.logger.Debug("Ignoring event", "event", event, "state", w.fsm.Current())
	}
	return err
}

func (w *ImageWriter) progress(t TransferState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsm.Current() != writerWriting {
		return false
	}
	w.emit(WriterWriting{Transfer: t})
	return true
}

func (w *ImageWriter) is(state string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsm.Current() == state
}

// result returns the terminal cause: nil for Complete.
func (w *ImageWriter) result() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *ImageWriter) emit(s WriterState) {
	w.state = s
	if w.handler != nil {
		w.handler(s)
	}
}

func (w *ImageWriter) hint(p transport.Priority) {
	if w.hinter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), priorityTimeout)
	defer cancel()
	if err := w.hinter.SetPriority(ctx, p); err != nil {
		w.logger.Warn("Failed to set link priority", "priority", p.String(), "error", err)
	}
}

// guardResume only lets a transfer resume when the device holds a prefix of
// this exact image.
func (w *ImageWriter) guardResume(ctx context.Context, e *fsm.Event) error {
	st := e.Args[1].(*protocol.DfuStatus)
	if !canResume(w.image, st) {
		e.Cancel(fsm.NoTransitionError{})
	}
	return nil
}

func canResume(image []byte, st *protocol.DfuStatus) bool {
	current := int(st.CurrentSize)
	if current > len(image) || int(st.FinalSize) != len(image) {
		return false
	}
	return uint32(protocol.CRC16(image[:current])) == st.CurrentCrc &&
		uint32(protocol.CRC16(image)) == st.FinalCrc
}

func (w *ImageWriter) enterChecking(ctx context.Context, e *fsm.Event) error {
	w.hint(transport.PriorityHigh)
	w.emit(WriterCheckingStatus{})
	return nil
}

func (w *ImageWriter) enterPreparing(ctx context.Context, e *fsm.Event) error {
	w.emit(WriterPreparingForWrite{})
	return nil
}

func (w *ImageWriter) enterWriting(ctx context.Context, e *fsm.Event) error {
	w.emit(WriterWriting{Transfer: e.Args[0].(TransferState)})
	return nil
}

func (w *ImageWriter) enterComplete(ctx context.Context, e *fsm.Event) error {
	w.hint(transport.PriorityNormal)
	w.emit(WriterComplete{})
	return nil
}

func (w *ImageWriter) enterCancelled(ctx context.Context, e *fsm.Event) error {
	w.err = ErrCancelled
	w.hint(transport.PriorityNormal)
	w.emit(WriterCancelled{})
	return nil
}

func (w *ImageWriter) enterError(ctx context.Context, e *fsm.Event) error {
	err := e.Args[0].(error)
	if !errors.Is(err, ErrDestroyed) {
		w.logger.Error(err, "Transfer failed")
	}
	w.err = err
	w.hint(transport.PriorityNormal)
	w.emit(WriterError{Err: err})
	return nil
}
