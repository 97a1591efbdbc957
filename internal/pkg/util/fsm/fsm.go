package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that returns an error to a looplab callback.
// A non-nil error is stored on the event so Event returns it.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// IgnoreNoTransition drops the error looplab returns for a self transition
// that carries no callback error.
func IgnoreNoTransition(err error) error {
	var nt fsm.NoTransitionError
	if errors.As(err, &nt) && nt.Err == nil {
		return nil
	}
	return err
}

// IsIgnored reports whether err means the event was not accepted in the
// current state, either because it is not defined there or because a
// guard cancelled it.
func IsIgnored(err error) bool {
	var (
		invalid  fsm.InvalidEventError
		canceled fsm.CanceledError
		inTrans  fsm.InTransitionError
	)
	return errors.As(err, &invalid) || errors.As(err, &canceled) || errors.As(err, &inTrans)
}
