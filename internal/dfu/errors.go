package dfu

import (
	"errors"
	"fmt"
)

var (
	// ErrNoUpdateFound is returned when no candidate applies to the
	// connected components.
	ErrNoUpdateFound = errors.New("no applicable update found")

	// ErrBinaryNotFound is returned when no image bytes are available for
	// the selected updates.
	ErrBinaryNotFound = errors.New("firmware binary not found")

	// ErrIllegalState is returned when an operation is not allowed in the
	// current state.
	ErrIllegalState = errors.New("illegal state")

	// ErrStopped is reported when a transfer or install is stopped.
	ErrStopped = errors.New("update stopped")

	// ErrNotFound is reported by a writer given an empty image.
	ErrNotFound = errors.New("image is empty")

	// ErrCancelled is reported by a cancelled writer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrDestroyed is reported by a writer torn down mid-transfer.
	ErrDestroyed = errors.New("writer destroyed")

	// ErrStalled is reported when the device keeps acknowledging writes
	// without advancing the offset.
	ErrStalled = errors.New("transfer stalled")
)

// InsufficientBatteryError is returned when the tag battery is below the
// configured minimum.
type InsufficientBatteryError struct {
	Level   int
	Minimum int
}

func (e *InsufficientBatteryError) Error() string {
	return fmt.Sprintf("battery level %d%% is below the required %d%%", e.Level, e.Minimum)
}

// CrcMismatchError is returned when the device echoes a crc that does not
// match the bytes sent up to Offset.
type CrcMismatchError struct {
	Offset int
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch at offset %d", e.Offset)
}
