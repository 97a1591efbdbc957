package dfu

import "fmt"

// TransferState is the writer's position within an image.
type TransferState struct {
	Offset int
	Total  int
}

// Done reports whether every byte has been acknowledged.
func (t TransferState) Done() bool {
	return t.Offset == t.Total
}

// WriterState is the state of a single ImageWriter.
type WriterState interface {
	fmt.Stringer
	writerState()
}

type (
	WriterIdle              struct{}
	WriterCheckingStatus    struct{}
	WriterPreparingForWrite struct{}
	WriterWriting           struct{ Transfer TransferState }
	WriterComplete          struct{}
	WriterCancelled         struct{}
	WriterError             struct{ Err error }
)

func (WriterIdle) writerState()              {}
func (WriterCheckingStatus) writerState()    {}
func (WriterPreparingForWrite) writerState() {}
func (WriterWriting) writerState()           {}
func (WriterComplete) writerState()          {}
func (WriterCancelled) writerState()         {}
func (WriterError) writerState()             {}

func (WriterIdle) String() string              { return "Idle" }
func (WriterCheckingStatus) String() string    { return "CheckingStatus" }
func (WriterPreparingForWrite) String() string { return "PreparingForWrite" }
func (WriterComplete) String() string          { return "Complete" }
func (WriterCancelled) String() string         { return "Cancelled" }

func (s WriterWriting) String() string {
	return fmt.Sprintf("Writing(%d/%d)", s.Transfer.Offset, s.Transfer.Total)
}

func (s WriterError) String() string {
	return fmt.Sprintf("Error(%v)", s.Err)
}

// UpdateState is the state of the Orchestrator.
type UpdateState interface {
	fmt.Stringer
	updateState()
}

type (
	Idle                struct{}
	PreparingToTransfer struct{}
	TransferProgress    struct{ Percent int }
	Transferred         struct{}
	Executing           struct{}
	Completed           struct{}
	Stopped             struct{}
	Failed              struct{ Err error }
)

func (Idle) updateState()                {}
func (PreparingToTransfer) updateState() {}
func (TransferProgress) updateState()    {}
func (Transferred) updateState()         {}
func (Executing) updateState()           {}
func (Completed) updateState()           {}
func (Stopped) updateState()             {}
func (Failed) updateState()              {}

func (Idle) String() string                { return "Idle" }
func (PreparingToTransfer) String() string { return "PreparingToTransfer" }
func (Transferred) String() string         { return "Transferred" }
func (Executing) String() string           { return "Executing" }
func (Completed) String() string           { return "Completed" }
func (Stopped) String() string             { return "Stopped" }

func (s TransferProgress) String() string {
	return fmt.Sprintf("TransferProgress(%d%%)", s.Percent)
}

func (s Failed) String() string {
	return fmt.Sprintf("Error(%v)", s.Err)
}
