package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by [Supervisor.Start] on a running
	// supervisor.
	ErrAlreadyRunning = errors.New("pipeline: supervisor already running")

	// ErrHalted is returned by [Supervisor.WaitLive] when the message loop
	// ended before the stream went live.
	ErrHalted = errors.New("pipeline: stream halted before going live")

	// ErrNotStarted is returned by [Supervisor.WaitLive] before Start.
	ErrNotStarted = errors.New("pipeline: supervisor not started")
)

// Stage names the step of [Supervisor.Start] that failed.
type Stage string

const (
	StageAdapter  Stage = "adapter"
	StageSink     Stage = "sink"
	StagePipeline Stage = "pipeline"
	StageAttach   Stage = "attach"
	StageActivate Stage = "activate"
)

// ConstructionError reports a stream whose graph could not be built or
// activated. Nothing of the graph survives it.
type ConstructionError struct {
	ID    string
	Stage Stage
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("pipeline: construct stream %q: %s: %v", e.ID, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConstructionError) Unwrap() error { return e.Err }
