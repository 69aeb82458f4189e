package scheduler

import (
	"context"
	"fmt"
)

// HostQueries is the narrow surface a WorkerHandle's Run/Resume loop
// polls to decide whether to pause or terminate cooperatively. Scheduler
// implements it; a WorkerHandle receives one at Build and is expected to
// call it at its own chosen cadence.
//
// Both answers are computed fresh from current pipeline state on every
// call — neither is a flag latched once and replayed, so calling
// CheckPause again after the entry is already paused is the correct way
// to confirm it should stay paused; there is no separate
// check-still-paused query.
type HostQueries interface {
	// CheckPause reports whether rid should yield at its next pause
	// point right now.
	CheckPause(rid uint64) bool

	// CheckTermination reports whether rid has a pending termination
	// request.
	CheckTermination(rid uint64) bool
}

// RunOutcome distinguishes a worker voluntarily yielding from one that
// finished its run phase.
type RunOutcome int

const (
	// RunFinished means the experiment exited normally (or, paired with
	// a non-nil error, via failure or cooperative termination).
	RunFinished RunOutcome = iota
	// RunPaused means the worker observed CheckPause returning true and
	// yielded without finishing; the pipeline's run task reactivates it
	// later through WorkerHandle.Resume.
	RunPaused
)

func (o RunOutcome) String() string {
	switch o {
	case RunPaused:
		return "paused"
	default:
		return "finished"
	}
}

// WorkerHandle mediates one experiment process. The scheduler decides
// when to call each phase; the worker subprocess that actually performs
// a phase's work is an external collaborator this package does not
// implement (see doc.go).
type WorkerHandle interface {
	// Build hands off identity, the opaque experiment descriptor, and a
	// HostQueries the worker may poll from inside Run/Resume. It
	// returns once the worker subprocess has constructed the
	// experiment and is ready for Prepare.
	Build(ctx context.Context, rid uint64, expid any, host HostQueries) error

	// Prepare executes the prepare phase.
	Prepare(ctx context.Context) error

	// Run executes the run phase's first activation. It returns
	// RunFinished once the experiment exits (normally, on failure, or
	// on cooperative termination — distinguished by the returned
	// error), or RunPaused if the worker yielded at a pause point.
	Run(ctx context.Context) (RunOutcome, error)

	// Resume reactivates a worker that previously returned RunPaused.
	// Build and Run are not called again for a resumed entry.
	Resume(ctx context.Context) (RunOutcome, error)

	// Analyze executes the analyze phase.
	Analyze(ctx context.Context) error

	// Close tears the worker down. It must be idempotent and must
	// tolerate being called on a worker that never successfully built.
	Close(ctx context.Context) error

	// WriteRequest pushes the current pause/terminate flags to the
	// worker as a best-effort wakeup hint. CheckPause/CheckTermination
	// remain the authoritative answer; a worker that ignores
	// WriteRequest entirely and only polls HostQueries is still
	// correct, just slower to react.
	WriteRequest(pause, terminate bool)
}

// FailureKind classifies why a run entry was forced to deleting.
type FailureKind int

const (
	PreparationFailed FailureKind = iota
	RunFailed
	AnalysisFailed
	WorkerDied
)

func (k FailureKind) String() string {
	switch k {
	case PreparationFailed:
		return "preparation_failed"
	case RunFailed:
		return "run_failed"
	case AnalysisFailed:
		return "analysis_failed"
	case WorkerDied:
		return "worker_died"
	default:
		return "unknown_failure"
	}
}

// WorkerError wraps a phase failure with the entry and kind it applies
// to, mirroring the correlation metadata pattern of a tagged task error.
type WorkerError struct {
	Kind FailureKind
	RID  uint64
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s: rid=%d: %s: %v", Namespace, e.RID, e.Kind, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
