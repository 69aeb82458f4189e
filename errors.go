package scheduler

import "errors"

// Namespace prefixes every sentinel error this package defines.
const Namespace = "scheduler"

var (
	// ErrUnknownRID is returned by Delete and RequestTermination when rid
	// names no entry in any pipeline. CheckPause and CheckTermination do
	// not return it: they report false for such a rid.
	ErrUnknownRID = errors.New(Namespace + ": unknown rid")

	// ErrShuttingDown is returned by Submit once Stop has been called.
	ErrShuttingDown = errors.New(Namespace + ": scheduler is shutting down")

	// ErrTerminated is returned by a WorkerHandle's Run or Resume to
	// report that it observed a pending termination via HostQueries and
	// shut down cooperatively, rather than finishing or failing on its
	// own. Pipeline treats it distinctly from a worker failure.
	ErrTerminated = errors.New(Namespace + ": terminated cooperatively")
)
