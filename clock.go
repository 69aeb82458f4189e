package scheduler

import "github.com/benbjohnson/clock"

// Clock is the time source a Scheduler uses for due-date comparisons,
// deadline waits, and phase-duration metrics. It is an alias for
// clock.Clock so both clock.New() (wall time) and clock.NewMock()
// (deterministic test time) satisfy it directly.
type Clock = clock.Clock

func defaultClock() Clock { return clock.New() }
