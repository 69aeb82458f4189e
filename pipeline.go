package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/labrun/scheduler/metrics"
	"github.com/labrun/scheduler/notifier"
)

// Pipeline owns a set of run entries sharing a single hardware context.
// Three cooperating tasks (prepare, run, analyze) plus a deleter advance
// entries through the status DAG; all of them touch pipeline state only
// while mu is held, coordinating via cond rather than channels so a
// single due-date deadline or a flush gate can be expressed as an
// ordinary wait/broadcast instead of a select over timer channels.
type Pipeline struct {
	name string

	clock    Clock
	logger   *zap.Logger
	metrics  metrics.Provider
	notifier *notifier.Notifier
	host     HostQueries

	mu   sync.Mutex
	cond *sync.Cond

	entries  map[uint64]*RunEntry
	prepareQ *prepareQueue
	runQ     *runQueue

	runDoneFIFO       []uint64
	runDoneSeqCounter uint64

	deleteQ []uint64
	delWG   sync.WaitGroup

	depthGauge         metrics.UpDownCounter
	transitionsCounter metrics.Counter
	phaseDuration      metrics.Histogram
}

func newPipeline(name string, cfg *Config, host HostQueries) *Pipeline {
	p := &Pipeline{
		name:     name,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(zap.String("pipeline", name)),
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		host:     host,
		entries:  make(map[uint64]*RunEntry),
		prepareQ: newPrepareQueue(),
		runQ:     newRunQueue(),
	}
	p.cond = sync.NewCond(&p.mu)

	attrs := metrics.WithAttributes(map[string]string{"pipeline": name})
	p.depthGauge = cfg.Metrics.UpDownCounter(metrics.NamePipelineDepth+"_"+name,
		metrics.WithDescription("run entries currently tracked by the pipeline"), attrs)
	p.transitionsCounter = cfg.Metrics.Counter(metrics.NameTransitionsTotal+"_"+name,
		metrics.WithDescription("status transitions observed by the pipeline"), attrs)
	p.phaseDuration = cfg.Metrics.Histogram(metrics.NamePhaseDurationSeconds+"_"+name,
		metrics.WithUnit("seconds"), attrs)

	return p
}

func ridKey(rid uint64) string { return strconv.FormatUint(rid, 10) }

// dueDateSeconds renders d as the wire format §6 specifies for
// due_date: seconds since epoch, or nil.
func dueDateSeconds(d *time.Time) any {
	if d == nil {
		return nil
	}
	return float64(d.UnixNano()) / 1e9
}

// launch starts the pipeline's four background tasks plus a watcher that
// flags every resident entry for termination once ctx is cancelled,
// modeling the scheduler-wide "stop flags every entry for termination"
// behavior at the point where it actually matters — inside each
// pipeline's own lock.
func (p *Pipeline) launch(ctx context.Context, eg *errgroup.Group) {
	eg.Go(func() error { p.watchContext(ctx); return nil })
	eg.Go(func() error { p.prepareLoop(ctx); return nil })
	eg.Go(func() error { p.runLoop(ctx); return nil })
	eg.Go(func() error { p.analyzeLoop(ctx); return nil })
	eg.Go(func() error { p.deleterLoop(ctx); return nil })
}

func (p *Pipeline) waitDeletions() { p.delWG.Wait() }

func (p *Pipeline) watchContext(ctx context.Context) {
	<-ctx.Done()
	p.mu.Lock()
	for _, e := range p.entries {
		e.terminationRequested = true
		if e.worker != nil {
			e.worker.WriteRequest(false, true)
		}
		// A running entry cooperates via check_termination at its own
		// activation's next poll. Everything else, a paused entry
		// included, has no in-flight activation to cooperate with (the
		// run task resumes nothing once ctx is cancelled), so it is
		// force-deleted — otherwise a resident entry that never gets
		// selected to run again would never have its worker closed.
		switch e.status {
		case StatusRunning, StatusDeleting:
		default:
			p.sendToDeleteLocked(e)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// submit registers e as pending and wakes the prepare task.
func (p *Pipeline) submit(e *RunEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.status = StatusPending
	p.entries[e.rid] = e
	p.prepareQ.Add(e)
	p.depthGauge.Add(1)

	p.notifier.Set([]string{"schedule"}, ridKey(e.rid), map[string]any{
		"pipeline": e.pipeline,
		"status":   string(e.status),
		"priority": e.priority,
		"expid":    e.expid,
		"due_date": dueDateSeconds(e.dueDate),
		"flush":    e.flush,
		"repo_msg": e.repoMsg,
	})

	p.cond.Broadcast()
}

// transitionLocked advances e to to, publishing the change. It silently
// drops any transition attempted after an entry has already reached
// deleting, since that is terminal and a phase call racing a forced
// delete can still return after the fact.
func (p *Pipeline) transitionLocked(e *RunEntry, to Status) {
	if e.status == StatusDeleting {
		return
	}
	if to != StatusDeleting && !e.canAdvanceTo(to) {
		p.logger.Error("illegal status transition",
			zap.Uint64("rid", e.rid), zap.String("from", string(e.status)), zap.String("to", string(to)))
		return
	}

	e.status = to
	p.notifier.Set([]string{"schedule", ridKey(e.rid)}, "status", string(to))
	p.transitionsCounter.Add(1)
	p.logger.Debug("transition", zap.Uint64("rid", e.rid), zap.String("to", string(to)))
	p.cond.Broadcast()
}

// sendToDeleteLocked removes e from whichever queue still tracks it and
// hands it to the deleter. It is idempotent: an entry already in
// deleting is left alone, so a forced delete racing a phase completion
// never double-enqueues.
func (p *Pipeline) sendToDeleteLocked(e *RunEntry) {
	if e.status == StatusDeleting {
		return
	}
	p.prepareQ.Remove(e.rid)
	p.runQ.Remove(e.rid)
	p.removeFromRunDoneFIFOLocked(e.rid)
	p.transitionLocked(e, StatusDeleting)
	p.deleteQ = append(p.deleteQ, e.rid)
	p.cond.Broadcast()
}

func (p *Pipeline) failEntryLocked(e *RunEntry, err *WorkerError) {
	p.logger.Error("run entry failed", zap.Uint64("rid", e.rid),
		zap.String("kind", err.Kind.String()), zap.Error(err.Err))
	p.sendToDeleteLocked(e)
}

func (p *Pipeline) removeFromRunDoneFIFOLocked(rid uint64) {
	for i, r := range p.runDoneFIFO {
		if r == rid {
			p.runDoneFIFO = append(p.runDoneFIFO[:i], p.runDoneFIFO[i+1:]...)
			return
		}
	}
}

// noOtherActiveLocked reports whether every resident entry other than
// excludeRID is outside the span the flush gate must wait for.
func (p *Pipeline) noOtherActiveLocked(excludeRID uint64) bool {
	for rid, e := range p.entries {
		if rid == excludeRID {
			continue
		}
		switch e.status {
		case StatusPreparing, StatusPrepareDone, StatusRunning, StatusPaused, StatusRunDone, StatusAnalyzing:
			return false
		}
	}
	return true
}

// waitFlushGateLocked blocks until no other entry is active, re-checking
// on every broadcast pipeline state change. It returns false if ctx was
// cancelled before the gate opened.
func (p *Pipeline) waitFlushGateLocked(ctx context.Context, e *RunEntry) bool {
	for !p.noOtherActiveLocked(e.rid) {
		if ctx.Err() != nil {
			return false
		}
		p.cond.Wait()
	}
	return ctx.Err() == nil
}

// waitUntilLocked parks the calling task until the next broadcast, or
// until wake, whichever comes first. A zero wake means wait indefinitely
// for a broadcast. The timer callback must acquire mu before
// broadcasting so it cannot race a Wait that has not yet parked.
func (p *Pipeline) waitUntilLocked(ctx context.Context, wake time.Time) {
	if ctx.Err() != nil {
		return
	}
	if wake.IsZero() {
		p.cond.Wait()
		return
	}
	d := wake.Sub(p.clock.Now())
	if d <= 0 {
		return
	}
	timer := p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
}

// prepareLoop is the prepare task: repeatedly selects the readiest
// pending/flushing entry, runs it through the flush gate if needed, then
// drives build+prepare.
func (p *Pipeline) prepareLoop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		e, ok, nextWake := p.prepareQ.SelectReady(p.clock.Now())
		if !ok {
			p.waitUntilLocked(ctx, nextWake)
			continue
		}

		p.prepareQ.Remove(e.rid)

		if e.flush {
			p.transitionLocked(e, StatusFlushing)
			if !p.waitFlushGateLocked(ctx, e) {
				p.sendToDeleteLocked(e)
				continue
			}
		}

		p.transitionLocked(e, StatusPreparing)
		p.mu.Unlock()
		p.runPreparePhase(ctx, e)
		p.mu.Lock()
	}
}

func (p *Pipeline) runPreparePhase(ctx context.Context, e *RunEntry) {
	start := p.clock.Now()

	if err := e.worker.Build(ctx, e.rid, e.expid, p.host); err != nil {
		p.mu.Lock()
		p.failEntryLocked(e, &WorkerError{Kind: PreparationFailed, RID: e.rid, Err: err})
		p.mu.Unlock()
		return
	}
	if err := e.worker.Prepare(ctx); err != nil {
		p.mu.Lock()
		p.failEntryLocked(e, &WorkerError{Kind: PreparationFailed, RID: e.rid, Err: err})
		p.mu.Unlock()
		return
	}

	elapsed := p.clock.Now().Sub(start).Seconds()

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.status == StatusDeleting {
		return
	}
	p.phaseDuration.Record(elapsed)
	p.transitionLocked(e, StatusPrepareDone)
	p.runQ.Add(e)
	p.maybeSignalPreemptionLocked()
}

// maybeSignalPreemptionLocked pushes a pause hint to the currently
// running entry's worker when a better run candidate just became
// available. CheckPause remains authoritative; this only speeds up
// reaction time for workers that honor WriteRequest.
func (p *Pipeline) maybeSignalPreemptionLocked() {
	running := p.findRunningLocked()
	if running == nil || running.worker == nil {
		return
	}
	if best := p.runQ.Peek(); best != nil && runLess(best, running) {
		running.worker.WriteRequest(true, false)
	}
}

func (p *Pipeline) findRunningLocked() *RunEntry {
	for _, e := range p.entries {
		if e.status == StatusRunning {
			return e
		}
	}
	return nil
}

// runLoop is the run task. Exactly one goroutine per pipeline ever calls
// a worker's Run or Resume, which is what gives "at most one running
// entry" for free: there is structurally only one place in the program
// that can make the call.
func (p *Pipeline) runLoop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		e := p.runQ.Peek()
		if e == nil {
			p.cond.Wait()
			continue
		}
		p.runQ.Remove(e.rid)
		p.activateEntry(ctx, e)
	}
}

func (p *Pipeline) activateEntry(ctx context.Context, e *RunEntry) {
	first := e.status == StatusPrepareDone
	p.transitionLocked(e, StatusRunning)
	p.mu.Unlock()

	start := p.clock.Now()
	var outcome RunOutcome
	var err error
	if first {
		outcome, err = e.worker.Run(ctx)
	} else {
		outcome, err = e.worker.Resume(ctx)
	}
	elapsed := p.clock.Now().Sub(start).Seconds()

	p.mu.Lock()
	if e.status == StatusDeleting {
		return
	}
	p.phaseDuration.Record(elapsed)

	switch {
	case err != nil:
		if errors.Is(err, ErrTerminated) {
			p.logger.Info("run entry terminated cooperatively", zap.Uint64("rid", e.rid))
			p.sendToDeleteLocked(e)
		} else {
			p.failEntryLocked(e, &WorkerError{Kind: RunFailed, RID: e.rid, Err: err})
		}
	case outcome == RunPaused:
		p.transitionLocked(e, StatusPaused)
		p.runQ.Add(e)
	default:
		p.transitionLocked(e, StatusRunDone)
		p.runDoneSeqCounter++
		e.runDoneSeq = p.runDoneSeqCounter
		p.runDoneFIFO = append(p.runDoneFIFO, e.rid)
	}
}

// checkPause answers the run-entry's own polling. True iff its own
// termination has been requested, or some other prepare_done/paused
// entry outranks it under run order, or such an entry has an elapsed
// due date and priority at least equal to the caller's.
func (p *Pipeline) checkPause(rid uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	self, ok := p.entries[rid]
	if !ok || self.status == StatusDeleting {
		return false
	}
	if self.terminationRequested {
		return true
	}

	now := p.clock.Now()
	for _, it := range p.runQ.items {
		e := it.entry
		if e.rid == rid {
			continue
		}
		if runLess(e, self) {
			return true
		}
		if e.dueDate != nil && !e.dueDate.After(now) && e.priority >= self.priority {
			return true
		}
	}
	return false
}

func (p *Pipeline) checkTermination(rid uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[rid]
	if !ok {
		return false
	}
	return e.terminationRequested
}

// analyzeLoop is the analyze task: FIFO order of arrival into run_done,
// not priority.
func (p *Pipeline) analyzeLoop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		if len(p.runDoneFIFO) == 0 {
			p.cond.Wait()
			continue
		}

		rid := p.runDoneFIFO[0]
		p.runDoneFIFO = p.runDoneFIFO[1:]
		e, ok := p.entries[rid]
		if !ok || e.status != StatusRunDone {
			continue
		}

		p.transitionLocked(e, StatusAnalyzing)
		p.mu.Unlock()

		start := p.clock.Now()
		err := e.worker.Analyze(ctx)
		elapsed := p.clock.Now().Sub(start).Seconds()

		p.mu.Lock()
		if e.status == StatusDeleting {
			continue
		}
		p.phaseDuration.Record(elapsed)
		if err != nil {
			p.failEntryLocked(e, &WorkerError{Kind: AnalysisFailed, RID: rid, Err: err})
		} else {
			p.sendToDeleteLocked(e)
		}
	}
}

// deleterLoop drains the delete queue, dispatching each close-and-remove
// onto its own goroutine so multiple deletions proceed concurrently
// across the pipeline without blocking one another on worker.Close.
func (p *Pipeline) deleterLoop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.deleteQ) == 0 {
			// After cancellation a running entry is queued for deletion
			// only once its Run/Resume call returns, so keep waiting.
			if ctx.Err() != nil && p.findRunningLocked() == nil {
				return
			}
			p.cond.Wait()
			continue
		}

		rid := p.deleteQ[0]
		p.deleteQ = p.deleteQ[1:]
		p.delWG.Add(1)
		go p.finishDelete(rid)
	}
}

// finishDelete closes rid's worker and removes it from the pipeline and
// notifier. It deliberately uses context.Background for Close so a
// shutdown's cancelled context does not also abort the one operation
// that must still complete for the entry to disappear.
func (p *Pipeline) finishDelete(rid uint64) {
	defer p.delWG.Done()

	p.mu.Lock()
	e, ok := p.entries[rid]
	p.mu.Unlock()
	if !ok {
		return
	}

	if e.worker != nil {
		if err := e.worker.Close(context.Background()); err != nil {
			p.logger.Warn("worker close failed", zap.Uint64("rid", rid), zap.Error(err))
		}
	}

	p.mu.Lock()
	delete(p.entries, rid)
	p.depthGauge.Add(-1)
	p.mu.Unlock()

	p.notifier.Delete([]string{"schedule"}, ridKey(rid))
	p.logger.Info("run entry deleted", zap.Uint64("rid", rid))
}

// delete forces rid directly to deleting regardless of its current
// status.
func (p *Pipeline) delete(rid uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[rid]
	if !ok {
		return ErrUnknownRID
	}
	p.sendToDeleteLocked(e)
	return nil
}

// requestTermination sets rid's termination flag. A running or paused
// entry cooperates at its own pace; any other status is force-deleted
// immediately since there is no worker activation in flight to cooperate
// with.
func (p *Pipeline) requestTermination(rid uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[rid]
	if !ok {
		return ErrUnknownRID
	}

	e.terminationRequested = true
	if e.worker != nil {
		e.worker.WriteRequest(false, true)
	}

	switch e.status {
	case StatusRunning, StatusPaused:
		p.cond.Broadcast()
	default:
		p.sendToDeleteLocked(e)
	}
	return nil
}
