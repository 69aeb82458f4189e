package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler is the top-level coordinator: it creates pipelines on
// demand, assigns run identifiers, routes submissions, answers
// pause/termination queries on behalf of every pipeline it owns, and
// orchestrates shutdown.
type Scheduler struct {
	cfg Config

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	nextRID   uint64
	stopping  bool

	eg        *errgroup.Group
	cancel    context.CancelFunc
	launchCtx context.Context
}

// New constructs a Scheduler from an explicit Config. A nil Config, or
// nil fields within one, fall back to their defaults.
//
// Deprecated: prefer NewOptions, which will be renamed to New in a
// future major version.
func New(cfg *Config) *Scheduler {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	_ = validateConfig(&c)

	return &Scheduler{
		cfg:       c,
		pipelines: make(map[string]*Pipeline),
		nextRID:   1,
	}
}

// SubmitOption configures the optional fields of a submission. priority
// defaults to 0, due_date to unset, flush to false, repo_msg to nil.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	priority int
	dueDate  *time.Time
	flush    bool
	repoMsg  any
}

// WithPriority sets the submission's priority (higher runs and prepares
// earlier). Default 0.
func WithPriority(priority int) SubmitOption {
	return func(c *submitConfig) { c.priority = priority }
}

// WithDueDate sets the submission's due date. An entry with a due date
// is not a prepare candidate until that time has passed.
func WithDueDate(t time.Time) SubmitOption {
	return func(c *submitConfig) { c.dueDate = &t }
}

// WithFlush marks the submission as a flush point: the prepare task
// will not advance it past flushing until every other resident entry in
// its pipeline has left the active span of the status DAG.
func WithFlush() SubmitOption {
	return func(c *submitConfig) { c.flush = true }
}

// WithRepoMsg attaches an opaque value populated by an external
// collaborator (e.g. a code repository fetcher). The scheduler carries
// it through the entry's lifetime and never interprets it.
func WithRepoMsg(msg any) SubmitOption {
	return func(c *submitConfig) { c.repoMsg = msg }
}

// Submit allocates a fresh rid, creates pipeline if absent, inserts a
// pending entry into the notifier, and wakes the pipeline's prepare
// task. It rejects submissions after Stop has been initiated.
func (s *Scheduler) Submit(pipeline string, expid any, worker WorkerHandle, opts ...SubmitOption) (uint64, error) {
	var sc submitConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&sc)
		}
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return 0, ErrShuttingDown
	}
	rid := s.nextRID
	s.nextRID++
	p := s.getOrCreatePipelineLocked(pipeline)
	s.mu.Unlock()

	e := &RunEntry{
		rid:      rid,
		pipeline: pipeline,
		priority: sc.priority,
		dueDate:  sc.dueDate,
		flush:    sc.flush,
		expid:    expid,
		repoMsg:  sc.repoMsg,
		worker:   worker,
	}
	p.submit(e)
	return rid, nil
}

func (s *Scheduler) getOrCreatePipelineLocked(name string) *Pipeline {
	if p, ok := s.pipelines[name]; ok {
		return p
	}
	p := newPipeline(name, &s.cfg, s)
	s.pipelines[name] = p
	if s.eg != nil {
		p.launch(s.launchCtx, s.eg)
	}
	return p
}

// Delete transitions rid to deleting regardless of its current status.
func (s *Scheduler) Delete(rid uint64) error {
	p := s.findPipelineByRID(rid)
	if p == nil {
		return ErrUnknownRID
	}
	return p.delete(rid)
}

// RequestTermination sets rid's termination flag. A running or paused
// entry cooperates at its own pace; any other entry is force-deleted.
func (s *Scheduler) RequestTermination(rid uint64) error {
	p := s.findPipelineByRID(rid)
	if p == nil {
		return ErrUnknownRID
	}
	return p.requestTermination(rid)
}

// CheckPause implements HostQueries on behalf of every pipeline the
// scheduler owns, routing rid to its pipeline.
func (s *Scheduler) CheckPause(rid uint64) bool {
	p := s.findPipelineByRID(rid)
	if p == nil {
		return false
	}
	return p.checkPause(rid)
}

// CheckTermination implements HostQueries on behalf of every pipeline
// the scheduler owns, routing rid to its pipeline.
func (s *Scheduler) CheckTermination(rid uint64) bool {
	p := s.findPipelineByRID(rid)
	if p == nil {
		return false
	}
	return p.checkTermination(rid)
}

func (s *Scheduler) findPipelineByRID(rid uint64) *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pipelines {
		p.mu.Lock()
		_, ok := p.entries[rid]
		p.mu.Unlock()
		if ok {
			return p
		}
	}
	return nil
}

// Start launches every existing pipeline's tasks and arms the scheduler
// to launch tasks for any pipeline created afterward.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.eg = eg
	s.launchCtx = egCtx

	for _, p := range s.pipelines {
		p.launch(egCtx, eg)
	}
}

// Stop begins shutdown: it flags every resident entry for termination
// (via each pipeline's context-cancellation watcher), drains all
// pipeline tasks, then waits for outstanding worker closes. It returns
// once every task has exited, even if some worker is still mid-run when
// cancellation arrives — worker.Close is authoritative for actually
// tearing such a worker down.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopping = true
	cancel := s.cancel
	eg := s.eg
	pipelines := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	s.mu.Unlock()

	if cancel == nil || eg == nil {
		return nil
	}
	cancel()
	err := eg.Wait()
	for _, p := range pipelines {
		p.waitDeletions()
	}
	return err
}

var _ HostQueries = (*Scheduler)(nil)
