package scheduler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/labrun/scheduler/metrics"
	"github.com/labrun/scheduler/notifier"
)

// Option configures a Scheduler. Use NewOptions(opts...) to construct
// one via options.
type Option func(*configOptions)

// internal builder state for options assembly.
type configOptions struct {
	cfg Config
}

// WithClock sets the time source used for due-date comparisons,
// deadline waits, and phase-duration metrics.
func WithClock(c Clock) Option {
	return func(co *configOptions) { co.cfg.Clock = c }
}

// WithLogger sets the structured logger events are emitted to.
func WithLogger(l *zap.Logger) Option {
	return func(co *configOptions) { co.cfg.Logger = l }
}

// WithMetrics sets the provider counters, gauges, and histograms are
// recorded against.
func WithMetrics(m metrics.Provider) Option {
	return func(co *configOptions) { co.cfg.Metrics = m }
}

// WithNotifier sets the notifier run-entry state changes are published
// to.
func WithNotifier(n *notifier.Notifier) Option {
	return func(co *configOptions) { co.cfg.Notifier = n }
}

// NewOptions creates a new Scheduler using functional options.
// It preserves backward compatibility by internally constructing a
// Config and delegating to New.
func NewOptions(opts ...Option) *Scheduler {
	co := configOptions{cfg: defaultConfig()}
	for _, opt := range opts {
		if opt == nil {
			panic("nil scheduler option")
		}
		opt(&co)
	}

	if err := validateConfig(&co.cfg); err != nil {
		panic(fmt.Errorf("invalid scheduler config: %w", err))
	}

	return New(&co.cfg)
}
