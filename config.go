package scheduler

import (
	"go.uber.org/zap"

	"github.com/labrun/scheduler/metrics"
	"github.com/labrun/scheduler/notifier"
)

// Config holds Scheduler configuration. A nil Config, or nil fields
// within one, fall back to their defaults (see defaultConfig).
type Config struct {
	// Clock is the time source used for due-date comparisons, deadline
	// waits, and phase-duration metrics.
	// Default: a real wall-clock (clock.New()).
	Clock Clock

	// Logger receives structured events for submissions, transitions,
	// and failures.
	// Default: a no-op logger.
	Logger *zap.Logger

	// Metrics receives counters, gauges, and histograms describing
	// pipeline activity.
	// Default: metrics.NewNoopProvider().
	Metrics metrics.Provider

	// Notifier publishes a live view of run-entry state under the
	// "schedule" tree key.
	// Default: a freshly constructed notifier.Notifier.
	Notifier *notifier.Notifier
}

// defaultConfig centralizes default values for Config.
// NewOptions uses it as the options builder base; New fills nil fields
// with the same values through validateConfig.
func defaultConfig() Config {
	return Config{
		Clock:    defaultClock(),
		Logger:   zap.NewNop(),
		Metrics:  metrics.NewNoopProvider(),
		Notifier: notifier.New(),
	}
}

// validateConfig fills in any nil field of cfg with its default. It
// never rejects a Config outright; every field has a workable zero
// behavior once defaulted.
func validateConfig(cfg *Config) error {
	if cfg.Clock == nil {
		cfg.Clock = defaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopProvider()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.New()
	}
	return nil
}
