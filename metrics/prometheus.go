package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider implements Provider on top of client_golang,
// registering each instrument with the supplied Registerer the first time
// it is requested by name and reusing it afterward — the same
// create-once-per-name contract BasicProvider documents, backed by a real
// metrics backend instead of an in-memory aggregator. Attributes passed
// via WithAttributes become the instrument's ConstLabels, matching the
// pattern in other_examples' ProcessorMetrics (per-component const
// labels, not per-observation dimensions).
type PrometheusProvider struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	updowns    map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// histogramAdapter adapts a prometheus.Histogram's Observe to this
// package's Record-named Histogram interface.
type histogramAdapter struct{ h prometheus.Histogram }

func (a histogramAdapter) Record(v float64) { a.h.Observe(v) }

// NewPrometheusProvider constructs a Provider backed by reg. Pass
// prometheus.DefaultRegisterer to expose instruments on the default
// /metrics handler, or a fresh prometheus.NewRegistry() for isolated
// tests.
func NewPrometheusProvider(reg prometheus.Registerer) *PrometheusProvider {
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]prometheus.Counter),
		updowns:    make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func (p *PrometheusProvider) Counter(name string, opts ...InstrumentOption) Counter {
	cfg := applyOptions(opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return counterAdapter{c}
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        helpOrName(cfg.Description, name),
		ConstLabels: prometheus.Labels(cfg.Attributes),
	})
	p.reg.MustRegister(c)
	p.counters[name] = c
	return counterAdapter{c}
}

func (p *PrometheusProvider) UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter {
	cfg := applyOptions(opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.updowns[name]; ok {
		return gaugeUpDown{g}
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		Help:        helpOrName(cfg.Description, name),
		ConstLabels: prometheus.Labels(cfg.Attributes),
	})
	p.reg.MustRegister(g)
	p.updowns[name] = g
	return gaugeUpDown{g}
}

func (p *PrometheusProvider) Histogram(name string, opts ...InstrumentOption) Histogram {
	cfg := applyOptions(opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return histogramAdapter{h}
	}

	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        helpOrName(cfg.Description, name),
		ConstLabels: prometheus.Labels(cfg.Attributes),
		Buckets:     prometheus.DefBuckets,
	})
	p.reg.MustRegister(h)
	p.histograms[name] = h
	return histogramAdapter{h}
}

// counterAdapter adapts a prometheus.Counter's float64 Add to this
// package's int64 Counter interface.
type counterAdapter struct{ c prometheus.Counter }

func (a counterAdapter) Add(n int64) { a.c.Add(float64(n)) }

// gaugeUpDown adapts a prometheus.Gauge's float64 Add to this package's
// int64 UpDownCounter interface.
type gaugeUpDown struct{ g prometheus.Gauge }

func (u gaugeUpDown) Add(n int64) { u.g.Add(float64(n)) }

func helpOrName(desc, name string) string {
	if desc != "" {
		return desc
	}
	return name
}
