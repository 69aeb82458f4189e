package metrics

// Instrument names a Scheduler records against. Centralized so a
// Provider implementation backed by a registry (e.g. Prometheus) sees a
// stable set of metric names across restarts.
const (
	// NamePipelineDepth is an UpDownCounter: the number of run entries
	// currently tracked by a pipeline, tagged by pipeline name.
	NamePipelineDepth = "scheduler_pipeline_depth"

	// NameTransitionsTotal is a Counter: the number of status
	// transitions observed, tagged by pipeline name. Transitions to every
	// target status share one counter; it is not broken down by status.
	NameTransitionsTotal = "scheduler_transitions_total"

	// NamePhaseDurationSeconds is a Histogram: wall-clock seconds spent
	// in a single prepare/run/analyze activation, tagged by pipeline
	// name. All three phases record into the same histogram; it is not
	// broken down by phase.
	NamePhaseDurationSeconds = "scheduler_phase_duration_seconds"
)
