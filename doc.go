// Package scheduler is the scheduling core of a laboratory
// experiment-control master: it accepts submissions describing
// experiments to run on shared physical hardware, orders them by
// priority and due date across one or more named pipelines, drives each
// submission through a fixed lifecycle (prepare, run, analyze, delete),
// and coordinates cooperative preemption so a newly arrived
// higher-priority experiment can temporarily displace a lower-priority
// one already executing on the same hardware.
//
// Constructors
//   - New(*Config): accepts an explicit Config; a nil Config, or nil
//     fields within one, fall back to their defaults (see defaultConfig).
//     This form is marked Deprecated in favor of NewOptions.
//   - NewOptions(opts ...Option): options-based constructor, assembling
//     a Config from functional options. Prefer this in new code.
//
// Scope
// The worker subprocess that actually executes an experiment's
// prepare/run/analyze phases, the code repository that resolves a
// submission's source, dataset broadcasting, and the RPC surface
// exposing these operations to clients are all external collaborators.
// This package defines the narrow interfaces (WorkerHandle, HostQueries)
// an external implementation plugs into; it does not implement a real
// worker process. testWorker in this package's test files stands in for
// one so the end-to-end scenarios are exercisable here.
//
// Concurrency model
// All pipeline state is touched only while the owning Pipeline's mutex
// is held; the three per-pipeline tasks (prepare, run, analyze) and the
// deleter coordinate via a sync.Cond broadcast on every state change
// rather than channels.
package scheduler
