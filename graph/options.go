package graph

import (
	"time"

	"github.com/chanflow/chanflow/graph/emit"
)

// Options configures a Scheduler. Construct via functional Option values
// passed to New.
type Options struct {
	// StepLimit bounds the number of supersteps a run may take before it
	// aborts with ErrMaxStepsExceeded. Zero means use DefaultStepLimit.
	StepLimit int

	// Deadline bounds the run's total wall-clock time. Zero means no
	// deadline.
	Deadline time.Duration

	// Concurrency bounds how many nodes may fire concurrently within a
	// single superstep. Zero means use DefaultConcurrency.
	Concurrency int

	// HaltChannel, if set, ends the run successfully the first superstep in
	// which it is written to, regardless of whether other channels are
	// still pending activation.
	HaltChannel string

	// Checkpointer persists CheckpointData after each committed superstep.
	// Nil disables checkpointing.
	Checkpointer Checkpointer

	// CheckpointEveryStep controls whether a checkpoint is saved after
	// every superstep (true, the default when a Checkpointer is set) or
	// not at all during the run (false).
	CheckpointEveryStep bool

	// BestEffortCheckpoints controls whether a checkpoint save failure
	// aborts the run (false, the default) or is only emitted as an event
	// and otherwise ignored (true).
	BestEffortCheckpoints bool

	// ThreadID scopes checkpoint lineage. Defaults to the run id if empty.
	ThreadID string

	// Emitter receives observability events for every step and node
	// firing. Defaults to emit.NullEmitter{}.
	Emitter emit.Emitter

	// Metrics, if set, receives Prometheus instrumentation for the run.
	Metrics *Metrics

	// CostTracker holds the tracker set by WithCostTracker. The scheduler
	// neither populates it nor hands it to nodes; ExecContext has no
	// accessor for it.
	CostTracker *CostTracker
}

const (
	// DefaultStepLimit is used when Options.StepLimit is zero.
	DefaultStepLimit = 10_000

	// DefaultConcurrency is used when Options.Concurrency is zero.
	DefaultConcurrency = 8
)

// Option mutates an Options value under construction.
type Option func(*Options)

func WithStepLimit(n int) Option {
	return func(o *Options) { o.StepLimit = n }
}

func WithDeadline(d time.Duration) Option {
	return func(o *Options) { o.Deadline = d }
}

func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

func WithHaltChannel(name string) Option {
	return func(o *Options) { o.HaltChannel = name }
}

func WithCheckpointer(c Checkpointer) Option {
	return func(o *Options) {
		o.Checkpointer = c
		o.CheckpointEveryStep = true
	}
}

func WithCheckpointEveryStep(enabled bool) Option {
	return func(o *Options) { o.CheckpointEveryStep = enabled }
}

func WithBestEffortCheckpoints(enabled bool) Option {
	return func(o *Options) { o.BestEffortCheckpoints = enabled }
}

func WithThreadID(id string) Option {
	return func(o *Options) { o.ThreadID = id }
}

func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithCostTracker(ct *CostTracker) Option {
	return func(o *Options) { o.CostTracker = ct }
}

func defaultOptions() Options {
	return Options{
		StepLimit:           DefaultStepLimit,
		Concurrency:         DefaultConcurrency,
		CheckpointEveryStep: true,
		Emitter:             emit.NewNullEmitter(),
	}
}
