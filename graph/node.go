package graph

import (
	"context"
	"math/rand"

	"github.com/chanflow/chanflow/graph/emit"
)

// Func is the plain shape of a node's user function: given the values
// assembled from its read set, produce the values destined for its write
// set. When len(read) == 1 the scheduler passes the bare value rather than a
// Values map; the same rule applies to the returned output against the
// write set. Returning a nil error with a nil output means the node chose
// not to write anything this step.
type Func func(ctx context.Context, in any) (any, error)

// ContextFunc is the context-aware shape of a node's user function, for
// nodes that need access to step/thread identity, a deterministic RNG, or
// emitted history rather than just the read-set values. Node stores at most
// one of Fn or CtxFn; the scheduler picks whichever is set at fire time.
type ContextFunc func(ec ExecContext, in any) (any, error)

// Values is the map shape used for an input or output with more than one
// named channel.
type Values map[string]any

// ExecContext is handed to a ContextFunc node at fire time. It exposes the
// identity and determinism primitives a node body may need without forcing
// every node to take a raw context.Context and dig values out of it.
type ExecContext interface {
	context.Context

	// Step returns the current superstep number, starting at 0.
	Step() int

	// RunID returns the identifier of the current run.
	RunID() string

	// ThreadID returns the logical thread this run belongs to, used to
	// group related checkpoints.
	ThreadID() string

	// RNG returns a per-run deterministic random source seeded from RunID,
	// so that a node body using it produces identical output across
	// replays of the same run.
	RNG() *rand.Rand

	// Emit records an observability event attributed to the firing node.
	Emit(msg string, meta map[string]interface{})

	// History returns every event emitted so far during the current run, in
	// emission order, including events from earlier steps and other nodes
	// that fired alongside this one. The returned slice is a copy; mutating
	// it has no effect on the run.
	History() []emit.Event
}

// Node is the static description of one unit of computation in a Graph: its
// identity, its subscribe/read/write sets, and the function that runs when
// it fires.
type Node struct {
	// Name uniquely identifies the node within its Graph.
	Name string

	// Fn is the node's function, used when CtxFn is nil.
	Fn Func

	// CtxFn is an optional context-aware variant of Fn. When set, it takes
	// priority over Fn at fire time.
	CtxFn ContextFunc

	// Subscribe lists the channels whose writes activate this node for the
	// next superstep. A node need not read every channel it subscribes to
	// (see TriggersOnly) and may read channels it does not subscribe to.
	Subscribe []string

	// Read lists the channels whose current values are assembled into the
	// node's input when it fires.
	Read []string

	// Write lists the channels the node's output is distributed to.
	Write []string

	// TriggersOnly is carried on the node but not consulted by the
	// scheduler: input is always assembled from Read alone, so a subscribed
	// channel left out of Read wakes the node without being read.
	TriggersOnly bool

	// Policy configures timeout and retry behavior for this node. A zero
	// value means no timeout and no retries.
	Policy NodePolicy
}

// NewNode constructs a Node using the plain Func shape.
func NewNode(name string, fn Func, subscribe, read, write []string) Node {
	return Node{Name: name, Fn: fn, Subscribe: subscribe, Read: read, Write: write}
}

// NewContextNode constructs a Node whose body needs ExecContext.
func NewContextNode(name string, fn ContextFunc, subscribe, read, write []string) Node {
	return Node{Name: name, CtxFn: fn, Subscribe: subscribe, Read: read, Write: write}
}

// execContext is the concrete ExecContext implementation the scheduler
// constructs for each node invocation, carrying that node's name so Emit
// can attribute events to it.
type execContext struct {
	context.Context
	step     int
	runID    string
	threadID string
	rng      *rand.Rand
	emitter  emit.Emitter
	nodeName string
	history  *runHistory
}

func (e *execContext) Step() int        { return e.step }
func (e *execContext) RunID() string    { return e.runID }
func (e *execContext) ThreadID() string { return e.threadID }
func (e *execContext) RNG() *rand.Rand  { return e.rng }

func (e *execContext) Emit(msg string, meta map[string]interface{}) {
	event := emit.Event{
		RunID:  e.runID,
		Step:   e.step,
		NodeID: e.nodeName,
		Msg:    msg,
		Meta:   meta,
	}
	if e.history != nil {
		e.history.append(event)
	}
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *execContext) History() []emit.Event {
	if e.history == nil {
		return nil
	}
	return e.history.snapshot()
}
