package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chanflow/chanflow/graph/emit"
)

// Scheduler drives a Graph through the seed/fire/commit superstep loop
// until quiescence, a step limit, a deadline, or an unrecoverable error.
//
// The commit phase is the run's sole writer of channel state and always
// executes on the scheduler's own goroutine; the fire phase may run nodes
// concurrently (bounded by Options.Concurrency) but every node sees a
// snapshot taken before any node in the step committed a write, so firing
// order within a step never affects what a node observes (pre-step
// snapshot semantics).
type Scheduler struct {
	graph *Graph
	opts  Options
}

// New constructs a Scheduler for graph, applying opts over the defaults.
func New(g *Graph, opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{graph: g, opts: o}
}

// RunResult is returned by Run and Resume.
type RunResult struct {
	// Outputs maps each of the graph's designated output channels to its
	// final value. Channels that are still empty when the run halts are
	// omitted.
	Outputs map[string]any

	// Steps records one entry per superstep actually executed.
	Steps []StepRecord

	// LastCheckpointID is the id of the most recent checkpoint saved during
	// the run, or "" if checkpointing was disabled or nothing committed.
	LastCheckpointID string

	// RunID identifies this execution.
	RunID string

	// ThreadID is the thread the run's checkpoints belong to.
	ThreadID string
}

// StepRecord summarizes one executed superstep, used both for the run's
// returned history and, via StepHistory equality, for verifying
// deterministic replay.
type StepRecord struct {
	Step  int
	Fired []string
	At    time.Time
}

// runState holds the mutable bookkeeping threaded through a single Run or
// Resume call. It is not safe for concurrent use by callers; the scheduler
// itself only ever touches it from the commit-phase goroutine.
type runState struct {
	runID    string
	threadID string
	rng      *rand.Rand
	steps    []StepRecord
	lastCkpt string
	history  runHistory
}

// runHistory accumulates the events emitted over the course of a run so a
// ContextFunc node can inspect what has happened so far via
// ExecContext.History. Nodes within a step fire concurrently, so appends and
// reads are both guarded.
type runHistory struct {
	mu     sync.Mutex
	events []emit.Event
}

func (h *runHistory) append(e emit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *runHistory) snapshot() []emit.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]emit.Event, len(h.events))
	copy(out, h.events)
	return out
}

// Run seeds the graph's input channels from input, then executes the
// superstep loop until quiescence.
func (s *Scheduler) Run(ctx context.Context, input map[string]any) (*RunResult, error) {
	if !s.graph.Valid() {
		return nil, GraphValidationError(s.graph.Validation().Errors)
	}

	runID := uuid.New().String()
	rs := &runState{
		runID:    runID,
		threadID: s.threadIDFor(runID),
		rng:      initRNG(runID),
	}

	pending := make(map[string]struct{})
	for name, value := range input {
		ch, ok := s.graph.Channel(name)
		if !ok {
			continue
		}
		changed, err := ch.Update([]any{value})
		if err != nil {
			return nil, err
		}
		if changed {
			for _, n := range s.graph.Subscribers(name) {
				pending[n] = struct{}{}
			}
		}
	}
	if len(pending) == 0 {
		return s.finish(rs), nil
	}

	return s.loop(ctx, rs, pending)
}

// Resume restores the graph's channels from checkpointID and continues the
// superstep loop. Subscribers of channels whose state differs from the
// checkpoint's parent become the seed activation set; with no parent, every
// non-empty channel is treated as freshly written.
func (s *Scheduler) Resume(ctx context.Context, checkpointID string) (*RunResult, error) {
	if !s.graph.Valid() {
		return nil, GraphValidationError(s.graph.Validation().Errors)
	}
	if s.opts.Checkpointer == nil {
		return nil, CheckpointError(checkpointID, "no checkpointer configured", nil)
	}

	data, err := s.opts.Checkpointer.Load(ctx, checkpointID)
	if err != nil {
		return nil, CheckpointError(checkpointID, "failed to load checkpoint", err)
	}

	var parent *CheckpointData
	if data.ParentCheckpointID != "" {
		p, err := s.opts.Checkpointer.Load(ctx, data.ParentCheckpointID)
		if err == nil {
			parent = &p
		}
	}

	changedChannels := make(map[string]struct{})
	for name, state := range data.ChannelStates {
		ch, ok := s.graph.Channel(name)
		if !ok {
			continue
		}
		restored, err := ch.FromCheckpoint(state)
		if err != nil {
			return nil, err
		}
		s.graph.channels[name] = restored

		if parent == nil {
			changedChannels[name] = struct{}{}
			continue
		}
		prior, existed := parent.ChannelStates[name]
		if !existed || string(prior) != string(state) {
			changedChannels[name] = struct{}{}
		}
	}

	pending := make(map[string]struct{})
	for name := range changedChannels {
		for _, n := range s.graph.Subscribers(name) {
			pending[n] = struct{}{}
		}
	}

	runID := uuid.New().String()
	rs := &runState{
		runID:    runID,
		threadID: data.ThreadID,
		rng:      initRNG(runID),
		lastCkpt: checkpointID,
	}

	if len(pending) == 0 {
		return s.finish(rs), nil
	}
	return s.loopFrom(ctx, rs, pending, data.StepNumber+1)
}

func (s *Scheduler) loop(ctx context.Context, rs *runState, pending map[string]struct{}) (*RunResult, error) {
	return s.loopFrom(ctx, rs, pending, 0)
}

func (s *Scheduler) loopFrom(ctx context.Context, rs *runState, pending map[string]struct{}, startStep int) (*RunResult, error) {
	stepLimit := s.opts.StepLimit
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.opts.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
		defer cancel()
	}

	step := startStep
	for len(pending) > 0 {
		if step-startStep >= stepLimit {
			return nil, ExecutionError("", step, "exceeded step limit", ErrMaxStepsExceeded)
		}
		select {
		case <-runCtx.Done():
			return nil, ExecutionError("", step, "run deadline exceeded", ErrDeadlineExceeded)
		default:
		}

		firing := sortedKeys(pending)
		started := time.Now()

		snapshot, err := s.snapshot(step, firing)
		if err != nil {
			return nil, err
		}

		outputs, err := s.fire(runCtx, rs, step, firing, snapshot)
		if err != nil {
			return nil, err
		}

		nextPending, haltNow, err := s.commit(rs, step, firing, outputs)
		if err != nil {
			return nil, err
		}

		rs.steps = append(rs.steps, StepRecord{Step: step, Fired: firing, At: started})
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveStepLatency(time.Since(started))
			s.opts.Metrics.SetPendingActivations(len(nextPending))
		}

		if err := s.maybeCheckpoint(runCtx, rs, step, firing); err != nil {
			return nil, err
		}

		if haltNow {
			break
		}
		pending = nextPending
		step++
	}

	return s.finish(rs), nil
}

// snapshot reads the current value of every channel read by any node in
// firing, once, before any node runs — this is what guarantees a node never
// observes a write committed within the same step.
func (s *Scheduler) snapshot(step int, firing []string) (map[string]any, error) {
	channelNames := make(map[string]struct{})
	for _, nodeName := range firing {
		n, _ := s.graph.Node(nodeName)
		for _, ch := range n.Read {
			channelNames[ch] = struct{}{}
		}
	}
	snap := make(map[string]any, len(channelNames))
	for name := range channelNames {
		ch, _ := s.graph.Channel(name)
		if ch.IsEmpty() {
			continue
		}
		v, err := ch.Get()
		if err != nil {
			if s.opts.Metrics != nil {
				s.opts.Metrics.IncEmptyChannel(name)
			}
			return nil, ExecutionError("", step, "read set channel became empty during snapshot", err)
		}
		snap[name] = v
	}
	return snap, nil
}

type fireResult struct {
	node   string
	output any
	err    error
}

// fire runs every node in firing concurrently, bounded by
// Options.Concurrency, and returns results in the same order as firing
// (dispatch order), independent of completion order.
func (s *Scheduler) fire(ctx context.Context, rs *runState, step int, firing []string, snapshot map[string]any) ([]fireResult, error) {
	concurrency := s.opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]fireResult, len(firing))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, nodeName := range firing {
		n, _ := s.graph.Node(nodeName)
		in := s.assembleInput(n, snapshot)

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, n Node) {
			defer wg.Done()
			defer func() { <-sem }()
			out, err := s.fireOne(ctx, rs, step, n, in)
			results[i] = fireResult{node: n.Name, output: out, err: err}
		}(i, n)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, ExecutionError(r.node, step, "node firing failed", r.err)
		}
	}
	return results, nil
}

func (s *Scheduler) assembleInput(n Node, snapshot map[string]any) any {
	if len(n.Read) == 1 {
		return snapshot[n.Read[0]]
	}
	vals := make(Values, len(n.Read))
	for _, ch := range n.Read {
		if v, ok := snapshot[ch]; ok {
			vals[ch] = v
		}
	}
	return vals
}

func (s *Scheduler) fireOne(ctx context.Context, rs *runState, step int, n Node, in any) (any, error) {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if n.Policy.Timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, n.Policy.Timeout)
		defer cancel()
	}

	attempt := 0
	for {
		out, err := s.invoke(nodeCtx, rs, step, n, in)
		if err == nil {
			return out, nil
		}
		if n.Policy.Retry == nil || attempt+1 >= n.Policy.Retry.MaxAttempts || !n.Policy.Retry.shouldRetry(err) {
			return nil, err
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.IncRetry(n.Name)
		}
		delay := computeBackoff(attempt, n.Policy.Retry.BaseDelay, n.Policy.Retry.MaxDelay, rs.rng)
		attempt++
		select {
		case <-time.After(delay):
		case <-nodeCtx.Done():
			return nil, nodeCtx.Err()
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, rs *runState, step int, n Node, in any) (any, error) {
	if n.CtxFn != nil {
		ec := &execContext{
			Context:  ctx,
			step:     step,
			runID:    rs.runID,
			threadID: rs.threadID,
			rng:      rs.rng,
			emitter:  s.opts.Emitter,
			nodeName: n.Name,
			history:  &rs.history,
		}
		return n.CtxFn(ec, in)
	}
	return n.Fn(ctx, in)
}

// commit applies every node's output to its write-set channels, in firing
// (dispatch) order, and returns the next step's pending activation set.
func (s *Scheduler) commit(rs *runState, step int, firing []string, results []fireResult) (map[string]struct{}, bool, error) {
	buffers := make(map[string][]any)
	for _, r := range results {
		n, _ := s.graph.Node(r.node)
		s.distributeOutput(n, r.output, buffers)
	}

	channelNames := sortedKeys(buffers)
	halted := false
	nextPending := make(map[string]struct{})

	for _, name := range channelNames {
		ch, ok := s.graph.Channel(name)
		if !ok {
			continue
		}
		changed, err := ch.Update(buffers[name])
		if err != nil {
			if s.opts.Metrics != nil {
				s.opts.Metrics.IncInvalidUpdate(name)
			}
			return nil, false, ExecutionError("", step, "channel commit failed for "+name, err)
		}
		if changed {
			if name == s.opts.HaltChannel {
				halted = true
			}
			for _, n := range s.graph.Subscribers(name) {
				nextPending[n] = struct{}{}
			}
		}
	}

	return nextPending, halted, nil
}

func (s *Scheduler) distributeOutput(n Node, output any, buffers map[string][]any) {
	if output == nil {
		return
	}
	if len(n.Write) == 1 {
		buffers[n.Write[0]] = append(buffers[n.Write[0]], output)
		return
	}
	vals, ok := output.(Values)
	if !ok {
		return
	}
	for _, ch := range n.Write {
		if v, present := vals[ch]; present {
			buffers[ch] = append(buffers[ch], v)
		}
	}
}

func (s *Scheduler) maybeCheckpoint(ctx context.Context, rs *runState, step int, fired []string) error {
	if s.opts.Checkpointer == nil || !s.opts.CheckpointEveryStep {
		return nil
	}

	states := make(map[string][]byte)
	for name := range s.graph.channels {
		ch := s.graph.channels[name]
		if ch.IsEmpty() {
			continue
		}
		data, err := ch.Checkpoint()
		if err != nil {
			continue
		}
		states[name] = data
	}

	id := uuid.New().String()
	cd := CheckpointData{
		CheckpointMetadata: CheckpointMetadata{
			CheckpointID:       id,
			ThreadID:           rs.threadID,
			StepNumber:         step,
			ParentCheckpointID: rs.lastCkpt,
			Source:             "scheduler",
			ExecutedNodes:      fired,
			CreatedAt:          time.Now(),
		},
		ChannelStates:  states,
		IdempotencyKey: computeIdempotencyKey(rs.threadID, step, states),
	}

	savedID, err := s.opts.Checkpointer.Save(ctx, cd)
	if err != nil {
		if s.opts.BestEffortCheckpoints {
			s.opts.Emitter.Emit(emit.Event{
				RunID:  rs.runID,
				Step:   step,
				Msg:    "checkpoint save failed (best-effort, continuing)",
				Meta:   map[string]interface{}{"error": err.Error()},
			})
			return nil
		}
		return CheckpointError(id, "failed to save checkpoint", err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncCheckpointSave()
	}
	rs.lastCkpt = savedID
	return nil
}

func (s *Scheduler) finish(rs *runState) *RunResult {
	outputs := make(map[string]any)
	for _, name := range s.graph.Outputs() {
		ch, ok := s.graph.Channel(name)
		if !ok || ch.IsEmpty() {
			continue
		}
		v, err := ch.Get()
		if err != nil {
			continue
		}
		outputs[name] = v
	}
	return &RunResult{
		Outputs:          outputs,
		Steps:            rs.steps,
		LastCheckpointID: rs.lastCkpt,
		RunID:            rs.runID,
		ThreadID:         rs.threadID,
	}
}

func (s *Scheduler) threadIDFor(runID string) string {
	if s.opts.ThreadID != "" {
		return s.opts.ThreadID
	}
	return runID
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// initRNG derives a deterministic RNG from runID so that, given the same
// runID, a node body reading rng.* produces the same sequence on replay.
func initRNG(runID string) *rand.Rand {
	sum := sha256.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed))
}
