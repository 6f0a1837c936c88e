package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chanflow/chanflow/graph/emit"
)

func buildUppercaseGraph(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder("uppercase")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("out"))
	b.AddNode(NewNode("upper", func(_ context.Context, in any) (any, error) {
		return strings.ToUpper(in.(string)), nil
	}, []string{"in"}, []string{"in"}, []string{"out"}))
	b.Input("in")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return g
}

func TestSchedulerRunSingleNodePipeline(t *testing.T) {
	g := buildUppercaseGraph(t)
	s := New(g)

	result, err := s.Run(context.Background(), map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := result.Outputs["out"]; got != "HELLO" {
		t.Fatalf("Outputs[out] = %v, want HELLO", got)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1 (graph should quiesce after one step)", len(result.Steps))
	}
	if result.RunID == "" || result.ThreadID == "" {
		t.Fatal("expected RunID and ThreadID to be populated")
	}
}

func TestSchedulerRunNoActivationIsQuiescentHalt(t *testing.T) {
	g := buildUppercaseGraph(t)
	s := New(g)

	result, err := s.Run(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Run returned error: %v, want a successful quiescent halt with no activations", err)
	}
	if len(result.Steps) != 0 {
		t.Fatalf("len(Steps) = %d, want 0 (no node should ever have fired)", len(result.Steps))
	}
	if len(result.Outputs) != 0 {
		t.Fatalf("Outputs = %v, want empty", result.Outputs)
	}
}

func buildPingPongGraph(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder("pingpong")
	b.AddChannel(NewLastValue[int]("a"))
	b.AddChannel(NewLastValue[int]("b"))
	identity := func(_ context.Context, in any) (any, error) { return in, nil }
	b.AddNode(NewNode("ping", identity, []string{"a"}, []string{"a"}, []string{"b"}))
	b.AddNode(NewNode("pong", identity, []string{"b"}, []string{"b"}, []string{"a"}))
	b.Input("a")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return g
}

func TestSchedulerStepLimitExceeded(t *testing.T) {
	g := buildPingPongGraph(t)
	s := New(g, WithStepLimit(3))

	_, err := s.Run(context.Background(), map[string]any{"a": 1})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
}

func TestSchedulerDeadlineExceeded(t *testing.T) {
	b := NewBuilder("slow-pingpong")
	b.AddChannel(NewLastValue[int]("a"))
	b.AddChannel(NewLastValue[int]("b"))
	slow := func(_ context.Context, in any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return in, nil
	}
	b.AddNode(NewNode("ping", slow, []string{"a"}, []string{"a"}, []string{"b"}))
	b.AddNode(NewNode("pong", slow, []string{"b"}, []string{"b"}, []string{"a"}))
	b.Input("a")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	s := New(g, WithStepLimit(DefaultStepLimit), WithDeadline(15*time.Millisecond))
	_, err = s.Run(context.Background(), map[string]any{"a": 1})
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestSchedulerHaltChannelStopsImmediately(t *testing.T) {
	b := NewBuilder("halting")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[bool]("done"))
	b.AddChannel(NewLastValue[string]("out2"))

	b.AddNode(NewNode("seed", func(_ context.Context, in any) (any, error) {
		return true, nil
	}, []string{"in"}, []string{"in"}, []string{"done"}))

	// done-watcher would continue the run for another step if halting were
	// not honored immediately after the commit that wrote "done".
	b.AddNode(NewNode("done-watcher", func(_ context.Context, in any) (any, error) {
		return "should-not-run", nil
	}, []string{"done"}, []string{"done"}, []string{"out2"}))

	b.Input("in")
	b.Output("out2")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	s := New(g, WithHaltChannel("done"))
	result, err := s.Run(context.Background(), map[string]any{"in": "go"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1 (halt should stop the loop right after the triggering commit)", len(result.Steps))
	}
	if _, ok := result.Outputs["out2"]; ok {
		t.Fatal("done-watcher should never have fired once the halt channel was written")
	}
}

func TestSchedulerRetrySucceedsAfterTransientFailure(t *testing.T) {
	b := NewBuilder("flaky")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("out"))

	var mu sync.Mutex
	attempts := 0
	flaky := NewNode("flaky", func(_ context.Context, in any) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return nil, errors.New("transient failure")
		}
		return in, nil
	}, []string{"in"}, []string{"in"}, []string{"out"})
	flaky.Policy = NodePolicy{
		Retry: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	b.AddNode(flaky)
	b.Input("in")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	s := New(g)
	result, err := s.Run(context.Background(), map[string]any{"in": "ok"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := result.Outputs["out"]; got != "ok" {
		t.Fatalf("Outputs[out] = %v, want ok", got)
	}
}

func TestSchedulerRetryExhaustionFails(t *testing.T) {
	b := NewBuilder("always-flaky")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("out"))

	alwaysFails := NewNode("flaky", func(_ context.Context, in any) (any, error) {
		return nil, errors.New("permanent failure")
	}, []string{"in"}, []string{"in"}, []string{"out"})
	alwaysFails.Policy = NodePolicy{
		Retry: &RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	b.AddNode(alwaysFails)
	b.Input("in")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	s := New(g)
	_, err = s.Run(context.Background(), map[string]any{"in": "x"})
	if !IsKind(err, KindExecution) {
		t.Fatalf("expected KindExecution after retry exhaustion, got %v", err)
	}
}

func TestSchedulerEmitterRecordsNodeEvents(t *testing.T) {
	b := NewBuilder("emitting")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("out"))
	b.AddNode(NewContextNode("announce", func(ec ExecContext, in any) (any, error) {
		ec.Emit("node_started", map[string]interface{}{"input": in})
		return in, nil
	}, []string{"in"}, []string{"in"}, []string{"out"}))
	b.Input("in")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	buffered := emit.NewBufferedEmitter()
	s := New(g, WithEmitter(buffered))
	result, err := s.Run(context.Background(), map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	events := buffered.GetHistory(result.RunID)
	if len(events) != 1 || events[0].Msg != "node_started" || events[0].NodeID != "announce" {
		t.Fatalf("GetHistory(%q) = %+v, want one node_started event from announce", result.RunID, events)
	}
}

func TestSchedulerContextNodeSeesAccumulatedHistory(t *testing.T) {
	b := NewBuilder("history")
	b.AddChannel(NewLastValue[int]("a"))
	b.AddChannel(NewLastValue[int]("b"))
	b.AddChannel(NewLastValue[int]("out"))

	b.AddNode(NewContextNode("first", func(ec ExecContext, in any) (any, error) {
		ec.Emit("first_ran", nil)
		return in.(int) + 1, nil
	}, []string{"a"}, []string{"a"}, []string{"b"}))

	var sawAtSecond []string
	b.AddNode(NewContextNode("second", func(ec ExecContext, in any) (any, error) {
		for _, e := range ec.History() {
			sawAtSecond = append(sawAtSecond, e.Msg)
		}
		ec.Emit("second_ran", nil)
		return in.(int) + 1, nil
	}, []string{"b"}, []string{"b"}, []string{"out"}))

	b.Input("a")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	s := New(g)
	result, err := s.Run(context.Background(), map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := result.Outputs["out"]; got != 3 {
		t.Fatalf("Outputs[out] = %v, want 3", got)
	}
	if len(sawAtSecond) != 1 || sawAtSecond[0] != "first_ran" {
		t.Fatalf("second node's History() = %v, want [first_ran] (events from the prior step it did not fire in)", sawAtSecond)
	}
}

// memCheckpointer is a minimal in-package Checkpointer stub used to exercise
// the scheduler's checkpoint integration without depending on graph/store
// (which imports graph, and would create an import cycle from an internal
// test file).
type memCheckpointer struct {
	mu    sync.Mutex
	byID  map[string]CheckpointData
	order []string
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{byID: make(map[string]CheckpointData)}
}

func (m *memCheckpointer) Save(_ context.Context, data CheckpointData) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[data.CheckpointID] = data
	m.order = append(m.order, data.CheckpointID)
	return data.CheckpointID, nil
}

func (m *memCheckpointer) Load(_ context.Context, id string) (CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.byID[id]
	if !ok {
		return CheckpointData{}, errors.New("not found")
	}
	return cd, nil
}

func (m *memCheckpointer) LoadLatest(_ context.Context, threadID string) (CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		cd := m.byID[m.order[i]]
		if cd.ThreadID == threadID {
			return cd, nil
		}
	}
	return CheckpointData{}, errors.New("not found")
}

func (m *memCheckpointer) LoadByThread(_ context.Context, threadID string) ([]CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CheckpointData
	for _, id := range m.order {
		if cd := m.byID[id]; cd.ThreadID == threadID {
			out = append(out, cd)
		}
	}
	return out, nil
}

func (m *memCheckpointer) List(_ context.Context, threadID string, limit int) ([]CheckpointMetadata, error) {
	cds, _ := m.LoadByThread(context.Background(), threadID)
	out := make([]CheckpointMetadata, 0, len(cds))
	for _, cd := range cds {
		out = append(out, cd.CheckpointMetadata)
	}
	return out, nil
}

func (m *memCheckpointer) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	delete(m.byID, id)
	return ok, nil
}

func (m *memCheckpointer) DeleteByThread(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, cd := range m.byID {
		if cd.ThreadID == threadID {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *memCheckpointer) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok, nil
}

var _ Checkpointer = (*memCheckpointer)(nil)

func TestSchedulerCheckpointAndResume(t *testing.T) {
	g := buildUppercaseGraph(t)
	ckpt := newMemCheckpointer()

	s := New(g, WithCheckpointer(ckpt))
	result, err := s.Run(context.Background(), map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.LastCheckpointID == "" {
		t.Fatal("expected a checkpoint id after a checkpointed run")
	}

	// Resume against a fresh graph instance with independent (empty) channels.
	g2 := buildUppercaseGraph(t)
	s2 := New(g2, WithCheckpointer(ckpt))
	resumed, err := s2.Resume(context.Background(), result.LastCheckpointID)
	if err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if got := resumed.Outputs["out"]; got != "HELLO" {
		t.Fatalf("resumed Outputs[out] = %v, want HELLO", got)
	}
	if resumed.ThreadID != result.ThreadID {
		t.Fatalf("resumed ThreadID = %q, want %q", resumed.ThreadID, result.ThreadID)
	}
}
