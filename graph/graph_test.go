package graph

import (
	"context"
	"testing"
)

func identityFn(_ context.Context, in any) (any, error) { return in, nil }

func TestBuilderValidGraph(t *testing.T) {
	b := NewBuilder("pipeline")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("out"))
	b.AddNode(NewNode("upper", identityFn, []string{"in"}, []string{"in"}, []string{"out"}))
	b.Input("in")
	b.Output("out")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !g.Valid() {
		t.Fatal("graph should be valid")
	}
	if _, ok := g.Node("upper"); !ok {
		t.Fatal("expected to find node 'upper'")
	}
	if subs := g.Subscribers("in"); len(subs) != 1 || subs[0] != "upper" {
		t.Fatalf("Subscribers(in) = %v, want [upper]", subs)
	}
}

func TestBuilderDuplicateNodeName(t *testing.T) {
	b := NewBuilder("g")
	b.AddChannel(NewLastValue[string]("in")).Input("in")
	n := NewNode("same", identityFn, []string{"in"}, nil, nil)
	b.AddNode(n)
	b.AddNode(n)

	_, err := b.Build()
	if !IsKind(err, KindGraphValidation) {
		t.Fatalf("expected KindGraphValidation, got %v", err)
	}
}

func TestBuilderUnregisteredChannelFailsWithoutAutoCreate(t *testing.T) {
	b := NewBuilder("g")
	b.AddNode(NewNode("n", identityFn, []string{"ghost"}, nil, nil))
	b.Input("ghost")

	_, err := b.Build()
	if !IsKind(err, KindGraphValidation) {
		t.Fatalf("expected KindGraphValidation, got %v", err)
	}
}

func TestBuilderAutoCreateChannels(t *testing.T) {
	b := NewBuilder("g")
	b.AutoCreateChannels(true)
	b.AddNode(NewNode("n", identityFn, []string{"ghost"}, nil, []string{"out"}))
	b.Input("ghost")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if _, ok := g.Channel("ghost"); !ok {
		t.Fatal("expected auto-created channel 'ghost'")
	}
	if _, ok := g.Channel("out"); !ok {
		t.Fatal("expected auto-created channel 'out'")
	}
}

func TestBuilderEmptySubscribeSetRejected(t *testing.T) {
	b := NewBuilder("g")
	b.AddChannel(NewLastValue[string]("out"))
	b.AddNode(NewNode("n", identityFn, nil, nil, []string{"out"}))
	b.Output("out")

	_, err := b.Build()
	if !IsKind(err, KindGraphValidation) {
		t.Fatalf("expected KindGraphValidation for empty subscribe set, got %v", err)
	}
}

func TestBuilderNoReachableInputRejected(t *testing.T) {
	b := NewBuilder("g")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddChannel(NewLastValue[string]("unrelated"))
	b.AddNode(NewNode("n", identityFn, []string{"unrelated"}, nil, nil))
	b.Input("in")

	_, err := b.Build()
	if !IsKind(err, KindGraphValidation) {
		t.Fatalf("expected KindGraphValidation, got %v", err)
	}
}

func TestDetectCycleReportsWarningNotError(t *testing.T) {
	nodes := map[string]Node{
		"a": NewNode("a", nil, []string{"ch-b"}, nil, []string{"ch-a"}),
		"b": NewNode("b", nil, []string{"ch-a"}, nil, []string{"ch-b"}),
	}
	channels := map[string]Channel{
		"ch-a": NewLastValue[any]("ch-a"),
		"ch-b": NewLastValue[any]("ch-b"),
	}
	result := validate(nodes, channels, []string{"ch-a"}, nil)
	if !result.Valid {
		t.Fatalf("cycle should be a warning, not an error: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a cycle warning")
	}
}

func TestNodeNamesSorted(t *testing.T) {
	b := NewBuilder("g")
	b.AddChannel(NewLastValue[string]("in"))
	b.AddNode(NewNode("zebra", identityFn, []string{"in"}, nil, nil))
	b.AddNode(NewNode("alpha", identityFn, []string{"in"}, nil, nil))
	b.Input("in")

	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	names := g.NodeNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zebra" {
		t.Fatalf("NodeNames() = %v, want [alpha zebra]", names)
	}
}
