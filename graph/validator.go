package graph

import (
	"fmt"
	"sort"
)

// ValidationResult is the outcome of validating a graph's nodes and
// channels before it can be built into a runnable Graph.
//
// Errors block Build; Warnings (currently only cycle reports) do not — a
// cycle among channel writers and subscribers is a legitimate way to
// express iterative refinement (see spec scenario: a loop node that
// resubmits work until a condition channel is satisfied), so it is
// surfaced for visibility rather than rejected.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// validate runs the six structural rules a graph must satisfy:
//
//  1. Every node name is unique (enforced earlier, by Builder.AddNode).
//  2. Every channel a node subscribes to, reads from, or writes to must be
//     registered.
//  3. Every node's subscribe set must be non-empty, or the node can never
//     fire. (A node may read channels it does not subscribe to; the read set
//     is not checked against the subscribe set.)
//  4. Every declared input and output channel name must be registered.
//  5. Every declared input channel must have at least one subscriber, or it
//     can never activate anything, checked individually per channel (only
//     when the graph has at least one node).
//  6. Every declared output channel must be in some node's write set, or be
//     itself a declared input channel echoed straight through, or it can
//     never hold a value.
func validate(nodes map[string]Node, channels map[string]Channel, inputs, outputs []string) ValidationResult {
	var errs, warns []string

	channelExists := func(name string) bool {
		_, ok := channels[name]
		return ok
	}

	nodeNames := make([]string, 0, len(nodes))
	for name := range nodes {
		nodeNames = append(nodeNames, name)
	}
	sort.Strings(nodeNames)

	for _, name := range nodeNames {
		n := nodes[name]
		for _, ch := range n.Subscribe {
			if !channelExists(ch) {
				errs = append(errs, fmt.Sprintf("node %q subscribes to unregistered channel %q", name, ch))
			}
		}
		for _, ch := range n.Read {
			if !channelExists(ch) {
				errs = append(errs, fmt.Sprintf("node %q reads unregistered channel %q", name, ch))
			}
		}
		for _, ch := range n.Write {
			if !channelExists(ch) {
				errs = append(errs, fmt.Sprintf("node %q writes unregistered channel %q", name, ch))
			}
		}
		if len(n.Subscribe) == 0 {
			errs = append(errs, fmt.Sprintf("node %q has an empty subscribe set and can never fire", name))
		}
	}

	for _, ch := range inputs {
		if !channelExists(ch) {
			errs = append(errs, fmt.Sprintf("declared input channel %q is not registered", ch))
		}
	}
	for _, ch := range outputs {
		if !channelExists(ch) {
			errs = append(errs, fmt.Sprintf("declared output channel %q is not registered", ch))
		}
	}

	if len(nodes) > 0 {
		for _, in := range inputs {
			subscribed := false
			for _, name := range nodeNames {
				for _, ch := range nodes[name].Subscribe {
					if ch == in {
						subscribed = true
						break
					}
				}
				if subscribed {
					break
				}
			}
			if !subscribed {
				errs = append(errs, fmt.Sprintf("declared input channel %q has no subscriber and can never activate anything", in))
			}
		}
	}

	writtenBy := make(map[string]struct{})
	for _, name := range nodeNames {
		for _, ch := range nodes[name].Write {
			writtenBy[ch] = struct{}{}
		}
	}
	inputSet := make(map[string]struct{}, len(inputs))
	for _, ch := range inputs {
		inputSet[ch] = struct{}{}
	}
	for _, out := range outputs {
		_, written := writtenBy[out]
		_, echoed := inputSet[out]
		if !written && !echoed {
			errs = append(errs, fmt.Sprintf("declared output channel %q is never written by any node and is not an echoed input", out))
		}
	}

	if cyclePath := detectCycle(nodes, nodeNames); cyclePath != "" {
		warns = append(warns, "activation cycle detected: "+cyclePath)
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

// detectCycle builds a directed graph where an edge A -> B means "A writes
// a channel B subscribes to", and reports the first cycle found as a
// human-readable path, or "" if the activation graph is acyclic.
func detectCycle(nodes map[string]Node, nodeNames []string) string {
	edges := make(map[string][]string)
	for _, name := range nodeNames {
		n := nodes[name]
		writesTo := make(map[string]struct{}, len(n.Write))
		for _, ch := range n.Write {
			writesTo[ch] = struct{}{}
		}
		var targets []string
		for _, other := range nodeNames {
			if other == name {
				continue
			}
			for _, sub := range nodes[other].Subscribe {
				if _, ok := writesTo[sub]; ok {
					targets = append(targets, other)
					break
				}
			}
		}
		sort.Strings(targets)
		edges[name] = targets
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodeNames))
	var path []string
	var cyclePath string

	var visit func(string) bool
	visit = func(node string) bool {
		color[node] = gray
		path = append(path, node)
		for _, next := range edges[node] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				path = append(path, next)
				cyclePath = joinPath(path)
				return true
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return false
	}

	for _, name := range nodeNames {
		if color[name] == white {
			if visit(name) {
				return cyclePath
			}
		}
	}
	return ""
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
