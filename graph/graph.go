package graph

import "sort"

// Graph is an immutable, validated collection of nodes and channels ready to
// be driven by a Scheduler. Build it with Builder.
type Graph struct {
	name     string
	nodes    map[string]Node
	channels map[string]Channel
	inputs   []string
	outputs  []string

	// subscribers maps a channel name to the sorted names of nodes that
	// subscribe to it, precomputed so the scheduler never has to scan all
	// nodes to find who wakes up after a commit.
	subscribers map[string][]string

	validation ValidationResult
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// Valid reports whether the graph passed validation at Build time.
func (g *Graph) Valid() bool { return g.validation.Valid }

// Validation returns the full validation result computed at Build time.
func (g *Graph) Validation() ValidationResult { return g.validation }

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Channel looks up a channel by name.
func (g *Graph) Channel(name string) (Channel, bool) {
	c, ok := g.channels[name]
	return c, ok
}

// Subscribers returns the sorted list of node names subscribed to channel.
func (g *Graph) Subscribers(channel string) []string {
	return g.subscribers[channel]
}

// Inputs returns the graph's designated input channel names.
func (g *Graph) Inputs() []string { return append([]string{}, g.inputs...) }

// Outputs returns the graph's designated output channel names.
func (g *Graph) Outputs() []string { return append([]string{}, g.outputs...) }

// NodeNames returns all node names in sorted order.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builder assembles a Graph incrementally and validates it on Build.
type Builder struct {
	name        string
	nodes       map[string]Node
	channels    map[string]Channel
	inputs      []string
	outputs     []string
	autoCreate  bool
	buildErrors []string
}

// NewBuilder starts a new graph builder with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		nodes:    make(map[string]Node),
		channels: make(map[string]Channel),
	}
}

// AddChannel registers a channel. Adding two channels with the same name is
// a build-time error.
func (b *Builder) AddChannel(ch Channel) *Builder {
	if _, exists := b.channels[ch.Name()]; exists {
		b.buildErrors = append(b.buildErrors, "duplicate channel name: "+ch.Name())
		return b
	}
	b.channels[ch.Name()] = ch
	return b
}

// AddNode registers a node. Adding two nodes with the same name is a
// build-time error.
func (b *Builder) AddNode(n Node) *Builder {
	if _, exists := b.nodes[n.Name]; exists {
		b.buildErrors = append(b.buildErrors, "duplicate node name: "+n.Name)
		return b
	}
	b.nodes[n.Name] = n
	return b
}

// Input designates one or more channels as graph inputs, seeded directly
// from a Scheduler.Run call's input map.
func (b *Builder) Input(names ...string) *Builder {
	b.inputs = append(b.inputs, names...)
	return b
}

// Output designates one or more channels as graph outputs, read back into
// a Scheduler.Run result once the run halts.
func (b *Builder) Output(names ...string) *Builder {
	b.outputs = append(b.outputs, names...)
	return b
}

// AutoCreateChannels controls whether Build silently creates a default
// LastValue[any] channel for any name referenced by a node's subscribe,
// read, or write set that wasn't registered with AddChannel. Off by
// default: an unregistered reference is a validation error unless this is
// enabled.
func (b *Builder) AutoCreateChannels(enabled bool) *Builder {
	b.autoCreate = enabled
	return b
}

// Build validates the accumulated nodes and channels and, if valid, returns
// an immutable Graph. If invalid, it returns a *Error of KindGraphValidation
// carrying every violation found.
func (b *Builder) Build() (*Graph, error) {
	errs := append([]string{}, b.buildErrors...)

	if b.autoCreate {
		for name := range b.referencedChannelNames() {
			if _, ok := b.channels[name]; !ok {
				b.channels[name] = NewLastValue[any](name)
			}
		}
	}

	result := validate(b.nodes, b.channels, b.inputs, b.outputs)
	errs = append(errs, result.Errors...)
	result.Errors = errs
	result.Valid = len(errs) == 0

	if !result.Valid {
		return nil, GraphValidationError(result.Errors)
	}

	subs := make(map[string][]string)
	for _, n := range b.nodes {
		for _, ch := range n.Subscribe {
			subs[ch] = append(subs[ch], n.Name)
		}
	}
	for ch := range subs {
		sort.Strings(subs[ch])
	}

	g := &Graph{
		name:        b.name,
		nodes:       b.nodes,
		channels:    b.channels,
		inputs:      append([]string{}, b.inputs...),
		outputs:     append([]string{}, b.outputs...),
		subscribers: subs,
		validation:  result,
	}
	return g, nil
}

// referencedChannelNames collects every channel name mentioned by any
// node's subscribe, read, or write set.
func (b *Builder) referencedChannelNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, n := range b.nodes {
		for _, c := range n.Subscribe {
			names[c] = struct{}{}
		}
		for _, c := range n.Read {
			names[c] = struct{}{}
		}
		for _, c := range n.Write {
			names[c] = struct{}{}
		}
	}
	return names
}
