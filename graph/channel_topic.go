package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Topic accumulates a list of values across updates (or, configured with
// accumulate=false, replaces its list wholesale each update — useful for a
// channel that should only ever reflect the current superstep's writes).
// With unique=true, values already present are dropped from subsequent
// batches while preserving first-seen order.
type Topic[T any] struct {
	mu         sync.RWMutex
	name       string
	values     []T
	has        bool
	accumulate bool
	unique     bool
	version    uint64
}

// NewTopic constructs an empty Topic channel. accumulate controls whether
// successive updates append to the existing list (true) or replace it
// (false). unique deduplicates the resulting list while preserving the order
// in which each distinct value was first observed.
func NewTopic[T any](name string, accumulate, unique bool) *Topic[T] {
	return &Topic[T]{name: name, accumulate: accumulate, unique: unique}
}

func (c *Topic[T]) Name() string             { return c.name }
func (c *Topic[T]) ChannelKind() ChannelKind { return KindTopicChannel }

func (c *Topic[T]) Update(batch []any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var typed []T
	for _, v := range batch {
		if v == nil {
			continue
		}
		tv, ok := v.(T)
		if !ok {
			return false, InvalidUpdateError(c.name, fmt.Sprintf("element of type %T not assignable to declared element type", v), nil)
		}
		typed = append(typed, tv)
	}
	if len(typed) == 0 {
		return false, nil
	}

	var next []T
	if c.accumulate {
		next = append(append([]T{}, c.values...), typed...)
	} else {
		next = typed
	}
	if c.unique {
		next = dedupePreserveOrder(next)
	}

	changed := !c.has || !reflect.DeepEqual(next, c.values)
	c.values = next
	c.has = true
	if changed {
		c.version++
	}
	return changed, nil
}

// dedupePreserveOrder removes later duplicates of values already seen,
// using reflect.DeepEqual so it works for arbitrary (possibly
// non-comparable) element types at the cost of O(n^2) comparisons.
func dedupePreserveOrder[T any](in []T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		dup := false
		for _, seen := range out {
			if reflect.DeepEqual(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func (c *Topic[T]) Get() (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "never updated")
	}
	cp := append([]T{}, c.values...)
	return cp, nil
}

func (c *Topic[T]) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.has
}

func (c *Topic[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = nil
	c.has = false
	c.version++
}

func (c *Topic[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Topic[T]) Checkpoint() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "cannot checkpoint an empty channel")
	}
	data, err := json.Marshal(c.values)
	if err != nil {
		return nil, CheckpointError("", "failed to serialize topic channel state", err)
	}
	return data, nil
}

func (c *Topic[T]) FromCheckpoint(data []byte) (Channel, error) {
	var vs []T
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, CheckpointError("", "failed to restore topic channel state", err)
	}
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()
	return &Topic[T]{name: c.name, values: vs, has: true, accumulate: c.accumulate, unique: c.unique, version: version + 1}, nil
}

func (c *Topic[T]) Copy() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Topic[T]{
		name:       c.name,
		values:     append([]T{}, c.values...),
		has:        c.has,
		accumulate: c.accumulate,
		unique:     c.unique,
		version:    c.version,
	}
}
