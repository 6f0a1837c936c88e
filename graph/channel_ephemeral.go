package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Ephemeral holds at most one value and clears itself the moment it is read,
// so a value can activate exactly one downstream read before vanishing.
// Like LastValue it rejects batches with more than one non-null element:
// ambiguity within a single batch is always a hard error, never silently
// resolved.
type Ephemeral[T any] struct {
	mu      sync.RWMutex
	name    string
	value   T
	has     bool
	version uint64
}

// NewEphemeral constructs an empty Ephemeral channel.
func NewEphemeral[T any](name string) *Ephemeral[T] {
	return &Ephemeral[T]{name: name}
}

func (c *Ephemeral[T]) Name() string             { return c.name }
func (c *Ephemeral[T]) ChannelKind() ChannelKind { return KindEphemeralChannel }

func (c *Ephemeral[T]) Update(batch []any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var nonNull []T
	for _, v := range batch {
		if v == nil {
			continue
		}
		tv, ok := v.(T)
		if !ok {
			return false, InvalidUpdateError(c.name, fmt.Sprintf("element of type %T not assignable to declared element type", v), nil)
		}
		nonNull = append(nonNull, tv)
	}
	if len(nonNull) == 0 {
		return false, nil
	}
	if len(nonNull) > 1 {
		return false, InvalidUpdateError(c.name, fmt.Sprintf("batch carries %d non-null elements, ephemeral accepts at most one", len(nonNull)), nil)
	}
	c.value = nonNull[0]
	c.has = true
	c.version++
	return true, nil
}

// Get returns the current value and immediately clears the channel, so a
// second Get before the next Update fails with KindEmptyChannel.
func (c *Ephemeral[T]) Get() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "never updated or already consumed")
	}
	v := c.value
	var zero T
	c.value = zero
	c.has = false
	return v, nil
}

func (c *Ephemeral[T]) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.has
}

func (c *Ephemeral[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.has = false
	c.version++
}

func (c *Ephemeral[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Ephemeral[T]) Checkpoint() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "cannot checkpoint an empty channel")
	}
	data, err := json.Marshal(c.value)
	if err != nil {
		return nil, CheckpointError("", "failed to serialize ephemeral channel state", err)
	}
	return data, nil
}

func (c *Ephemeral[T]) FromCheckpoint(data []byte) (Channel, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, CheckpointError("", "failed to restore ephemeral channel state", err)
	}
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()
	return &Ephemeral[T]{name: c.name, value: v, has: true, version: version + 1}, nil
}

func (c *Ephemeral[T]) Copy() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Ephemeral[T]{name: c.name, value: c.value, has: c.has, version: c.version}
}
