package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// LastValue holds at most one value, overwritten wholesale on each update.
// Its update rule is the strictest of the four variants: a batch containing
// more than one non-null element is rejected outright, since there is no
// ordering rule within a batch to resolve the conflict.
type LastValue[T any] struct {
	mu      sync.RWMutex
	name    string
	value   T
	has     bool
	version uint64
}

// NewLastValue constructs an empty LastValue channel of element type T.
func NewLastValue[T any](name string) *LastValue[T] {
	return &LastValue[T]{name: name}
}

func (c *LastValue[T]) Name() string             { return c.name }
func (c *LastValue[T]) ChannelKind() ChannelKind { return KindLastValueChannel }

func (c *LastValue[T]) Update(batch []any) (bool, error) {
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
		return false, InvalidUpdateError(c.name, fmt.Sprintf("batch carries %d non-null elements, last_value accepts at most one", len(nonNull)), nil)
	}
	c.value = nonNull[0]
	c.has = true
	c.version++
	return true, nil
}

func (c *LastValue[T]) Get() (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "never updated")
	}
	return c.value, nil
}

func (c *LastValue[T]) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.has
}

func (c *LastValue[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.has = false
	c.version++
}

func (c *LastValue[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *LastValue[T]) Checkpoint() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "cannot checkpoint an empty channel")
	}
	data, err := json.Marshal(c.value)
	if err != nil {
		return nil, CheckpointError("", "failed to serialize last_value channel state", err)
	}
	return data, nil
}

func (c *LastValue[T]) FromCheckpoint(data []byte) (Channel, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, CheckpointError("", "failed to restore last_value channel state", err)
	}
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()
	return &LastValue[T]{name: c.name, value: v, has: true, version: version + 1}, nil
}

func (c *LastValue[T]) Copy() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &LastValue[T]{name: c.name, value: c.value, has: c.has, version: c.version}
}
