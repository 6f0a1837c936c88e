package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// BinaryOperator folds each update batch into a single accumulated value
// using an associative reducer. The first value the channel ever receives
// seeds the accumulator; every subsequent value (within the same batch or a
// later one) is folded in with Reduce. Reduce is expected to be associative
// so that the result does not depend on the internal order batches are
// folded within a single commit, only on which values were observed by
// which step.
type BinaryOperator[T any] struct {
	mu      sync.RWMutex
	name    string
	value   T
	has     bool
	reduce  func(a, b T) T
	version uint64
}

// NewBinaryOperator constructs an empty BinaryOperator channel with the
// given associative reducer.
func NewBinaryOperator[T any](name string, reduce func(a, b T) T) *BinaryOperator[T] {
	return &BinaryOperator[T]{name: name, reduce: reduce}
}

func (c *BinaryOperator[T]) Name() string             { return c.name }
func (c *BinaryOperator[T]) ChannelKind() ChannelKind { return KindBinaryOperatorChannel }

func (c *BinaryOperator[T]) Update(batch []any) (bool, error) {
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

	acc := c.value
	start := 0
	if !c.has {
		acc = typed[0]
		start = 1
	}

	reduced, err := c.foldSafely(acc, typed[start:])
	if err != nil {
		return false, InvalidUpdateError(c.name, "reducer failed", err)
	}

	changed := !c.has || !reflect.DeepEqual(reduced, c.value)
	c.value = reduced
	c.has = true
	if changed {
		c.version++
	}
	return changed, nil
}

// foldSafely folds rest into acc, recovering a panicking reducer into an
// error rather than letting it crash the commit phase.
func (c *BinaryOperator[T]) foldSafely(acc T, rest []T) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panicked: %v", r)
		}
	}()
	result = acc
	for _, v := range rest {
		result = c.reduce(result, v)
	}
	return result, nil
}

func (c *BinaryOperator[T]) Get() (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "never updated")
	}
	return c.value, nil
}

func (c *BinaryOperator[T]) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.has
}

func (c *BinaryOperator[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.has = false
	c.version++
}

func (c *BinaryOperator[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *BinaryOperator[T]) Checkpoint() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return nil, EmptyChannelError(c.name, "cannot checkpoint an empty channel")
	}
	data, err := json.Marshal(c.value)
	if err != nil {
		return nil, CheckpointError("", "failed to serialize binary_operator channel state", err)
	}
	return data, nil
}

func (c *BinaryOperator[T]) FromCheckpoint(data []byte) (Channel, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, CheckpointError("", "failed to restore binary_operator channel state", err)
	}
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()
	return &BinaryOperator[T]{name: c.name, value: v, has: true, reduce: c.reduce, version: version + 1}, nil
}

func (c *BinaryOperator[T]) Copy() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &BinaryOperator[T]{name: c.name, value: c.value, has: c.has, reduce: c.reduce, version: c.version}
}
