// Package graph provides the core channel-based superstep execution engine.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which branch of the closed error taxonomy an Error belongs to.
//
// Every failure the engine produces is one of these five kinds; there is no
// sixth. Callers that need to branch on failure type should use IsKind, or
// errors.As against *Error and then inspect its Kind field.
type Kind string

const (
	// KindEmptyChannel is returned by Channel.Get or Channel.Checkpoint when
	// the channel has never been updated (or has been consumed/cleared).
	KindEmptyChannel Kind = "empty_channel"

	// KindInvalidUpdate is returned by Channel.Update when a batch violates
	// the variant's preconditions: a type mismatch, an arity violation
	// (LastValue receiving more than one non-null element), or a reducer
	// failure in BinaryOperator.
	KindInvalidUpdate Kind = "invalid_update"

	// KindExecution covers node-function failures, step-limit overruns, and
	// deadline overruns — anything that aborts a run mid-flight.
	KindExecution Kind = "execution"

	// KindGraphValidation is returned when Builder.Build, or a Scheduler
	// asked to run an invalid graph, finds one or more validation rules
	// violated.
	KindGraphValidation Kind = "graph_validation"

	// KindCheckpoint covers serialization, storage, and restoration
	// failures in the checkpoint protocol.
	KindCheckpoint Kind = "checkpoint"
)

// Error is the single concrete error type behind the closed taxonomy.
//
// All constructors in this file (EmptyChannelError, InvalidUpdateError,
// ExecutionError, GraphValidationError, CheckpointError) return *Error with
// Kind set accordingly, so a
// caller can use errors.As(err, &graphErr) and then switch on graphErr.Kind.
type Error struct {
	Kind Kind

	// ChannelName is set for KindEmptyChannel and KindInvalidUpdate.
	ChannelName string

	// NodeID is set for KindExecution when the failure is attributable to a
	// specific node (empty for step-limit/timeout failures).
	NodeID string

	// Step is set for KindExecution.
	Step int

	// CheckpointID is set for KindCheckpoint when the failure concerns a
	// specific checkpoint (may be empty for save-path failures that haven't
	// been assigned an id yet).
	CheckpointID string

	// ValidationErrors holds the validator's failure messages for
	// KindGraphValidation.
	ValidationErrors []string

	// Reason is a short human-readable explanation.
	Reason string

	// Cause is the underlying error, if any. Unwrap returns this.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindEmptyChannel:
		fmt.Fprintf(&b, "empty channel %q", e.ChannelName)
	case KindInvalidUpdate:
		fmt.Fprintf(&b, "invalid update on channel %q", e.ChannelName)
	case KindExecution:
		if e.NodeID != "" {
			fmt.Fprintf(&b, "execution error in node %q at step %d", e.NodeID, e.Step)
		} else {
			fmt.Fprintf(&b, "execution error at step %d", e.Step)
		}
	case KindGraphValidation:
		fmt.Fprintf(&b, "graph validation failed: %s", strings.Join(e.ValidationErrors, "; "))
	case KindCheckpoint:
		if e.CheckpointID != "" {
			fmt.Fprintf(&b, "checkpoint error for %q", e.CheckpointID)
		} else {
			b.WriteString("checkpoint error")
		}
	default:
		b.WriteString("graph error")
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, ErrMaxStepsExceeded) style checks to cross the
// wrapping boundary when Cause is one of the package sentinels.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// EmptyChannelError constructs a KindEmptyChannel failure.
func EmptyChannelError(channelName, reason string) *Error {
	return &Error{Kind: KindEmptyChannel, ChannelName: channelName, Reason: reason}
}

// InvalidUpdateError constructs a KindInvalidUpdate failure.
func InvalidUpdateError(channelName, reason string, cause error) *Error {
	return &Error{Kind: KindInvalidUpdate, ChannelName: channelName, Reason: reason, Cause: cause}
}

// ExecutionError constructs a KindExecution failure.
func ExecutionError(nodeID string, step int, reason string, cause error) *Error {
	return &Error{Kind: KindExecution, NodeID: nodeID, Step: step, Reason: reason, Cause: cause}
}

// GraphValidationError constructs a KindGraphValidation failure.
func GraphValidationError(errs []string) *Error {
	return &Error{Kind: KindGraphValidation, ValidationErrors: errs}
}

// CheckpointError constructs a KindCheckpoint failure.
func CheckpointError(checkpointID, reason string, cause error) *Error {
	return &Error{Kind: KindCheckpoint, CheckpointID: checkpointID, Reason: reason, Cause: cause}
}

// Sentinel causes wrapped inside KindExecution errors, so callers can write
// errors.Is(err, graph.ErrMaxStepsExceeded) without unpacking *Error first.
var (
	// ErrMaxStepsExceeded indicates a run reached Options.StepLimit without
	// reaching quiescence.
	ErrMaxStepsExceeded = errors.New("superstep scheduler: max steps exceeded")

	// ErrDeadlineExceeded indicates a run's wall-clock deadline elapsed
	// before quiescence.
	ErrDeadlineExceeded = errors.New("superstep scheduler: deadline exceeded")
)

// IsKind reports whether err is a *Error of the given kind, unwrapping as
// needed.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
