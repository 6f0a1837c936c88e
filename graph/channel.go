package graph

// Channel is the type-erased surface every channel variant implements. The
// engine stores channels in a map[string]Channel and drives them through the
// seed/fire/commit loop without knowing their element type; the generic
// element type T lives only inside each concrete variant (LastValue[T],
// Topic[T], BinaryOperator[T], Ephemeral[T]) and is enforced at Update time
// via a type assertion against the batch elements.
type Channel interface {
	// Name returns the channel's identifier within its owning Graph.
	Name() string

	// ChannelKind reports which of the four variants this channel is, used
	// when reconstructing a channel of the right shape from a checkpoint.
	ChannelKind() ChannelKind

	// Update applies a batch of proposed values produced by nodes that fired
	// and wrote to this channel in the same superstep. Nil elements are
	// skipped. It reports whether the channel's externally observable value
	// changed, and returns an *Error of KindInvalidUpdate if the batch
	// violates the variant's preconditions.
	Update(batch []any) (changed bool, err error)

	// Get returns the channel's current value, or a KindEmptyChannel error
	// if the channel has never been written (or, for Ephemeral, has already
	// been consumed).
	Get() (any, error)

	// IsEmpty reports whether Get would currently fail with KindEmptyChannel.
	IsEmpty() bool

	// Clear resets the channel to its empty state, as if never updated.
	Clear()

	// Version returns a monotonically increasing counter bumped on every
	// update that changes the channel's value. Used by Resume to decide
	// which subscribers should be reactivated relative to a prior
	// checkpoint.
	Version() uint64

	// Checkpoint serializes the channel's current value. It fails with
	// KindEmptyChannel if the channel holds no value.
	Checkpoint() ([]byte, error)

	// FromCheckpoint returns a new channel of the same kind, name and
	// configuration as the receiver, with its value restored from data
	// previously produced by Checkpoint.
	FromCheckpoint(data []byte) (Channel, error)

	// Copy returns an independent deep copy of the channel.
	Copy() Channel
}

// ChannelKind names the four channel variants.
type ChannelKind string

const (
	KindLastValueChannel      ChannelKind = "last_value"
	KindTopicChannel          ChannelKind = "topic"
	KindBinaryOperatorChannel ChannelKind = "binary_operator"
	KindEphemeralChannel      ChannelKind = "ephemeral"
)
