package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// CheckpointMetadata describes a checkpoint without its payload, cheap
// enough to list in bulk.
type CheckpointMetadata struct {
	CheckpointID        string
	ThreadID            string
	StepNumber          int
	ParentCheckpointID  string
	Source              string
	ExecutedNodes       []string
	Tags                map[string]string
	CreatedAt           time.Time
}

// CheckpointData is a full, restorable snapshot of a run: every non-empty
// channel's serialized state, plus enough metadata to resume the superstep
// loop and to reconstruct the thread's checkpoint lineage (a DAG formed by
// ParentCheckpointID, since branching a thread from an older checkpoint is
// allowed).
type CheckpointData struct {
	CheckpointMetadata

	// ChannelStates maps channel name to the bytes produced by that
	// channel's Checkpoint method. Channels that were empty at save time
	// are omitted, not stored as a zero value.
	ChannelStates map[string][]byte

	// IdempotencyKey lets a Checkpointer detect and reject a duplicate save
	// for the same (thread, step, channel-states) triple, guarding against
	// double-commits from a retried Save call.
	IdempotencyKey string
}

// Checkpointer is the pluggable persistence boundary for the checkpoint
// protocol. Concrete backends live in graph/store.
type Checkpointer interface {
	// Save persists data and returns its CheckpointID. data.CheckpointID must
	// already be set (the scheduler assigns one; the graph/store backends
	// reject an empty id). If data.IdempotencyKey matches a stored
	// checkpoint, the backends store nothing and return that checkpoint's id.
	Save(ctx context.Context, data CheckpointData) (string, error)

	// Load retrieves one checkpoint by id. The graph/store backends return
	// store.ErrNotFound if absent.
	Load(ctx context.Context, checkpointID string) (CheckpointData, error)

	// LoadLatest retrieves the most recently saved checkpoint for threadID.
	// The graph/store backends return store.ErrNotFound if the thread has
	// no checkpoints.
	LoadLatest(ctx context.Context, threadID string) (CheckpointData, error)

	// LoadByThread retrieves every checkpoint belonging to threadID, ordered
	// oldest first, so a caller can walk or rebuild the full ParentCheckpointID
	// lineage rather than only ever seeing the latest tip.
	LoadByThread(ctx context.Context, threadID string) ([]CheckpointData, error)

	// List returns metadata (no payload) for up to limit checkpoints of
	// threadID, newest first. limit <= 0 means no limit.
	List(ctx context.Context, threadID string, limit int) ([]CheckpointMetadata, error)

	// Delete removes one checkpoint. Reports whether it existed.
	Delete(ctx context.Context, checkpointID string) (bool, error)

	// DeleteByThread removes every checkpoint for threadID, returning the
	// count removed.
	DeleteByThread(ctx context.Context, threadID string) (int, error)

	// Exists reports whether checkpointID is present, without fetching it.
	Exists(ctx context.Context, checkpointID string) (bool, error)
}

// computeIdempotencyKey hashes threadID, the step number, and the sorted
// channel states into a stable digest: a duplicate Save for the same input
// produces the same key, letting a Checkpointer reject (or no-op) a
// retried commit.
func computeIdempotencyKey(threadID string, step int, channelStates map[string][]byte) string {
	h := sha256.New()
	h.Write([]byte(threadID))

	var stepBytes [8]byte
	binary.BigEndian.PutUint64(stepBytes[:], uint64(step))
	h.Write(stepBytes[:])

	names := make([]string, 0, len(channelStates))
	for name := range channelStates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write(channelStates[name])
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// marshalChannelStates encodes the whole channel-state map as one JSON blob
// rather than per-column values; unmarshalChannelStates reverses it.
func marshalChannelStates(states map[string][]byte) ([]byte, error) {
	return json.Marshal(states)
}

func unmarshalChannelStates(data []byte) (map[string][]byte, error) {
	var states map[string][]byte
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, err
	}
	return states, nil
}
