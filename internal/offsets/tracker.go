// Package offsets tracks per-partition write acknowledgment progress
// and derives the offsets that are safe to commit back to the log.
package offsets

import (
	"github.com/lsm/docsink/internal/record"
)

type partitionState struct {
	acked       int64 // highest acknowledged offset
	hasAcked    bool
	inFlightLo  int64 // lowest offset of the outstanding batch
	inFlightHi  int64 // highest offset of the outstanding batch
	hasInFlight bool
}

// Tracker maintains, per partition, the highest durably acknowledged
// offset and the range of the batch currently in flight. Not safe for
// concurrent use; the engine serializes access.
type Tracker struct {
	parts map[record.TopicPartition]*partitionState
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{parts: make(map[record.TopicPartition]*partitionState)}
}

func (t *Tracker) state(tp record.TopicPartition) *partitionState {
	ps, ok := t.parts[tp]
	if !ok {
		ps = &partitionState{}
		t.parts[tp] = ps
	}
	return ps
}

// Open creates fresh tracking state for a partition. No offsets are
// assumed; the partition is omitted from commits until a write acks.
func (t *Tracker) Open(tp record.TopicPartition) {
	t.parts[tp] = &partitionState{}
}

// MarkInFlight records that a batch covering [lo, hi] has been
// dispatched for the partition.
func (t *Tracker) MarkInFlight(tp record.TopicPartition, lo, hi int64) {
	ps := t.state(tp)
	ps.inFlightLo = lo
	ps.inFlightHi = hi
	ps.hasInFlight = true
}

// MarkAcked records that all offsets up to and including hi have been
// durably written, clearing the in-flight range. Acks never regress.
func (t *Tracker) MarkAcked(tp record.TopicPartition, hi int64) {
	ps := t.state(tp)
	if !ps.hasAcked || hi > ps.acked {
		ps.acked = hi
		ps.hasAcked = true
	}
	ps.hasInFlight = false
}

// Forget clears tracking for a partition entirely, including any
// in-flight range. A reopened partition starts fresh from whatever
// offset the source assigns.
func (t *Tracker) Forget(tp record.TopicPartition) {
	delete(t.parts, tp)
}

// CommitOffsets returns, per partition, the offset that is safe to
// resume consumption from: one past the highest acknowledged offset,
// clamped to the start of any still-outstanding batch older than the
// ack. Partitions that have never acknowledged a write are omitted.
func (t *Tracker) CommitOffsets() map[record.TopicPartition]int64 {
	out := make(map[record.TopicPartition]int64, len(t.parts))
	for tp, ps := range t.parts {
		if !ps.hasAcked {
			continue
		}
		safe := ps.acked + 1
		if ps.hasInFlight && ps.inFlightLo <= ps.acked {
			safe = ps.inFlightLo
		}
		out[tp] = safe
	}
	return out
}
