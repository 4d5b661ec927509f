// Package buffer holds records awaiting bulk dispatch, queued per
// partition in arrival order.
package buffer

import (
	"github.com/lsm/docsink/internal/record"
)

// Buffer is a per-partition queue of pending records. Enqueue never
// rejects records that the source already delivered; capacity is
// enforced upstream by pausing delivery, not here. Not safe for
// concurrent use; the engine serializes access.
type Buffer struct {
	queues   map[record.TopicPartition][]record.Record
	inFlight map[record.TopicPartition]int
	order    []record.TopicPartition // partitions in first-seen order, drained round-robin
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{
		queues:   make(map[record.TopicPartition][]record.Record),
		inFlight: make(map[record.TopicPartition]int),
	}
}

// Enqueue appends records to their partition queues, preserving
// arrival order.
func (b *Buffer) Enqueue(records []record.Record) {
	for _, r := range records {
		tp := r.TopicPartition()
		if _, ok := b.queues[tp]; !ok {
			if b.inFlight[tp] == 0 {
				b.order = append(b.order, tp)
			}
			b.queues[tp] = nil
		}
		b.queues[tp] = append(b.queues[tp], r)
	}
}

// Drain removes and returns up to max queued records. Partition order
// within the batch follows first-seen partition order; records within
// one partition are never reordered. Partitions that already have a
// dispatch in flight are skipped, so a partition never contributes to
// two overlapping batches. Drained records are counted as in flight
// until Complete or Forget is called for their partition.
func (b *Buffer) Drain(max int) record.Batch {
	if max <= 0 {
		return nil
	}
	var batch record.Batch
	for _, tp := range b.order {
		if len(batch) >= max {
			break
		}
		if b.inFlight[tp] > 0 {
			continue
		}
		q := b.queues[tp]
		if len(q) == 0 {
			continue
		}
		n := max - len(batch)
		if n > len(q) {
			n = len(q)
		}
		batch = append(batch, q[:n]...)
		b.queues[tp] = q[n:]
		b.inFlight[tp] += n
	}
	b.compactOrder()
	return batch
}

// Complete clears the in-flight count for a partition after its batch
// has been acknowledged.
func (b *Buffer) Complete(tp record.TopicPartition) {
	delete(b.inFlight, tp)
	if len(b.queues[tp]) == 0 {
		delete(b.queues, tp)
	}
	b.compactOrder()
}

// Forget discards all queued and in-flight bookkeeping for a partition.
// Used when the partition is closed during a rebalance.
func (b *Buffer) Forget(tp record.TopicPartition) {
	delete(b.queues, tp)
	delete(b.inFlight, tp)
	b.compactOrder()
}

// Size returns the total number of queued plus in-flight records.
func (b *Buffer) Size() int {
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	for _, n := range b.inFlight {
		total += n
	}
	return total
}

// SizeByPartition returns queued plus in-flight counts per partition.
func (b *Buffer) SizeByPartition() map[record.TopicPartition]int {
	sizes := make(map[record.TopicPartition]int, len(b.queues))
	for tp, q := range b.queues {
		sizes[tp] += len(q)
	}
	for tp, n := range b.inFlight {
		sizes[tp] += n
	}
	return sizes
}

// Queued returns the number of records waiting for dispatch across all
// partitions, excluding in-flight records.
func (b *Buffer) Queued() int {
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

// compactOrder drops partitions that hold no state anymore so the drain
// walk stays proportional to live partitions.
func (b *Buffer) compactOrder() {
	kept := b.order[:0]
	for _, tp := range b.order {
		if len(b.queues[tp]) > 0 || b.inFlight[tp] > 0 {
			kept = append(kept, tp)
		} else {
			delete(b.queues, tp)
		}
	}
	b.order = kept
}
