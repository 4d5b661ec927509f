// Package record defines the data types moved through the sink:
// consumed log records, partition identity, and dispatch batches.
package record

import "fmt"

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record is a single record consumed from the log.
// Immutable once delivered to the sink.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// TopicPartition returns the partition the record belongs to.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Batch is an ordered sequence of records forming one bulk dispatch
// attempt. Records from the same partition appear in offset order.
type Batch []Record

// Partitions returns the distinct partitions the batch draws from,
// in first-appearance order.
func (b Batch) Partitions() []TopicPartition {
	seen := make(map[TopicPartition]bool, 4)
	var tps []TopicPartition
	for _, r := range b {
		tp := r.TopicPartition()
		if !seen[tp] {
			seen[tp] = true
			tps = append(tps, tp)
		}
	}
	return tps
}

// OffsetRange is the inclusive offset span a batch covers within one
// partition.
type OffsetRange struct {
	Lo int64
	Hi int64
}

// Ranges returns, per partition, the lowest and highest offsets the
// batch carries.
func (b Batch) Ranges() map[TopicPartition]OffsetRange {
	ranges := make(map[TopicPartition]OffsetRange, 4)
	for _, r := range b {
		tp := r.TopicPartition()
		rng, ok := ranges[tp]
		if !ok {
			ranges[tp] = OffsetRange{Lo: r.Offset, Hi: r.Offset}
			continue
		}
		if r.Offset < rng.Lo {
			rng.Lo = r.Offset
		}
		if r.Offset > rng.Hi {
			rng.Hi = r.Offset
		}
		ranges[tp] = rng
	}
	return ranges
}
