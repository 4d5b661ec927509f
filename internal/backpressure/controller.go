// Package backpressure decides when the record source should stop and
// resume delivering records for a partition, based on buffer occupancy.
package backpressure

import (
	"github.com/lsm/docsink/internal/record"
)

// Decision lists the partition transitions to signal to the source.
// Only first transitions appear; a partition already paused is not
// paused again, and likewise for resume.
type Decision struct {
	Pause  []record.TopicPartition
	Resume []record.TopicPartition
}

// Empty reports whether the decision carries no transitions.
func (d Decision) Empty() bool {
	return len(d.Pause) == 0 && len(d.Resume) == 0
}

// Controller tracks which partitions have been signaled to pause.
// Not safe for concurrent use; the engine serializes access.
type Controller struct {
	ceiling int
	paused  map[record.TopicPartition]bool
}

// New creates a controller with the given per-partition occupancy
// ceiling. A ceiling of zero or less disables flow control.
func New(ceiling int) *Controller {
	return &Controller{
		ceiling: ceiling,
		paused:  make(map[record.TopicPartition]bool),
	}
}

// Evaluate compares per-partition buffered sizes against the ceiling.
// A partition pauses when its occupancy reaches the ceiling and resumes
// once it drops strictly below. Partitions absent from sizes count as
// empty, so a paused partition that drained completely is resumed.
func (c *Controller) Evaluate(sizes map[record.TopicPartition]int) Decision {
	var d Decision
	if c.ceiling <= 0 {
		return d
	}
	for tp, n := range sizes {
		if n >= c.ceiling && !c.paused[tp] {
			c.paused[tp] = true
			d.Pause = append(d.Pause, tp)
		}
	}
	for tp := range c.paused {
		if sizes[tp] < c.ceiling {
			delete(c.paused, tp)
			d.Resume = append(d.Resume, tp)
		}
	}
	return d
}

// Forget drops pause bookkeeping for a closed partition without
// signaling a resume; the source no longer owns it.
func (c *Controller) Forget(tp record.TopicPartition) {
	delete(c.paused, tp)
}

// Paused reports whether the partition is currently signaled paused.
func (c *Controller) Paused(tp record.TopicPartition) bool {
	return c.paused[tp]
}
