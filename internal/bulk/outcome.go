package bulk

import (
	"fmt"

	"github.com/lsm/docsink/internal/record"
)

// Rejection is a per-document failure reported by the store, such as a
// malformed document. Rejections are never retried; the offset of the
// rejected record still advances.
type Rejection struct {
	Record record.Record
	Status int
	Reason string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("document %s+%d+%d rejected (status %d): %s",
		r.Record.Topic, r.Record.Partition, r.Record.Offset, r.Status, r.Reason)
}

// Outcome is the classified result of one bulk dispatch attempt.
// Exactly one of the three shapes holds:
//   - success: Retryable == nil and no Rejections
//   - partial failure: Retryable == nil and some Rejections
//   - retryable failure: Retryable != nil (timeout, connection error,
//     429/5xx, open circuit); the caller may resubmit the same batch
type Outcome struct {
	Retryable  error
	Rejections []Rejection
}

// OK reports whether every document was accepted.
func (o Outcome) OK() bool {
	return o.Retryable == nil && len(o.Rejections) == 0
}

// Acked reports whether the batch boundary is acknowledged, i.e. the
// attempt will not be resubmitted. True for success and for partial
// failure.
func (o Outcome) Acked() bool {
	return o.Retryable == nil
}

// StatusError represents an HTTP response with an unexpected status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bulk request returned status %d", e.Code)
}
