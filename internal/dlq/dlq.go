// Package dlq publishes documents the store rejected to a dead letter
// topic, carrying enough context to identify the source record.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/docsink/internal/bulk"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Reporter publishes rejected documents to a dead letter topic.
type Reporter struct {
	publisher Publisher
	topic     string
	connector string
}

// NewReporter creates a reporter writing to the given topic. The
// connector name is stamped on every report header.
func NewReporter(pub Publisher, topic, connector string) *Reporter {
	return &Reporter{
		publisher: pub,
		topic:     topic,
		connector: connector,
	}
}

// Report publishes one rejected document. The original key and value
// are preserved; rejection metadata travels in headers.
func (r *Reporter) Report(ctx context.Context, rej bulk.Rejection) error {
	rec := rej.Record
	headers := map[string]string{
		"docsink-original-topic":     rec.Topic,
		"docsink-original-partition": strconv.FormatInt(int64(rec.Partition), 10),
		"docsink-original-offset":    strconv.FormatInt(rec.Offset, 10),
		"docsink-rejection-status":   strconv.Itoa(rej.Status),
		"docsink-rejection-reason":   rej.Reason,
		"docsink-connector":          r.connector,
		"docsink-failed-at":          time.Now().UTC().Format(time.RFC3339),
	}

	if err := r.publisher.Publish(ctx, r.topic, rec.Key, rec.Value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", r.topic, err)
	}
	return nil
}

// Close releases resources held by the reporter.
func (r *Reporter) Close() error {
	return r.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no dead letter topic is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
