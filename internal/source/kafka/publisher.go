package kafka

import (
	"context"
	"fmt"

	"github.com/lsm/docsink/internal/kafka"
	"github.com/lsm/docsink/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces records to Kafka topics. Implements dlq.Publisher
// for dead letter reporting.
type Publisher struct {
	client producer
	tracer trace.Tracer
}

// NewPublisher creates a publisher for the given cluster, with the
// cluster's SASL and TLS settings applied.
func NewPublisher(cluster *kafka.ClusterConfig) (*Publisher, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}

	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}

	return &Publisher{
		client: client,
		tracer: noop.NewTracerProvider().Tracer("kafka-publisher"),
	}, nil
}

// SetTracer sets the tracer for the publisher.
func (p *Publisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Publish sends one record to the given topic and waits for the ack.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(tracing.KafkaTopicAttr(topic)),
	)
	defer span.End()

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("kafka publish: %w", err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
