package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrStoreTarget    = "docsink.store.url"
	AttrBulkRequestID  = "docsink.bulk.request_id"
	AttrBatchSize      = "docsink.bulk.batch_size"
)

// Span name constants for consistent span naming.
const (
	SpanKafkaConsume = "kafka.consume"
	SpanKafkaPublish = "kafka.publish"
	SpanBulkDispatch = "store.bulk"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// StoreTargetAttr returns an attribute for the document store URL.
func StoreTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrStoreTarget, url)
}

// BulkRequestIDAttr returns an attribute for the bulk request ID.
func BulkRequestIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrBulkRequestID, id)
}

// BatchSizeAttr returns an attribute for the number of documents in a
// bulk request.
func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}
