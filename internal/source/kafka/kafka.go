// Package kafka consumes records from Kafka and drives the sink task
// engine: delivering polled batches, pumping flushes when the log is
// idle, committing safe offsets, and translating group rebalances into
// partition open/close calls.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/docsink/internal/kafka"
	"github.com/lsm/docsink/internal/record"
	"github.com/lsm/docsink/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster        *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topics         []string
	ConsumerGroup  string
	StartOffset    string        // "earliest" or "latest" (default: "latest")
	PollInterval   time.Duration // max wait per poll before pumping a flush
	CommitInterval time.Duration
}

// engine abstracts the sink task operations driven by this consumer.
type engine interface {
	Put(records []record.Record) error
	Flush() error
	PreCommit(requested map[record.TopicPartition]int64) map[record.TopicPartition]int64
	Open(tps []record.TopicPartition)
	Close(tps []record.TopicPartition)
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	PauseFetchPartitions(map[string][]int32) map[string][]int32
	ResumeFetchPartitions(map[string][]int32)
	CommitOffsetsSync(ctx context.Context, os map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

var _ consumer = (*kgo.Client)(nil)

// Source consumes records from Kafka topics and feeds the engine.
type Source struct {
	client         consumer
	engine         engine
	topics         []string
	pollInterval   time.Duration
	commitInterval time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewSource creates a new Kafka source bound to the given engine.
// Group rebalance callbacks open and close partitions on the engine.
func NewSource(cfg Config, eng engine, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			eng.Open(flattenPartitions(assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, cl *kgo.Client, revoked map[string][]int32) {
			releasePartitions(eng, cl, revoked)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, cl *kgo.Client, lost map[string][]int32) {
			releasePartitions(eng, cl, lost)
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Source{
		client:         client,
		engine:         eng,
		topics:         cfg.Topics,
		pollInterval:   cfg.PollInterval,
		commitInterval: cfg.CommitInterval,
		logger:         logger,
		tracer:         noop.NewTracerProvider().Tracer("kafka-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Pause stops fetching the given partitions. Pausing an already-paused
// partition is a no-op. Implements the engine's flow control target.
func (s *Source) Pause(tps []record.TopicPartition) {
	s.client.PauseFetchPartitions(groupByTopic(tps))
}

// Resume restarts fetching the given partitions. Resuming a partition
// that is not paused is a no-op.
func (s *Source) Resume(tps []record.TopicPartition) {
	s.client.ResumeFetchPartitions(groupByTopic(tps))
}

// Run polls Kafka and drives the engine until ctx is cancelled or the
// engine reports a fatal error. Each poll cycle delivers fetched
// records, or pumps an engine flush when the fetch came back empty, so
// residual buffered data and pause/resume state stay fresh even on an
// idle log. Safe offsets are committed on the configured interval and
// once more on the way out.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("starting kafka consumer", "topics", s.topics)
	lastCommit := time.Now()

	for {
		pollCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
		fetches := s.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		for _, ferr := range fetches.Errors() {
			if errors.Is(ferr.Err, context.DeadlineExceeded) || errors.Is(ferr.Err, context.Canceled) {
				continue
			}
			s.logger.Error("fetch error", "topic", ferr.Topic, "partition", ferr.Partition, "error", ferr.Err)
		}

		var records []record.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, record.Record{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
			})
		})

		var putErr error
		if len(records) > 0 {
			_, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaConsume,
				trace.WithAttributes(tracing.BatchSizeAttr(len(records))),
			)
			putErr = s.engine.Put(records)
			if putErr != nil {
				tracing.SetSpanError(span, putErr)
			} else {
				tracing.SetSpanOK(span)
			}
			span.End()
		} else {
			putErr = s.engine.Flush()
		}
		if putErr != nil {
			// Fatal engine failure. Commit what is already safe so a
			// restart does not redeliver acknowledged work, then stop.
			s.commit(context.WithoutCancel(ctx))
			return fmt.Errorf("sink task: %w", putErr)
		}

		if time.Since(lastCommit) >= s.commitInterval {
			s.commit(ctx)
			lastCommit = time.Now()
		}

		if ctx.Err() != nil {
			s.commit(context.WithoutCancel(ctx))
			s.logger.Info("kafka consumer draining complete", "topics", s.topics)
			return ctx.Err()
		}
	}
}

// commit asks the engine for safe offsets and commits them to the
// group. The engine answers immediately with best-known-safe values; it
// never blocks on in-flight dispatches.
func (s *Source) commit(ctx context.Context) {
	commits := s.engine.PreCommit(nil)
	if len(commits) == 0 {
		return
	}

	offs := make(map[string]map[int32]kgo.EpochOffset, len(commits))
	for tp, off := range commits {
		m := offs[tp.Topic]
		if m == nil {
			m = make(map[int32]kgo.EpochOffset)
			offs[tp.Topic] = m
		}
		m[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}

	s.client.CommitOffsetsSync(ctx, offs, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			s.logger.Error("offset commit failed", "error", err)
		}
	})
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}

// releasePartitions closes revoked or lost partitions on the engine and
// clears their pause state on the client. Pause state is client-level
// and sticky, so a partition revoked while paused would never fetch
// again if the group later hands it back to this instance.
func releasePartitions(eng engine, cl consumer, parts map[string][]int32) {
	eng.Close(flattenPartitions(parts))
	cl.ResumeFetchPartitions(parts)
}

func flattenPartitions(m map[string][]int32) []record.TopicPartition {
	var tps []record.TopicPartition
	for topic, parts := range m {
		for _, p := range parts {
			tps = append(tps, record.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}

func groupByTopic(tps []record.TopicPartition) map[string][]int32 {
	m := make(map[string][]int32, len(tps))
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}
