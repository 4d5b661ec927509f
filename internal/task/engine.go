// Package task implements the sink task engine: it buffers delivered
// records per partition, drains them into bulk dispatches, applies
// retry with scheduled backoff, tracks acknowledged offsets for safe
// commit, and signals backpressure to the record source.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lsm/docsink/internal/backpressure"
	"github.com/lsm/docsink/internal/buffer"
	"github.com/lsm/docsink/internal/bulk"
	"github.com/lsm/docsink/internal/observability"
	"github.com/lsm/docsink/internal/offsets"
	"github.com/lsm/docsink/internal/record"
	"github.com/lsm/docsink/internal/retry"
)

// ErrStopped is returned by Put and Flush after Stop.
var ErrStopped = errors.New("sink task is stopped")

// Dispatcher sends one batch to the document store and classifies the
// outcome. It must not retry; the engine resubmits batches itself.
type Dispatcher interface {
	Execute(ctx context.Context, batch record.Batch) bulk.Outcome
}

// Pauser receives flow control signals for the record source. Calls
// must be non-blocking; signaling an already-paused or already-resumed
// partition is a no-op on the source side.
type Pauser interface {
	Pause(tps []record.TopicPartition)
	Resume(tps []record.TopicPartition)
}

// RejectionReporter receives documents the store rejected permanently.
type RejectionReporter interface {
	Report(ctx context.Context, rej bulk.Rejection) error
}

// Config holds engine configuration.
type Config struct {
	BatchSize          int // max records per bulk dispatch
	MaxBufferedRecords int // per-partition occupancy ceiling for backpressure
	Retry              retry.Config
}

// Engine orchestrates buffering, dispatch, retry, offset tracking, and
// flow control for one sink task instance. The record source drives it
// from a single logical thread (Put, Flush, PreCommit, Open, Close);
// dispatch completions arrive from background goroutines. All state
// mutations are serialized under one mutex, so cross-partition
// dispatches never race on shared bookkeeping.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	pauser     Pauser
	policy     *retry.Policy
	logger     *slog.Logger
	reporter   RejectionReporter
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	buf     *buffer.Buffer
	tracker *offsets.Tracker
	flow    *backpressure.Controller
	gen     map[record.TopicPartition]uint64
	timers  map[*time.Timer]struct{}
	stopped bool
	fatal   error
}

// NewEngine creates a sink task engine. The pauser is attached with
// SetPauser once the record source exists; the source in turn drives
// this engine, so the two are wired after construction.
func NewEngine(cfg Config, dispatcher Dispatcher, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		policy:     retry.NewPolicy(cfg.Retry),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		buf:        buffer.New(),
		tracker:    offsets.New(),
		flow:       backpressure.New(cfg.MaxBufferedRecords),
		gen:        make(map[record.TopicPartition]uint64),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// SetPauser sets the flow control signal target.
func (e *Engine) SetPauser(p Pauser) {
	e.pauser = p
}

// SetReporter sets the dead letter reporter for rejected documents.
func (e *Engine) SetReporter(r RejectionReporter) {
	e.reporter = r
}

// SetMetrics sets the metrics sink.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// Put accepts a batch of delivered records, enqueues them, re-evaluates
// backpressure, and dispatches if the batch-size threshold is reached.
// Returns the fatal error if retries were previously exhausted.
func (e *Engine) Put(records []record.Record) error {
	return e.put(records, false)
}

// Flush drains residual buffered records regardless of the batch-size
// threshold and re-checks pause/resume state. Called by the source when
// it has nothing to deliver, so buffered data never goes stale.
func (e *Engine) Flush() error {
	return e.put(nil, true)
}

func (e *Engine) put(records []record.Record, flush bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.fatal != nil {
		err := e.fatal
		e.mu.Unlock()
		return err
	}
	if len(records) > 0 {
		e.buf.Enqueue(records)
		if e.metrics != nil {
			for _, r := range records {
				e.metrics.RecordsConsumed.WithLabelValues(r.Topic).Inc()
			}
		}
	}
	e.dispatchLocked(flush)
	d := e.flow.Evaluate(e.buf.SizeByPartition())
	e.updateBufferGaugeLocked()
	e.mu.Unlock()

	e.signal(d)
	return nil
}

// PreCommit returns, per partition, the offset that is safe to commit.
// When requested is non-nil, only partitions present in it are
// reported. The call never blocks on in-flight dispatches; it returns
// the best known safe offsets immediately.
func (e *Engine) PreCommit(requested map[record.TopicPartition]int64) map[record.TopicPartition]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	commits := e.tracker.CommitOffsets()
	if requested != nil {
		for tp := range commits {
			if _, ok := requested[tp]; !ok {
				delete(commits, tp)
			}
		}
	}
	if e.metrics != nil {
		for tp, off := range commits {
			e.metrics.CommittedOffsets.
				WithLabelValues(tp.Topic, strconv.FormatInt(int64(tp.Partition), 10)).
				Set(float64(off))
		}
	}
	return commits
}

// Open creates fresh state for newly assigned partitions. No offsets
// are assumed; the source decides where consumption starts.
func (e *Engine) Open(tps []record.TopicPartition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tp := range tps {
		e.gen[tp]++
		e.tracker.Open(tp)
		e.logger.Info("partition opened", "topic", tp.Topic, "partition", tp.Partition)
	}
}

// Close discards all state for partitions no longer owned. In-flight
// batches for a closed partition are abandoned from tracking: their
// completions are discarded and they are never retried against a
// partition this task does not own anymore.
func (e *Engine) Close(tps []record.TopicPartition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tp := range tps {
		e.gen[tp]++
		e.buf.Forget(tp)
		e.tracker.Forget(tp)
		e.flow.Forget(tp)
		e.logger.Info("partition closed", "topic", tp.Topic, "partition", tp.Partition)
	}
}

// Stop halts the engine: pending retry timers are canceled, no further
// dispatch is attempted, and completions of in-flight network calls are
// discarded rather than resurrecting state.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[*time.Timer]struct{})
	e.mu.Unlock()
	e.cancel()
	e.logger.Info("sink task stopped")
}

// dispatchLocked drains and launches batches. Without flush, a dispatch
// only happens while enough records are queued to fill the configured
// batch size; flush drains everything dispatchable. Partitions with an
// in-flight batch are skipped by the buffer, so at most one dispatch
// attempt exists per partition.
func (e *Engine) dispatchLocked(flush bool) {
	if e.stopped || e.fatal != nil {
		return
	}
	for {
		if !flush && e.buf.Queued() < e.cfg.BatchSize {
			return
		}
		batch := e.buf.Drain(e.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		e.launchLocked(batch, 0)
	}
}

// launchLocked records in-flight ranges and starts the network call in
// the background. The generation snapshot lets completions detect
// partitions that were closed (and possibly reopened) while the call
// was outstanding.
func (e *Engine) launchLocked(batch record.Batch, retriesUsed int) {
	gens := make(map[record.TopicPartition]uint64, 4)
	for tp, rng := range batch.Ranges() {
		gens[tp] = e.gen[tp]
		e.tracker.MarkInFlight(tp, rng.Lo, rng.Hi)
	}
	go func() {
		outcome := e.execute(batch)
		e.complete(batch, outcome, retriesUsed, gens)
	}()
}

// execute times one dispatch attempt and records its latency.
func (e *Engine) execute(batch record.Batch) bulk.Outcome {
	start := time.Now()
	outcome := e.dispatcher.Execute(e.ctx, batch)
	if e.metrics != nil {
		e.metrics.BulkLatency.WithLabelValues(outcomeLabel(outcome)).Observe(time.Since(start).Seconds())
	}
	return outcome
}

func outcomeLabel(o bulk.Outcome) string {
	switch {
	case o.Retryable != nil:
		return "retryable"
	case len(o.Rejections) > 0:
		return "partial"
	default:
		return "success"
	}
}

// complete hands a dispatch result back to the engine state.
func (e *Engine) complete(batch record.Batch, outcome bulk.Outcome, retriesUsed int, gens map[record.TopicPartition]uint64) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	live := e.filterLiveLocked(batch, gens)

	if outcome.Retryable != nil {
		if len(live) == 0 {
			// Every partition in the batch was reassigned while the
			// call was outstanding; nothing left to retry.
			e.mu.Unlock()
			return
		}
		if e.policy.ShouldRetry(retriesUsed) {
			e.scheduleRetryLocked(live, retriesUsed+1, gens)
			e.mu.Unlock()
			return
		}
		e.fatal = fmt.Errorf("bulk dispatch failed after %d retries: %w", e.policy.MaxRetries(), outcome.Retryable)
		e.logger.Error("retries exhausted, sink task failed",
			"retries", e.policy.MaxRetries(),
			"error", outcome.Retryable,
		)
		if e.metrics != nil {
			e.metrics.BulkRequests.WithLabelValues("failed").Inc()
		}
		e.mu.Unlock()
		return
	}

	rejs := e.liveRejectionsLocked(outcome.Rejections, gens)
	e.mu.Unlock()

	// Report rejections before advancing any offset, so a rejected
	// document reaches the dead letter topic at least once. Publishing
	// may hit the network, so it happens outside the lock.
	e.reportRejections(rejs)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	// Partitions may have been reassigned while rejections were
	// publishing; re-filter before acking.
	live = e.filterLiveLocked(live, gens)

	for tp, rng := range live.Ranges() {
		e.tracker.MarkAcked(tp, rng.Hi)
		e.buf.Complete(tp)
	}
	if e.metrics != nil {
		e.metrics.BulkRequests.WithLabelValues(outcomeLabel(outcome)).Inc()
	}

	e.dispatchLocked(false)
	d := e.flow.Evaluate(e.buf.SizeByPartition())
	e.updateBufferGaugeLocked()
	e.mu.Unlock()

	e.signal(d)
}

// scheduleRetryLocked arms a timer to resubmit the batch after backoff.
// The wait never blocks the thread answering Put or PreCommit; the task
// stays responsive and unrelated partitions keep draining.
func (e *Engine) scheduleRetryLocked(batch record.Batch, retryNumber int, gens map[record.TopicPartition]uint64) {
	delay := e.policy.NextDelay(retryNumber)
	e.logger.Warn("bulk dispatch failed, scheduling retry",
		"retry", retryNumber,
		"max_retries", e.policy.MaxRetries(),
		"delay", delay.String(),
		"records", len(batch),
	)
	if e.metrics != nil {
		e.metrics.RetriesTotal.Inc()
		e.metrics.BulkRequests.WithLabelValues("retryable").Inc()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, timer)
		if e.stopped || e.fatal != nil {
			e.mu.Unlock()
			return
		}
		live := e.filterLiveLocked(batch, gens)
		if len(live) == 0 {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		outcome := e.execute(live)
		e.complete(live, outcome, retryNumber, gens)
	})
	e.timers[timer] = struct{}{}
}

// filterLiveLocked drops records whose partition was closed since the
// batch was dispatched. A completion for a closed partition must never
// mutate its state (the partition may already belong to another task),
// so those records are silently discarded.
func (e *Engine) filterLiveLocked(batch record.Batch, gens map[record.TopicPartition]uint64) record.Batch {
	live := batch[:0:0]
	dropped := 0
	for _, r := range batch {
		tp := r.TopicPartition()
		if e.gen[tp] == gens[tp] {
			live = append(live, r)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Debug("discarded completion for reassigned partitions", "records", dropped)
	}
	return live
}

// liveRejectionsLocked drops rejections whose partition was closed
// since dispatch; their documents belong to whichever task owns the
// partition now.
func (e *Engine) liveRejectionsLocked(rejs []bulk.Rejection, gens map[record.TopicPartition]uint64) []bulk.Rejection {
	live := rejs[:0:0]
	for _, rej := range rejs {
		if tp := rej.Record.TopicPartition(); e.gen[tp] == gens[tp] {
			live = append(live, rej)
		}
	}
	return live
}

func (e *Engine) reportRejections(rejections []bulk.Rejection) {
	for _, rej := range rejections {
		e.logger.Error("document rejected by store",
			"topic", rej.Record.Topic,
			"partition", rej.Record.Partition,
			"offset", rej.Record.Offset,
			"status", rej.Status,
			"reason", rej.Reason,
		)
		if e.metrics != nil {
			e.metrics.RejectedDocs.WithLabelValues(rej.Record.Topic).Inc()
		}
		if e.reporter != nil {
			if err := e.reporter.Report(e.ctx, rej); err != nil {
				e.logger.Error("failed to report rejected document",
					"topic", rej.Record.Topic,
					"offset", rej.Record.Offset,
					"error", err,
				)
			}
		}
	}
}

func (e *Engine) signal(d backpressure.Decision) {
	if d.Empty() || e.pauser == nil {
		return
	}
	if len(d.Pause) > 0 {
		e.pauser.Pause(d.Pause)
		for _, tp := range d.Pause {
			e.logger.Info("pausing partition", "topic", tp.Topic, "partition", tp.Partition)
		}
		if e.metrics != nil {
			e.metrics.FlowTransitions.WithLabelValues("pause").Add(float64(len(d.Pause)))
		}
	}
	if len(d.Resume) > 0 {
		e.pauser.Resume(d.Resume)
		for _, tp := range d.Resume {
			e.logger.Info("resuming partition", "topic", tp.Topic, "partition", tp.Partition)
		}
		if e.metrics != nil {
			e.metrics.FlowTransitions.WithLabelValues("resume").Add(float64(len(d.Resume)))
		}
	}
}

func (e *Engine) updateBufferGaugeLocked() {
	if e.metrics == nil {
		return
	}
	for tp, n := range e.buf.SizeByPartition() {
		e.metrics.BufferRecords.
			WithLabelValues(tp.Topic, strconv.FormatInt(int64(tp.Partition), 10)).
			Set(float64(n))
	}
}
