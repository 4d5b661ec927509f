// Package bulk sends batches of records to the document store's bulk
// endpoint and classifies each attempt as success, partial failure, or
// retryable failure. The executor never retries; resubmitting the same
// batch is the engine's responsibility.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lsm/docsink/internal/breaker"
	"github.com/lsm/docsink/internal/record"
	"github.com/lsm/docsink/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds the configuration for the bulk executor.
type Config struct {
	URL            string        // base URL of the document store
	Username       string        // optional basic auth
	Password       string
	IndexPrefix    string        // prepended to the lowercased topic name
	UseRecordKey   bool          // document ID from record key instead of topic+partition+offset
	RequestTimeout time.Duration // deadline for one bulk request
	RequestsPerSec float64       // client-side throttle, 0 disables
	Breaker        breaker.Config
}

// Executor posts batches to <url>/_bulk.
type Executor struct {
	client  *http.Client
	cfg     Config
	limiter *limiter
	breaker *breaker.Breaker
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewExecutor creates a bulk executor.
func NewExecutor(cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:     cfg,
		limiter: newLimiter(cfg.RequestsPerSec),
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("bulk-executor"),
	}
	if cfg.Breaker.Enabled {
		e.breaker = breaker.New(cfg.Breaker)
	}
	return e, nil
}

// SetTracer sets the tracer for the executor.
func (e *Executor) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

// Execute sends one batch to the store. The configured request timeout
// bounds the attempt; exceeding it classifies as a retryable failure.
func (e *Executor) Execute(ctx context.Context, batch record.Batch) Outcome {
	if len(batch) == 0 {
		return Outcome{}
	}

	requestID := uuid.NewString()
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanBulkDispatch,
		trace.WithAttributes(
			tracing.StoreTargetAttr(e.cfg.URL),
			tracing.BulkRequestIDAttr(requestID),
			tracing.BatchSizeAttr(len(batch)),
		),
	)
	defer span.End()

	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			tracing.SetSpanError(span, err)
			return Outcome{Retryable: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := e.limiter.wait(ctx); err != nil {
		tracing.SetSpanError(span, err)
		return Outcome{Retryable: fmt.Errorf("rate limit wait: %w", err)}
	}

	// Records whose value is not valid JSON never reach the store;
	// they are rejected locally so the rest of the batch still ships.
	body, sent, local := e.encode(batch)

	var rejections []Rejection
	rejections = append(rejections, local...)

	if len(sent) > 0 {
		items, err := e.send(ctx, requestID, body)
		if err != nil {
			if e.breaker != nil {
				e.breaker.RecordFailure()
			}
			tracing.SetSpanError(span, err)
			e.logger.Warn("bulk request failed",
				"request_id", requestID,
				"docs", len(sent),
				"latency_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return Outcome{Retryable: err}
		}

		storeRejections, retryable := classifyItems(sent, items)
		if retryable != nil {
			if e.breaker != nil {
				e.breaker.RecordFailure()
			}
			tracing.SetSpanError(span, retryable)
			e.logger.Warn("bulk request partially overloaded, will resubmit",
				"request_id", requestID,
				"docs", len(sent),
				"error", retryable,
			)
			return Outcome{Retryable: retryable}
		}
		rejections = append(rejections, storeRejections...)
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	tracing.SetSpanOK(span)
	e.logger.Debug("bulk request complete",
		"request_id", requestID,
		"docs", len(batch),
		"rejected", len(rejections),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return Outcome{Rejections: rejections}
}

// encode builds the ND-JSON bulk body. Returns the body, the records
// actually included, and local rejections for undecodable values.
func (e *Executor) encode(batch record.Batch) ([]byte, []record.Record, []Rejection) {
	var buf bytes.Buffer
	var sent []record.Record
	var local []Rejection

	for _, r := range batch {
		if !json.Valid(r.Value) {
			local = append(local, Rejection{
				Record: r,
				Status: http.StatusBadRequest,
				Reason: "record value is not valid JSON",
			})
			continue
		}

		action := map[string]map[string]string{
			"index": {
				"_index": e.indexFor(r.Topic),
				"_id":    e.documentID(r),
			},
		}
		meta, _ := json.Marshal(action)
		buf.Write(meta)
		buf.WriteByte('\n')

		var compact bytes.Buffer
		_ = json.Compact(&compact, r.Value)
		buf.Write(compact.Bytes())
		buf.WriteByte('\n')

		sent = append(sent, r)
	}
	return buf.Bytes(), sent, local
}

func (e *Executor) indexFor(topic string) string {
	return e.cfg.IndexPrefix + strings.ToLower(topic)
}

func (e *Executor) documentID(r record.Record) string {
	if e.cfg.UseRecordKey && len(r.Key) > 0 {
		return string(r.Key)
	}
	return fmt.Sprintf("%s+%d+%d", r.Topic, r.Partition, r.Offset)
}

// send performs the HTTP round trip and decodes per-item results.
// Any transport error, timeout, 429, or 5xx is returned as an error for
// the caller to classify as retryable.
func (e *Executor) send(ctx context.Context, requestID string, body []byte) ([]bulkItem, error) {
	url := strings.TrimSuffix(e.cfg.URL, "/") + "/_bulk"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Request-Id", requestID)
	if e.cfg.Username != "" {
		req.SetBasicAuth(e.cfg.Username, e.cfg.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	items := make([]bulkItem, 0, len(parsed.Items))
	for _, wrapper := range parsed.Items {
		for _, item := range wrapper {
			items = append(items, item)
		}
	}
	return items, nil
}

// classifyItems maps per-item results onto the sent records by
// position. Item statuses of 429 or 5xx mean the store shed load; the
// whole batch is treated as retryable so no offset advances past it.
func classifyItems(sent []record.Record, items []bulkItem) ([]Rejection, error) {
	if len(items) != len(sent) {
		return nil, fmt.Errorf("bulk response item count %d does not match request %d", len(items), len(sent))
	}

	var rejections []Rejection
	for i, item := range items {
		switch {
		case item.Status < 400:
			// accepted
		case item.Status == http.StatusTooManyRequests || item.Status >= 500:
			return nil, &StatusError{Code: item.Status}
		default:
			reason := item.Error.Reason
			if reason == "" {
				reason = item.Error.Type
			}
			rejections = append(rejections, Rejection{
				Record: sent[i],
				Status: item.Status,
				Reason: reason,
			})
		}
	}
	return rejections, nil
}

// bulkResponse mirrors the store's bulk API response shape. Each item
// is keyed by its action name ("index", "create", ...).
type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	Status int `json:"status"`
	Error  struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}
