package bulk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lsm/docsink/internal/breaker"
	"github.com/lsm/docsink/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(topic string, partition int32, offset int64, value string) record.Record {
	return record.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
	}
}

// bulkReply writes a store bulk response with the given per-item statuses.
func bulkReply(w http.ResponseWriter, statuses ...int) {
	items := make([]map[string]map[string]any, 0, len(statuses))
	hasErrors := false
	for _, st := range statuses {
		item := map[string]any{"status": st}
		if st >= 400 {
			hasErrors = true
			item["error"] = map[string]string{
				"type":   "mapper_parsing_exception",
				"reason": "failed to parse field",
			}
		}
		items = append(items, map[string]map[string]any{"index": item})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": hasErrors,
		"items":  items,
	})
}

// parseBulkBody splits an ND-JSON bulk body into (action, document) pairs.
func parseBulkBody(t *testing.T, body []byte) []map[string]map[string]string {
	t.Helper()
	var actions []map[string]map[string]string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for i := 0; sc.Scan(); i++ {
		if i%2 != 0 {
			continue
		}
		var action map[string]map[string]string
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil {
			t.Fatalf("invalid action line %q: %v", sc.Text(), err)
		}
		actions = append(actions, action)
	}
	return actions
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := NewExecutor(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

func TestExecute_Success(t *testing.T) {
	var gotPath, gotRequestID, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-Id")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		bulkReply(w, 201, 201)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{
		testRecord("Orders", 0, 10, `{"id":1}`),
		testRecord("Orders", 0, 11, `{"id":2}`),
	})

	if !out.OK() {
		t.Fatalf("expected success, got %+v", out)
	}
	if gotPath != "/_bulk" {
		t.Errorf("path = %q, want /_bulk", gotPath)
	}
	if gotRequestID == "" {
		t.Error("expected X-Request-Id header")
	}
	if gotContentType != "application/x-ndjson" {
		t.Errorf("content type = %q", gotContentType)
	}

	actions := parseBulkBody(t, gotBody)
	if len(actions) != 2 {
		t.Fatalf("expected 2 action lines, got %d", len(actions))
	}
	if got := actions[0]["index"]["_index"]; got != "orders" {
		t.Errorf("index = %q, want lowercased topic", got)
	}
	if got := actions[0]["index"]["_id"]; got != "Orders+0+10" {
		t.Errorf("document id = %q, want Orders+0+10", got)
	}
	if got := actions[1]["index"]["_id"]; got != "Orders+0+11" {
		t.Errorf("document id = %q, want Orders+0+11", got)
	}
}

func TestExecute_IndexPrefix(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		bulkReply(w, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL, IndexPrefix: "sink-"})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out)
	}
	actions := parseBulkBody(t, gotBody)
	if got := actions[0]["index"]["_index"]; got != "sink-orders" {
		t.Errorf("index = %q, want sink-orders", got)
	}
}

func TestExecute_RecordKeyAsDocumentID(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		bulkReply(w, 200, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL, UseRecordKey: true})
	keyed := testRecord("orders", 0, 1, `{}`)
	keyed.Key = []byte("order-42")
	unkeyed := testRecord("orders", 0, 2, `{}`)

	out := e.Execute(context.Background(), record.Batch{keyed, unkeyed})
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out)
	}
	actions := parseBulkBody(t, gotBody)
	if got := actions[0]["index"]["_id"]; got != "order-42" {
		t.Errorf("document id = %q, want record key", got)
	}
	// Records without a key fall back to the coordinate id.
	if got := actions[1]["index"]["_id"]; got != "orders+0+2" {
		t.Errorf("document id = %q, want orders+0+2", got)
	}
}

func TestExecute_InvalidJSONRejectedLocally(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		bulkReply(w, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{
		testRecord("orders", 0, 1, `{broken`),
		testRecord("orders", 0, 2, `{"ok":true}`),
	})

	if out.Retryable != nil {
		t.Fatalf("expected acked outcome, got retryable %v", out.Retryable)
	}
	if len(out.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(out.Rejections))
	}
	if out.Rejections[0].Record.Offset != 1 {
		t.Errorf("rejected offset = %d, want 1", out.Rejections[0].Record.Offset)
	}
	// Only the valid record reaches the store.
	if actions := parseBulkBody(t, gotBody); len(actions) != 1 {
		t.Errorf("expected 1 shipped document, got %d", len(actions))
	}
}

func TestExecute_AllInvalid_NoRequestSent(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		bulkReply(w)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `not json`)})

	if requests != 0 {
		t.Errorf("expected no request, got %d", requests)
	}
	if len(out.Rejections) != 1 || out.Retryable != nil {
		t.Fatalf("expected 1 local rejection, got %+v", out)
	}
}

func TestExecute_ItemMappingError_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bulkReply(w, 200, 400, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{
		testRecord("orders", 0, 1, `{}`),
		testRecord("orders", 0, 2, `{}`),
		testRecord("orders", 0, 3, `{}`),
	})

	if !out.Acked() {
		t.Fatalf("partial failure must still ack, got retryable %v", out.Retryable)
	}
	if len(out.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(out.Rejections))
	}
	rej := out.Rejections[0]
	if rej.Record.Offset != 2 || rej.Status != 400 {
		t.Errorf("rejection = %+v, want offset 2 status 400", rej)
	}
	if !strings.Contains(rej.Reason, "failed to parse") {
		t.Errorf("reason = %q, want store-provided reason", rej.Reason)
	}
}

func TestExecute_ItemOverload_WholeBatchRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bulkReply(w, 200, 429)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{
		testRecord("orders", 0, 1, `{}`),
		testRecord("orders", 0, 2, `{}`),
	})

	if out.Retryable == nil {
		t.Fatal("expected retryable outcome")
	}
	var se *StatusError
	if !errors.As(out.Retryable, &se) || se.Code != 429 {
		t.Errorf("error = %v, want status 429", out.Retryable)
	}
}

func TestExecute_ServerError_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})

	var se *StatusError
	if !errors.As(out.Retryable, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", out.Retryable)
	}
}

func TestExecute_Timeout_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		bulkReply(w, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL, RequestTimeout: 20 * time.Millisecond})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})

	if out.Retryable == nil {
		t.Fatal("expected timeout to be retryable")
	}
}

func TestExecute_ConnectionRefused_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})
	if out.Retryable == nil {
		t.Fatal("expected connection error to be retryable")
	}
}

func TestExecute_ItemCountMismatch_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bulkReply(w, 200, 200, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})
	if out.Retryable == nil {
		t.Fatal("expected mismatched response to be retryable")
	}
}

func TestExecute_EmptyBatch(t *testing.T) {
	e := newTestExecutor(t, Config{URL: "http://127.0.0.1:1"})
	out := e.Execute(context.Background(), nil)
	if !out.OK() {
		t.Fatalf("expected no-op success, got %+v", out)
	}
}

func TestExecute_BasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		bulkReply(w, 200)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{URL: srv.URL, Username: "sink", Password: "secret"})
	out := e.Execute(context.Background(), record.Batch{testRecord("orders", 0, 1, `{}`)})
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out)
	}
	if gotUser != "sink" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
}

func TestExecute_BreakerOpens(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestExecutor(t, Config{
		URL: srv.URL,
		Breaker: breaker.Config{
			Enabled:          true,
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     time.Hour,
		},
	})

	batch := record.Batch{testRecord("orders", 0, 1, `{}`)}
	for i := 0; i < 5; i++ {
		out := e.Execute(context.Background(), batch)
		if out.Retryable == nil {
			t.Fatalf("attempt %d: expected retryable", i)
		}
	}
	if requests != 2 {
		t.Errorf("server saw %d requests, want 2 before circuit opened", requests)
	}
}

func TestNewExecutor_RequiresURL(t *testing.T) {
	if _, err := NewExecutor(Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestRejectionError(t *testing.T) {
	r := Rejection{
		Record: testRecord("orders", 2, 7, `{}`),
		Status: 400,
		Reason: "bad mapping",
	}
	want := fmt.Sprintf("document orders+2+7 rejected (status %d): bad mapping", 400)
	if got := r.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
