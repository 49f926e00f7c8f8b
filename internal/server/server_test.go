package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/analysis"
	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/logger"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/privacy"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
	"github.com/raaihank/contract-sentinel/internal/websocket"
)

const leaseText = "Please contact jane@example.com about the lease."

type stubAnalyzer struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	a.calls.Add(1)
	if a.fail.Load() {
		return nil, &analysis.Error{Kind: analysis.KindAuth, Err: errors.New("401 unauthorized")}
	}
	return analysis.Result{"contact": "[EMAIL_1]"}, nil
}

func (a *stubAnalyzer) Model() string { return "test-model" }

type testServer struct {
	server   *Server
	handler  http.Handler
	analyzer *stubAnalyzer
	store    *store.MemoryStore
	queue    *queue.MemoryQueue
	cfg      *config.Config
}

func newTestServer(t *testing.T, withQueue bool, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Server.SpoolDir = t.TempDir()
	cfg.Server.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	detector, err := privacy.New(cfg.Privacy, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	mem := store.NewMemoryStore()
	analyzer := &stubAnalyzer{}
	orch := pipeline.New(pipeline.Deps{
		Extractor: extract.New(extract.Config{MaxBytes: cfg.Extraction.MaxBytes, Timeout: time.Second}, zap.NewNop()),
		Tokenizer: detector,
		Analyzer:  analyzer,
		Store:     mem,
		Runs:      mem,
	}, pipeline.Config{Schema: "freeform"}, zap.NewNop())

	ts := &testServer{analyzer: analyzer, store: mem, cfg: cfg}
	deps := Deps{Pipeline: orch, Documents: mem}
	if withQueue {
		ts.queue = queue.NewMemoryQueue(10, 10*time.Millisecond)
		deps.Queue = ts.queue
	}

	srv, err := New(cfg, deps, &logger.Logger{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts.server = srv
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postText(t *testing.T, path, text string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"text": text, "source_identifier": "lease.txt"})
	return ts.do(t, http.MethodPost, path, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t, false, nil)

	rec := ts.postText(t, "/v1/documents", leaseText)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a request id header")
	}
	resp := decode[processResponse](t, rec)
	if resp.Result.Analysis["contact"] != "jane@example.com" {
		t.Errorf("Expected restored email, got %v", resp.Result.Analysis)
	}
	if resp.State != pipeline.StatePersisted || resp.Result.Source != "lease.txt" {
		t.Errorf("Unexpected response %+v", resp)
	}
	id := resp.DocumentID

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+id, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on get, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/documents?limit=10", nil, "")
	list := decode[struct {
		Documents []store.Summary `json:"documents"`
		Total     int             `json:"total"`
	}](t, rec)
	if list.Total != 1 || len(list.Documents) != 1 || list.Documents[0].DocumentID != id {
		t.Errorf("Unexpected list %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+id+"/run", nil, "")
	run := decode[store.RunRecord](t, rec)
	if run.State != string(pipeline.StatePersisted) {
		t.Errorf("Expected PERSISTED run, got %+v", run)
	}

	if rec = ts.do(t, http.MethodDelete, "/v1/documents/"+id, nil, ""); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+id, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 after delete, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Error.Kind != "not_found" {
		t.Errorf("Unexpected error body %+v", body)
	}
}

func TestCreateDocumentErrors(t *testing.T) {
	ts := newTestServer(t, false, nil)

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"missing text", `{"text": "  "}`, http.StatusBadRequest, "invalid_request"},
		{"malformed json", `{"text": `, http.StatusBadRequest, "invalid_request"},
		{"oversized id", `{"text": "x", "document_id": "` + strings.Repeat("a", 200) + `"}`, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/documents", []byte(tt.body), "application/json")
			if rec.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if body := decode[errorBody](t, rec); body.Error.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %+v", tt.kind, body)
			}
		})
	}
}

func TestAnalysisFailureResponse(t *testing.T) {
	ts := newTestServer(t, false, nil)
	ts.analyzer.fail.Store(true)

	rec := ts.postText(t, "/v1/documents", leaseText)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Error.Kind != "auth_error" || body.Error.State != string(pipeline.StateAnalyzing) || body.Error.Retryable {
		t.Errorf("Unexpected error body %+v", body)
	}
	if strings.Contains(rec.Body.String(), "jane@example.com") {
		t.Error("Error response exposes an original value")
	}

	// direct text has no re-readable source
	id := pipeline.DocumentID([]byte(leaseText))
	if rec = ts.do(t, http.MethodPost, "/v1/documents/"+id+"/retry", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on retry, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, filename string, content []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	fw.Write(content)
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t, false, nil)

	body, ct := multipartBody(t, "lease.txt", []byte(leaseText))
	rec := ts.do(t, http.MethodPost, "/v1/documents", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[processResponse](t, rec)
	if resp.DocumentID != pipeline.DocumentID([]byte(leaseText)) {
		t.Errorf("Expected content-derived id, got %s", resp.DocumentID)
	}

	body, ct = multipartBody(t, "lease.docx", []byte("PK\x03\x04binary"))
	rec = ts.do(t, http.MethodPost, "/v1/documents", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unsupported format, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorBody](t, rec); got.Error.Kind != "unsupported_format" || got.Error.State != string(pipeline.StateCreated) {
		t.Errorf("Unexpected error body %+v", got)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, false, func(cfg *config.Config) { cfg.Server.MaxUpload = 16 })

	body, ct := multipartBody(t, "lease.txt", []byte(leaseText))
	rec := ts.do(t, http.MethodPost, "/v1/documents", body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAsyncProcessing(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ctx := context.Background()
	ts.analyzer.fail.Store(true)

	rec := ts.postText(t, "/v1/documents?async=true", leaseText)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	queued := decode[queuedResponse](t, rec)

	d, err := ts.queue.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if d.Task.DocumentID != queued.DocumentID || !strings.HasPrefix(d.Task.SourcePath, ts.cfg.Server.SpoolDir) {
		t.Fatalf("Unexpected task %+v", d.Task)
	}

	// a failed run keeps the spooled source for a retry
	if err := ts.server.HandleTask(ctx, d.Task); err == nil {
		t.Fatal("Expected task to fail")
	}
	if _, err := os.Stat(d.Task.SourcePath); err != nil {
		t.Fatalf("Expected spooled file to remain: %v", err)
	}

	ts.analyzer.fail.Store(false)
	rec = ts.do(t, http.MethodPost, "/v1/documents/"+queued.DocumentID+"/retry?async=true", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 on retry, got %d: %s", rec.Code, rec.Body.String())
	}
	d, err = ts.queue.Dequeue(ctx)
	if err != nil || d == nil || !d.Task.Redrive {
		t.Fatalf("Expected a redrive task, got %v %v", d, err)
	}
	if err := ts.server.HandleTask(ctx, d.Task); err != nil {
		t.Fatalf("Failed to handle redrive: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+queued.DocumentID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected stored result, got %d", rec.Code)
	}
	entries, _ := os.ReadDir(ts.cfg.Server.SpoolDir)
	if len(entries) != 0 {
		t.Errorf("Expected spool to be empty after success, found %d files", len(entries))
	}
}

func TestAsyncDisabled(t *testing.T) {
	ts := newTestServer(t, false, nil)
	if rec := ts.postText(t, "/v1/documents?async=true", leaseText); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a queue, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, false, func(cfg *config.Config) {
		cfg.Server.RateLimit.Enabled = true
		cfg.Server.RateLimit.RequestsPerMinute = 1
		cfg.Server.RateLimit.Burst = 1
	})

	if rec := ts.do(t, http.MethodGet, "/v1/documents", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/v1/documents", nil, "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("Expected 429 with Retry-After, got %d", rec.Code)
	}

	// health checks are not rate limited
	if rec := ts.do(t, http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("Expected healthy, got %d", rec.Code)
	}
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t, false, nil)
	for _, path := range []string{"/", "/info", "/health"} {
		rec := ts.do(t, http.MethodGet, path, nil, "")
		if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("%s: unexpected response %d %s", path, rec.Code, rec.Header().Get("Content-Type"))
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(true, 60, 2)
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("Expected burst to be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Expected third request to be limited")
	}
	rl.Allow("10.0.0.2")

	now = now.Add(30 * time.Minute)
	rl.Allow("10.0.0.2")
	if removed := rl.Cleanup(10 * time.Minute); removed != 1 || rl.Clients() != 1 {
		t.Errorf("Expected one idle client removed, got %d (%d left)", removed, rl.Clients())
	}

	rl.SetLimits(false, 0, 0)
	for i := 0; i < 10; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("Expected disabled limiter to allow everything")
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := getClientIP(req); got != "192.0.2.1" {
		t.Errorf("Expected remote host, got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := getClientIP(req); got != "203.0.113.7" {
		t.Errorf("Expected first forwarded address, got %s", got)
	}
}

func TestDashboardRoute(t *testing.T) {
	t.Run("served when the event stream is enabled", func(t *testing.T) {
		cfg := config.GetDefaults()
		cfg.WebSocket.Path = "/live-events"
		mem := store.NewMemoryStore()
		orch := pipeline.New(pipeline.Deps{Store: mem, Runs: mem}, pipeline.Config{}, zap.NewNop())
		hub := websocket.NewHub(cfg.WebSocket, zap.NewNop())

		srv, err := New(cfg, Deps{Pipeline: orch, Documents: mem, Hub: hub}, &logger.Logger{Logger: zap.NewNop()})
		if err != nil {
			t.Fatalf("Failed to create server: %v", err)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "live-events") {
			t.Error("Expected dashboard to subscribe to the configured event path")
		}
	})

	t.Run("absent without a hub", func(t *testing.T) {
		ts := newTestServer(t, false, nil)
		rec := ts.do(t, http.MethodGet, "/dashboard", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})
}
