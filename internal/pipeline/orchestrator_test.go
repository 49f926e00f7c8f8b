package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raaihank/contract-sentinel/internal/analysis"
	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/privacy"
	"github.com/raaihank/contract-sentinel/internal/store"
)

const contractText = "John Doe signed with Acme Corp on 2024-01-01."

var contractValues = map[string]privacy.Kind{
	"John Doe":   privacy.KindPerson,
	"Acme Corp":  privacy.KindOrg,
	"2024-01-01": privacy.KindDate,
}

// valueRecognizer finds every occurrence of known values
type valueRecognizer struct {
	values map[string]privacy.Kind
}

func (r *valueRecognizer) Name() string { return "custom" }

func (r *valueRecognizer) Recognize(ctx context.Context, text string) ([]privacy.Entity, error) {
	var found []privacy.Entity
	for value, kind := range r.values {
		for offset := 0; ; {
			i := strings.Index(text[offset:], value)
			if i < 0 {
				break
			}
			start := offset + i
			found = append(found, privacy.Entity{Kind: kind, Start: start, End: start + len(value), Confidence: 0.9})
			offset = start + len(value)
		}
	}
	return found, nil
}

type countingTokenizer struct {
	inner Tokenizer
	err   error
	calls atomic.Int32
}

func (t *countingTokenizer) Tokenize(ctx context.Context, text string) (*privacy.TokenMap, error) {
	t.calls.Add(1)
	if t.err != nil {
		return nil, t.err
	}
	return t.inner.Tokenize(ctx, text)
}

type fakeExtractor struct {
	text    string
	err     error
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (e *fakeExtractor) Extract(ctx context.Context, src extract.Source) (string, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return "", e.err
	}
	if e.text != "" {
		return e.text, nil
	}
	return string(src.Data), nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []analysis.Request
	respond  func(req analysis.Request) (analysis.Result, error)
	started  chan struct{}
	release  chan struct{}
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.respond(req)
}

func (a *fakeAnalyzer) Model() string { return "test-model" }

func (a *fakeAnalyzer) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func partiesResult(req analysis.Request) (analysis.Result, error) {
	return analysis.Result{
		"parties": []any{"[PERSON_1]", "[ORG_1]"},
		"date":    "[DATE_1]",
	}, nil
}

type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) Upsert(ctx context.Context, result *store.Result) error {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return &store.PersistenceError{Op: "upsert", Err: errors.New("connection refused")}
	}
	return s.MemoryStore.Upsert(ctx, result)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) states(documentID string) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var states []State
	for _, e := range l.events {
		if e.Type == EventRunState && e.DocumentID == documentID {
			states = append(states, e.State)
		}
	}
	return states
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	orchestrator *Orchestrator
	extractor    *fakeExtractor
	tokenizer    *countingTokenizer
	analyzer     *fakeAnalyzer
	store        *flakyStore
	events       *eventLog
	logs         *observer.ObservedLogs
}

func newHarness(t *testing.T, analyzer Analyzer, withCache bool) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	mem := store.NewMemoryStore()
	h := &harness{
		extractor: &fakeExtractor{},
		tokenizer: &countingTokenizer{inner: privacy.NewWithRecognizers(0.5, log, &valueRecognizer{values: contractValues})},
		store:     &flakyStore{MemoryStore: mem},
		events:    &eventLog{},
		logs:      logs,
	}
	if fa, ok := analyzer.(*fakeAnalyzer); ok {
		h.analyzer = fa
	}

	deps := Deps{
		Extractor: h.extractor,
		Tokenizer: h.tokenizer,
		Analyzer:  analyzer,
		Store:     h.store,
		Runs:      mem,
		Events:    h.events,
	}
	if withCache {
		deps.Cache = cache.NewMemoryCache(time.Hour)
	}
	h.orchestrator = New(deps, Config{Schema: "freeform", PersistTimeout: time.Second}, log)
	return h
}

func textJob(id, text string) Job {
	return Job{DocumentID: id, Source: extract.TextSource(text, "")}
}

func TestContractScenario(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)

	outcome, err := h.orchestrator.Process(context.Background(), textJob("doc-1", contractText))
	if err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	if got := analyzer.requests[0].Text; got != "[PERSON_1] signed with [ORG_1] on [DATE_1]." {
		t.Errorf("Unexpected sanitized text %q", got)
	}

	want := map[string]any{"parties": []any{"John Doe", "Acme Corp"}, "date": "2024-01-01"}
	if !reflect.DeepEqual(outcome.Result.Analysis, want) {
		t.Errorf("Final result = %v, want %v", outcome.Result.Analysis, want)
	}
	if outcome.Result.EntityCount != 3 || outcome.Result.EntityKinds["PERSON"] != 1 {
		t.Errorf("Unexpected entity summary %d %v", outcome.Result.EntityCount, outcome.Result.EntityKinds)
	}

	wantStates := []State{StateCreated, StateExtracted, StateTokenized, StateAnalyzing, StateAnalyzed, StateRestored, StatePersisted}
	if !reflect.DeepEqual(outcome.States, wantStates) {
		t.Errorf("States = %v, want %v", outcome.States, wantStates)
	}
	if got := h.events.states("doc-1"); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("Published states = %v, want %v", got, wantStates)
	}

	stored, err := h.store.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Failed to load stored result: %v", err)
	}
	if !reflect.DeepEqual(stored.Analysis, want) {
		t.Errorf("Stored result = %v, want %v", stored.Analysis, want)
	}

	run, err := h.orchestrator.Status(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Failed to load run: %v", err)
	}
	if run.State != string(StatePersisted) || run.ContentHash == "" || run.SanitizedHash == "" {
		t.Errorf("Unexpected checkpoint %+v", run)
	}

	detections := h.events.ofType(EventPIIDetection)
	if len(detections) != 1 || detections[0].EntityCounts["ORG"] != 1 {
		t.Errorf("Unexpected detection events %+v", detections)
	}
}

func TestNoPIIInLogsOrEvents(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: func(analysis.Request) (analysis.Result, error) {
		return analysis.Result{"party": "[PERSON_1]", "other": "[PERSON_9]"}, nil
	}}
	h := newHarness(t, analyzer, false)

	if _, err := h.orchestrator.Process(context.Background(), textJob("doc-1", contractText)); err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	for _, entry := range h.logs.All() {
		line := entry.Message + fmt.Sprint(entry.ContextMap())
		for value := range contractValues {
			if strings.Contains(line, value) {
				t.Errorf("Log entry %q exposes %q", entry.Message, value)
			}
		}
	}
	for _, e := range h.events.events {
		line := fmt.Sprintf("%+v", e)
		for value := range contractValues {
			if strings.Contains(line, value) {
				t.Errorf("Event %s exposes %q", e.Type, value)
			}
		}
	}

	warnings := h.events.ofType(EventDataIntegrity)
	if len(warnings) != 1 || warnings[0].Warnings[0].Token != "[PERSON_9]" {
		t.Errorf("Expected a data integrity event for [PERSON_9], got %+v", warnings)
	}
}

func TestRateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	completer := completerFunc(func(ctx context.Context, p analysis.Prompt) (string, error) {
		if calls.Add(1) <= 2 {
			return "", &analysis.Error{Kind: analysis.KindRateLimited, Err: errors.New("429")}
		}
		return `{"parties": ["[PERSON_1]"]}`, nil
	})
	client := analysis.NewClient(completer, analysis.Config{
		Model:       "grok-beta",
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, zap.NewNop(), analysis.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	h := newHarness(t, client, false)
	outcome, err := h.orchestrator.Process(context.Background(), textJob("doc-1", contractText))
	if err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("Expected exactly 3 service calls, got %d", calls.Load())
	}
	if !containsState(outcome.States, StateAnalyzed) {
		t.Errorf("Expected run to reach ANALYZED, got %v", outcome.States)
	}
	if outcome.Result.Model != "grok-beta" {
		t.Errorf("Expected model to be recorded, got %q", outcome.Result.Model)
	}
}

type completerFunc func(ctx context.Context, p analysis.Prompt) (string, error)

func (f completerFunc) Complete(ctx context.Context, p analysis.Prompt) (string, error) { return f(ctx, p) }

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		reason    Reason
		lastState State
		kind      string
		retryable bool
	}{
		{
			name: "corrupt document",
			setup: func(h *harness) {
				h.extractor.err = &extract.Error{Kind: extract.KindCorruptDocument, Source: "x.pdf", Err: errors.New("bad xref")}
			},
			reason:    ReasonExtraction,
			lastState: StateCreated,
			kind:      "corrupt_document",
		},
		{
			name: "detector backend failure",
			setup: func(h *harness) {
				h.tokenizer.err = &privacy.DetectionError{Recognizer: "ner", Err: errors.New("session closed")}
			},
			reason:    ReasonDetection,
			lastState: StateExtracted,
			kind:      "detection_error",
			retryable: true,
		},
		{
			name: "authentication failure",
			setup: func(h *harness) {
				h.analyzer.respond = func(analysis.Request) (analysis.Result, error) {
					return nil, &analysis.Error{Kind: analysis.KindAuth, Err: errors.New("401")}
				}
			},
			reason:    ReasonAnalysis,
			lastState: StateAnalyzing,
			kind:      "auth_error",
		},
		{
			name: "retry budget exhausted",
			setup: func(h *harness) {
				h.analyzer.respond = func(analysis.Request) (analysis.Result, error) {
					return nil, &analysis.Error{Kind: analysis.KindRetryBudgetExhausted, Attempts: 3, Err: errors.New("503")}
				}
			},
			reason:    ReasonAnalysis,
			lastState: StateAnalyzing,
			kind:      "retry_budget_exhausted",
			retryable: true,
		},
		{
			name:      "storage failure",
			setup:     func(h *harness) { h.store.failures.Store(1) },
			reason:    ReasonPersistence,
			lastState: StateRestored,
			kind:      "persistence_error",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeAnalyzer{respond: partiesResult}, false)
			tt.setup(h)

			_, err := h.orchestrator.Process(context.Background(), textJob("doc-1", contractText))
			var runErr *RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("Expected *RunError, got %v", err)
			}
			if runErr.Reason != tt.reason || runErr.LastState != tt.lastState || runErr.Kind != tt.kind || runErr.Retryable != tt.retryable {
				t.Errorf("Got %s/%s/%s retryable=%v, want %s/%s/%s retryable=%v",
					runErr.Reason, runErr.LastState, runErr.Kind, runErr.Retryable,
					tt.reason, tt.lastState, tt.kind, tt.retryable)
			}

			run, err := h.orchestrator.Status(context.Background(), "doc-1")
			if err != nil {
				t.Fatalf("Failed to load run: %v", err)
			}
			if run.State != string(StateFailed) || run.FailedReason != string(tt.reason) || run.LastState != string(tt.lastState) {
				t.Errorf("Unexpected checkpoint %+v", run)
			}

			if _, err := h.store.Get(context.Background(), "doc-1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Expected nothing persisted, got %v", err)
			}
		})
	}
}

func TestExtractionFailureSkipsLaterStages(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	h.extractor.err = &extract.Error{Kind: extract.KindCorruptDocument, Err: errors.New("not a PDF")}

	_, err := h.orchestrator.Process(context.Background(), textJob("doc-1", contractText))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonExtraction {
		t.Fatalf("Expected extraction failure, got %v", err)
	}
	if h.tokenizer.calls.Load() != 0 || analyzer.calls() != 0 {
		t.Errorf("Expected no tokenizer or analysis calls, got %d and %d", h.tokenizer.calls.Load(), analyzer.calls())
	}
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	analyzer := &fakeAnalyzer{
		respond: partiesResult,
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	h := newHarness(t, analyzer, false)

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	errs := make([]error, 2)
	process := func(i int) {
		defer wg.Done()
		outcomes[i], errs[i] = h.orchestrator.Process(context.Background(), textJob("doc-1", contractText))
	}

	wg.Add(1)
	go process(0)
	<-analyzer.started

	wg.Add(1)
	go process(1)
	time.Sleep(50 * time.Millisecond)
	close(analyzer.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}
	if analyzer.calls() != 1 {
		t.Errorf("Expected exactly one external call, got %d", analyzer.calls())
	}
	if h.extractor.calls.Load() != 1 {
		t.Errorf("Expected one shared run, got %d extractions", h.extractor.calls.Load())
	}
	if !outcomes[0].Shared || !outcomes[1].Shared {
		t.Error("Expected both callers to share one run")
	}
	if !reflect.DeepEqual(outcomes[0].Result.Analysis, outcomes[1].Result.Analysis) {
		t.Error("Coalesced callers received different results")
	}
}

func TestIdempotentReprocessing(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	ctx := context.Background()

	if _, err := h.orchestrator.Process(ctx, textJob("doc-1", contractText)); err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	outcome, err := h.orchestrator.Process(ctx, textJob("doc-1", contractText))
	if err != nil {
		t.Fatalf("Failed to reprocess: %v", err)
	}
	if !outcome.Skipped || analyzer.calls() != 1 {
		t.Errorf("Expected skip without analysis, got skipped=%v calls=%d", outcome.Skipped, analyzer.calls())
	}

	outcome, err = h.orchestrator.Process(ctx, Job{DocumentID: "doc-1", Source: extract.TextSource(contractText, ""), Force: true})
	if err != nil {
		t.Fatalf("Failed to force reprocess: %v", err)
	}
	if outcome.Skipped || analyzer.calls() != 2 {
		t.Errorf("Expected forced analysis, got skipped=%v calls=%d", outcome.Skipped, analyzer.calls())
	}

	// changed content under the same id is analyzed again
	if _, err := h.orchestrator.Process(ctx, textJob("doc-1", contractText+" Amended.")); err != nil {
		t.Fatalf("Failed to process amendment: %v", err)
	}
	if analyzer.calls() != 3 {
		t.Errorf("Expected analysis of changed content, got %d calls", analyzer.calls())
	}
}

func TestRedriveAfterPersistenceFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.txt")
	if err := os.WriteFile(path, []byte(contractText), 0o600); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	h.extractor.text = contractText
	h.store.failures.Store(1)
	ctx := context.Background()

	_, err := h.orchestrator.Process(ctx, Job{DocumentID: "doc-1", Source: extract.FileSource(path, "")})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonPersistence || !runErr.Retryable {
		t.Fatalf("Expected retryable persistence failure, got %v", err)
	}

	outcome, err := h.orchestrator.Redrive(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to redrive: %v", err)
	}
	if outcome.Result.Analysis["parties"].([]any)[0] != "John Doe" {
		t.Errorf("Unexpected redriven result %v", outcome.Result.Analysis)
	}

	if analyzer.requests[0].Text != analyzer.requests[1].Text {
		t.Errorf("Redrive produced different tokens: %q vs %q", analyzer.requests[0].Text, analyzer.requests[1].Text)
	}

	run, err := h.orchestrator.Status(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to load run: %v", err)
	}
	if run.State != string(StatePersisted) || run.Attempts != 2 || run.FailedReason != "" {
		t.Errorf("Unexpected checkpoint after redrive %+v", run)
	}
	if run.SourceName != "contract.txt" {
		t.Errorf("Expected source name from path, got %q", run.SourceName)
	}
}

func TestCacheSharesAnalysisAcrossDocuments(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, true)
	ctx := context.Background()

	first, err := h.orchestrator.Process(ctx, textJob("doc-1", contractText))
	if err != nil {
		t.Fatalf("Failed to process: %v", err)
	}
	second, err := h.orchestrator.Process(ctx, textJob("doc-2", contractText))
	if err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	if analyzer.calls() != 1 {
		t.Errorf("Expected one external call for identical sanitized text, got %d", analyzer.calls())
	}
	if first.Cached || !second.Cached {
		t.Errorf("Expected only the second run to hit the cache, got %v %v", first.Cached, second.Cached)
	}
	if !reflect.DeepEqual(first.Result.Analysis, second.Result.Analysis) {
		t.Error("Cached analysis restored differently")
	}
}

func TestSharedAnalysisSurvivesCancelledDocument(t *testing.T) {
	analyzer := &fakeAnalyzer{
		respond: partiesResult,
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	h := newHarness(t, analyzer, true)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var wg sync.WaitGroup
	var errA, errB error
	var outcomeB *Outcome

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = h.orchestrator.Process(ctxA, textJob("doc-a", contractText))
	}()
	<-analyzer.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomeB, errB = h.orchestrator.Process(context.Background(), textJob("doc-b", contractText))
	}()

	// doc-b joins doc-a's analysis of the same sanitized text
	time.Sleep(50 * time.Millisecond)
	cancelA()
	time.Sleep(20 * time.Millisecond)
	close(analyzer.release)
	wg.Wait()

	if !errors.Is(errA, context.Canceled) {
		t.Errorf("Expected doc-a to be cancelled, got %v", errA)
	}
	if errB != nil {
		t.Fatalf("Expected doc-b to succeed, got %v", errB)
	}
	if outcomeB.Result.Analysis["parties"].([]any)[0] != "John Doe" {
		t.Errorf("Unexpected doc-b result %v", outcomeB.Result.Analysis)
	}
	if analyzer.calls() != 1 {
		t.Errorf("Expected one shared external call, got %d", analyzer.calls())
	}
}

func TestForcedJobRerunsAfterJoiningSkippedRun(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	ctx := context.Background()

	if _, err := h.orchestrator.Process(ctx, textJob("doc-1", contractText)); err != nil {
		t.Fatalf("Failed to process: %v", err)
	}

	h.extractor.started = make(chan struct{}, 4)
	h.extractor.release = make(chan struct{})

	var wg sync.WaitGroup
	var plain, forced *Outcome
	var plainErr, forcedErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		plain, plainErr = h.orchestrator.Process(ctx, textJob("doc-1", contractText))
	}()
	<-h.extractor.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		job := textJob("doc-1", contractText)
		job.Force = true
		forced, forcedErr = h.orchestrator.Process(ctx, job)
	}()
	time.Sleep(50 * time.Millisecond)
	close(h.extractor.release)
	wg.Wait()

	if plainErr != nil || forcedErr != nil {
		t.Fatalf("Unexpected errors: %v, %v", plainErr, forcedErr)
	}
	if !plain.Skipped {
		t.Error("Expected the unforced run to skip unchanged content")
	}
	if forced.Skipped || analyzer.calls() != 2 {
		t.Errorf("Expected forced job to re-analyze, got skipped=%v calls=%d", forced.Skipped, analyzer.calls())
	}
}

func TestDerivedIDRespectsSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat(contractText, 10)), 0o600); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	h.orchestrator.cfg.MaxBytes = 64

	_, err := h.orchestrator.Process(context.Background(), Job{Source: extract.FileSource(path, "")})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonExtraction || runErr.Kind != string(extract.KindTooLarge) {
		t.Fatalf("Expected too_large extraction failure, got %v", err)
	}
	if runErr.Retryable {
		t.Error("Expected oversized document to be permanent")
	}
	if h.extractor.calls.Load() != 0 {
		t.Errorf("Expected no extraction, got %d", h.extractor.calls.Load())
	}
}

func TestDocumentIDIsDeterministic(t *testing.T) {
	a := DocumentID([]byte(contractText))
	if a != DocumentID([]byte(contractText)) {
		t.Error("Expected identical bytes to map to one id")
	}
	if a == DocumentID([]byte(contractText+" ")) {
		t.Error("Expected different bytes to map to different ids")
	}

	analyzer := &fakeAnalyzer{respond: partiesResult}
	h := newHarness(t, analyzer, false)
	outcome, err := h.orchestrator.Process(context.Background(), Job{Source: extract.TextSource(contractText, "")})
	if err != nil {
		t.Fatalf("Failed to process: %v", err)
	}
	if outcome.Result.DocumentID != a {
		t.Errorf("Expected derived id %s, got %s", a, outcome.Result.DocumentID)
	}
	if outcome.Result.Source != extract.DefaultSourceName {
		t.Errorf("Expected default source name, got %q", outcome.Result.Source)
	}
}

func TestRunTransitions(t *testing.T) {
	r := newRun("doc")
	if err := r.Advance(StateTokenized); err == nil {
		t.Error("Expected skipping a state to fail")
	}
	for _, s := range []State{StateExtracted, StateTokenized, StateAnalyzing} {
		if err := r.Advance(s); err != nil {
			t.Fatalf("Failed to advance to %s: %v", s, err)
		}
	}
	if err := r.Advance(StateExtracted); err == nil {
		t.Error("Expected moving backward to fail")
	}
	if err := r.Fail(ReasonAnalysis); err != nil {
		t.Fatalf("Failed to fail run: %v", err)
	}
	if r.State() != StateFailed || r.LastState() != StateAnalyzing || r.Reason() != ReasonAnalysis {
		t.Errorf("Unexpected failed run %s/%s/%s", r.State(), r.LastState(), r.Reason())
	}
	if err := r.Advance(StateAnalyzed); err == nil {
		t.Error("Expected terminal run to reject transitions")
	}
	if err := r.Fail(ReasonPersistence); err == nil {
		t.Error("Expected terminal run to reject a second failure")
	}
}
