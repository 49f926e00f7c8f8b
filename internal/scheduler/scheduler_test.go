package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
	"github.com/raaihank/contract-sentinel/internal/websocket"
)

func seedRuns(t *testing.T, runs *store.MemoryStore) {
	t.Helper()
	records := []*store.RunRecord{
		{DocumentID: "retry-me", State: store.StateFailed, FailedReason: "analysis", Retryable: true, SourceName: "a.pdf", SourcePath: "/spool/a.pdf", Attempts: 1},
		{DocumentID: "exhausted", State: store.StateFailed, FailedReason: "analysis", Retryable: true, SourcePath: "/spool/b.pdf", Attempts: 3},
		{DocumentID: "permanent", State: store.StateFailed, FailedReason: "extraction", Retryable: false, SourcePath: "/spool/c.pdf", Attempts: 1},
		{DocumentID: "no-source", State: store.StateFailed, FailedReason: "persistence", Retryable: true, Attempts: 1},
		{DocumentID: "finished", State: "PERSISTED", SourcePath: "/spool/d.pdf", Attempts: 1},
	}
	for _, r := range records {
		if err := runs.SaveRun(context.Background(), r); err != nil {
			t.Fatalf("Failed to save run: %v", err)
		}
	}
}

func testConfig() config.SchedulerConfig {
	cfg := config.GetDefaults().Scheduler
	cfg.MaxRedrives = 3
	cfg.SweepBatch = 10
	return cfg
}

type fakeRedriver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *fakeRedriver) Redrive(ctx context.Context, documentID string) (*pipeline.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, documentID)
	if r.err != nil {
		return nil, r.err
	}
	return &pipeline.Outcome{Result: &store.Result{DocumentID: documentID}}, nil
}

type fakeLimiter struct {
	removed, clients int
	ttl              time.Duration
}

func (l *fakeLimiter) Cleanup(ttl time.Duration) int {
	l.ttl = ttl
	return l.removed
}

func (l *fakeLimiter) Clients() int { return l.clients }

type fakeHub struct {
	events []websocket.Event
}

func (h *fakeHub) BroadcastEvent(event websocket.Event) { h.events = append(h.events, event) }
func (h *fakeHub) ClientCount() int                     { return 2 }

type failingStats struct{}

func (failingStats) GetStats(ctx context.Context) (*cache.Stats, error) {
	return nil, errors.New("redis down")
}

func TestSweepEnqueuesRedrivableRuns(t *testing.T) {
	runs := store.NewMemoryStore()
	seedRuns(t, runs)
	q := queue.NewMemoryQueue(10, 0)

	s, err := New(testConfig(), time.Minute, Deps{Runs: runs, Queue: q}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Failed to sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 redriven run, got %d", n)
	}

	d, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if d.Task.DocumentID != "retry-me" || !d.Task.Redrive || d.Task.SourcePath != "/spool/a.pdf" || d.Task.SourceName != "a.pdf" {
		t.Errorf("Unexpected task %+v", d.Task)
	}
}

func TestSweepRedrivesInlineWithoutQueue(t *testing.T) {
	runs := store.NewMemoryStore()
	seedRuns(t, runs)

	t.Run("success", func(t *testing.T) {
		r := &fakeRedriver{}
		s, err := New(testConfig(), time.Minute, Deps{Runs: runs, Pipeline: r}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		n, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Failed to sweep: %v", err)
		}
		if n != 1 || len(r.ids) != 1 || r.ids[0] != "retry-me" {
			t.Errorf("Expected retry-me redriven once, got %d %v", n, r.ids)
		}
	})

	t.Run("redrive error is not fatal", func(t *testing.T) {
		r := &fakeRedriver{err: errors.New("still failing")}
		s, err := New(testConfig(), time.Minute, Deps{Runs: runs, Pipeline: r}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		n, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Failed to sweep: %v", err)
		}
		if n != 0 || len(r.ids) != 1 {
			t.Errorf("Expected one failed attempt, got %d %v", n, r.ids)
		}
	})
}

func TestSweepRespectsBatchSize(t *testing.T) {
	runs := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		runs.SaveRun(context.Background(), &store.RunRecord{
			DocumentID: id, State: store.StateFailed, Retryable: true, SourcePath: "/spool/" + id, Attempts: 1,
		})
	}
	cfg := testConfig()
	cfg.SweepBatch = 2

	r := &fakeRedriver{}
	s, err := New(cfg, time.Minute, Deps{Runs: runs, Pipeline: r}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	n, _ := s.Sweep(context.Background())
	if n != 2 {
		t.Errorf("Expected sweep limited to 2, got %d", n)
	}
}

func TestSweepRedrivesStalledRuns(t *testing.T) {
	runs := store.NewMemoryStore()
	seedRuns(t, runs)
	if err := runs.SaveRun(context.Background(), &store.RunRecord{
		DocumentID: "stuck", State: "ANALYZING", SourceName: "e.pdf", SourcePath: "/spool/e.pdf", Attempts: 1,
	}); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	t.Run("fresh runs are left alone", func(t *testing.T) {
		r := &fakeRedriver{}
		s, err := New(testConfig(), time.Minute, Deps{Runs: runs, Pipeline: r}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		if _, err := s.Sweep(context.Background()); err != nil {
			t.Fatalf("Failed to sweep: %v", err)
		}
		if len(r.ids) != 1 || r.ids[0] != "retry-me" {
			t.Errorf("Expected only retry-me, got %v", r.ids)
		}
	})

	t.Run("stale runs are picked up", func(t *testing.T) {
		cfg := testConfig()
		cfg.StaleAfter = time.Millisecond
		time.Sleep(5 * time.Millisecond)

		r := &fakeRedriver{}
		s, err := New(cfg, time.Minute, Deps{Runs: runs, Pipeline: r}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		n, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Failed to sweep: %v", err)
		}
		picked := make(map[string]bool)
		for _, id := range r.ids {
			picked[id] = true
		}
		if n != 2 || !picked["stuck"] || !picked["retry-me"] {
			t.Errorf("Expected stuck and retry-me, got %d %v", n, r.ids)
		}
	})
}

func TestCleanupLimiter(t *testing.T) {
	l := &fakeLimiter{removed: 4, clients: 1}
	s, err := New(testConfig(), 15*time.Minute, Deps{Limiter: l}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if got := s.CleanupLimiter(); got != 4 {
		t.Errorf("Expected 4 removed buckets, got %d", got)
	}
	if l.ttl != 15*time.Minute {
		t.Errorf("Expected idle TTL passed through, got %v", l.ttl)
	}
}

func TestReportStats(t *testing.T) {
	t.Run("publishes status with cache and queue figures", func(t *testing.T) {
		c := cache.NewMemoryCache(time.Hour)
		ctx := context.Background()
		c.Set(ctx, "h1", &cache.Entry{Analysis: map[string]any{"a": "b"}})
		c.Get(ctx, "h1")
		c.Get(ctx, "h2")

		q := queue.NewMemoryQueue(10, 0)
		q.Enqueue(ctx, queue.Task{DocumentID: "x"})

		hub := &fakeHub{}
		s, err := New(testConfig(), time.Minute, Deps{
			Cache:   c,
			Queue:   q,
			Hub:     hub,
			Workers: func() queue.WorkerStats { return queue.WorkerStats{Processed: 7, Failed: 1} },
		}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}

		s.ReportStats(ctx)
		if len(hub.events) != 1 {
			t.Fatalf("Expected one status event, got %d", len(hub.events))
		}
		event := hub.events[0]
		if event.Type != websocket.EventTypeSystemStatus {
			t.Errorf("Expected system status event, got %s", event.Type)
		}
		status, ok := event.Data.(websocket.SystemStatusEvent)
		if !ok {
			t.Fatalf("Unexpected event data %T", event.Data)
		}
		if status.Status != "ok" || status.QueueLength != 1 || status.Processed != 7 || status.Failed != 1 || status.ConnectedClients != 2 {
			t.Errorf("Unexpected status %+v", status)
		}
		if status.CacheHitRate != 50 {
			t.Errorf("Expected 50%% hit rate, got %v", status.CacheHitRate)
		}
	})

	t.Run("degraded when stats fail", func(t *testing.T) {
		hub := &fakeHub{}
		s, err := New(testConfig(), time.Minute, Deps{Cache: failingStats{}, Hub: hub}, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		s.ReportStats(context.Background())
		status := hub.events[0].Data.(websocket.SystemStatusEvent)
		if status.Status != "degraded" {
			t.Errorf("Expected degraded status, got %s", status.Status)
		}
	})
}

func TestInvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupSpec = "every now and then"
	if _, err := New(cfg, time.Minute, Deps{Limiter: &fakeLimiter{}}, zap.NewNop()); err == nil {
		t.Fatal("Expected error for invalid cron spec")
	}
}

func TestEmptySpecDisablesJob(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupSpec = ""
	s, err := New(cfg, time.Minute, Deps{Limiter: &fakeLimiter{}}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if n := len(s.cron.Entries()); n != 0 {
		t.Errorf("Expected no scheduled entries, got %d", n)
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(testConfig(), time.Minute, Deps{Limiter: &fakeLimiter{}}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	s.Start()
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("Expected 1 scheduled entry, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
