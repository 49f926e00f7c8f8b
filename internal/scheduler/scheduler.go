// Package scheduler runs periodic maintenance: re-driving retryable failed
// runs, pruning idle rate-limit buckets and reporting cache statistics.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
	"github.com/raaihank/contract-sentinel/internal/websocket"
)

// RunLister finds failed runs that may be retried
type RunLister interface {
	ListRedrivable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*store.RunRecord, error)
}

// Enqueuer queues redrive tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
	Len(ctx context.Context) (int64, error)
}

// Redriver re-runs a document inline when no queue is configured
type Redriver interface {
	Redrive(ctx context.Context, documentID string) (*pipeline.Outcome, error)
}

// LimiterCleaner drops idle rate-limit buckets
type LimiterCleaner interface {
	Cleanup(ttl time.Duration) int
	Clients() int
}

// StatsSource reports analysis cache statistics
type StatsSource interface {
	GetStats(ctx context.Context) (*cache.Stats, error)
}

// Broadcaster publishes system status to live clients
type Broadcaster interface {
	BroadcastEvent(event websocket.Event)
	ClientCount() int
}

// Deps are the scheduler's collaborators; nil ones disable their job
type Deps struct {
	Runs     RunLister
	Queue    Enqueuer
	Pipeline Redriver
	Limiter  LimiterCleaner
	Cache    StatsSource
	Hub      Broadcaster
	Workers  func() queue.WorkerStats
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron    *cron.Cron
	deps    Deps
	config  config.SchedulerConfig
	idleTTL time.Duration
	logger  *zap.Logger
	started time.Time
}

// New registers the maintenance jobs. idleTTL bounds how long an idle
// client's rate-limit bucket is kept.
func New(cfg config.SchedulerConfig, idleTTL time.Duration, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	cronLog := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		deps:    deps,
		config:  cfg,
		idleTTL: idleTTL,
		logger:  logger,
		started: time.Now(),
	}

	if deps.Runs != nil && (deps.Queue != nil || deps.Pipeline != nil) {
		if err := s.add("sweep", cfg.SweepSpec, func(ctx context.Context) {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Retry sweep failed", zap.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}

	if deps.Limiter != nil {
		if err := s.add("limiter_cleanup", cfg.CleanupSpec, func(context.Context) {
			s.CleanupLimiter()
		}); err != nil {
			return nil, err
		}
	}

	if deps.Cache != nil || deps.Hub != nil {
		if err := s.add("stats", cfg.StatsSpec, s.ReportStats); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) add(name, spec string, job func(ctx context.Context)) error {
	if spec == "" {
		s.logger.Info("Scheduled job disabled", zap.String("job", name))
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.logger.Debug("Running scheduled job", zap.String("job", name))
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("Scheduled job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduled jobs still running at shutdown")
	}
}

// Sweep re-drives retryable failed runs, and runs stalled mid-pipeline for
// longer than stale_after, whose source is still readable, up to
// max_redrives attempts per document. It returns how many were picked up.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	var staleBefore time.Time
	if s.config.StaleAfter > 0 {
		staleBefore = time.Now().Add(-s.config.StaleAfter)
	}
	runs, err := s.deps.Runs.ListRedrivable(ctx, s.config.MaxRedrives, staleBefore, s.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list redrivable runs: %w", err)
	}

	picked := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}
		log := s.logger.With(zap.String("document_id", run.DocumentID),
			zap.String("state", run.State),
			zap.String("failed_reason", run.FailedReason),
			zap.Int("attempts", run.Attempts))

		if s.deps.Queue != nil {
			err = s.deps.Queue.Enqueue(ctx, queue.Task{
				DocumentID: run.DocumentID,
				SourceName: run.SourceName,
				SourcePath: run.SourcePath,
				Redrive:    true,
			})
		} else {
			_, err = s.deps.Pipeline.Redrive(ctx, run.DocumentID)
		}
		if err != nil {
			log.Warn("Redrive failed", zap.Error(err))
			continue
		}
		log.Info("Run re-driven")
		picked++
	}

	if len(runs) > 0 {
		s.logger.Info("Retry sweep completed", zap.Int("candidates", len(runs)), zap.Int("redriven", picked))
	}
	return picked, nil
}

// CleanupLimiter removes idle rate-limit buckets
func (s *Scheduler) CleanupLimiter() int {
	removed := s.deps.Limiter.Cleanup(s.idleTTL)
	if removed > 0 {
		s.logger.Debug("Pruned idle rate-limit buckets",
			zap.Int("removed", removed),
			zap.Int("remaining", s.deps.Limiter.Clients()))
	}
	return removed
}

// ReportStats logs cache statistics, evicts expired in-memory entries and
// publishes a system status event
func (s *Scheduler) ReportStats(ctx context.Context) {
	status := websocket.SystemStatusEvent{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}

	if s.deps.Cache != nil {
		if evicter, ok := s.deps.Cache.(interface{ Evict() int }); ok {
			if n := evicter.Evict(); n > 0 {
				s.logger.Debug("Evicted expired cache entries", zap.Int("evicted", n))
			}
		}
		stats, err := s.deps.Cache.GetStats(ctx)
		if err != nil {
			s.logger.Warn("Failed to read cache stats", zap.Error(err))
			status.Status = "degraded"
		} else {
			status.CacheHitRate = stats.HitRate
			s.logger.Info("Analysis cache stats",
				zap.Int64("hits", stats.Hits),
				zap.Int64("misses", stats.Misses),
				zap.Float64("hit_rate", stats.HitRate),
				zap.Int64("keys", stats.TotalKeys),
				zap.Int64("memory_bytes", stats.MemoryUsage))
		}
	}

	if s.deps.Queue != nil {
		if n, err := s.deps.Queue.Len(ctx); err == nil {
			status.QueueLength = n
		}
	}
	if s.deps.Workers != nil {
		ws := s.deps.Workers()
		status.Processed = ws.Processed
		status.Failed = ws.Failed
	}

	if s.deps.Hub != nil {
		status.ConnectedClients = s.deps.Hub.ClientCount()
		s.deps.Hub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeSystemStatus,
			Timestamp: time.Now().UTC(),
			Data:      status,
		})
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
