package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler processes one task. A returned error is logged; the task is
// acknowledged either way because failures are recorded as run state and
// re-driven from there.
type Handler func(ctx context.Context, task Task) error

// WorkerStats counts processed tasks
type WorkerStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Active    int64 `json:"active"`
}

// Pool runs a fixed number of workers against a queue
type Pool struct {
	queue      Queue
	handler    Handler
	workers    int
	runTimeout time.Duration
	logger     *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// NewPool creates a worker pool
func NewPool(q Queue, handler Handler, workers int, runTimeout time.Duration, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:      q,
		handler:    handler,
		workers:    workers,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled or the queue is closed, then waits
// for in-flight tasks to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Starting workers", zap.Int("workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("Workers stopped",
		zap.Int64("processed", p.processed.Load()),
		zap.Int64("failed", p.failed.Load()))
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.queue.Dequeue(ctx)
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("Failed to dequeue task", zap.Error(err))
			// Back off briefly so a broken connection does not spin
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}

		p.handle(ctx, log, d)
	}
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, d *Delivery) {
	p.active.Add(1)
	defer p.active.Add(-1)

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeHandle(runCtx, d.Task)
	if err != nil {
		p.failed.Add(1)
		log.Warn("Task failed",
			zap.String("document_id", d.Task.DocumentID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.processed.Add(1)
		log.Debug("Task completed",
			zap.String("document_id", d.Task.DocumentID),
			zap.Duration("duration", time.Since(start)))
	}

	// Ack with a fresh context so shutdown does not strand the task
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(ackCtx, d); err != nil {
		log.Error("Failed to acknowledge task", zap.String("document_id", d.Task.DocumentID), zap.Error(err))
	}
}

func (p *Pool) safeHandle(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.handler(ctx, task)
}

// Stats returns counters since start
func (p *Pool) Stats() WorkerStats {
	return WorkerStats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Active:    p.active.Load(),
	}
}
