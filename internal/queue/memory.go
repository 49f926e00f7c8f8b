package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is a buffered in-process queue
type MemoryQueue struct {
	tasks       chan string
	pollTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryQueue creates a queue holding up to capacity pending tasks
func NewMemoryQueue(capacity int, pollTimeout time.Duration) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &MemoryQueue{
		tasks:       make(chan string, capacity),
		pollTimeout: pollTimeout,
		done:        make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.tasks <- raw:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()

	select {
	case raw := <-q.tasks:
		return decodeTask(raw)
	case <-timer.C:
		return nil, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
