// Package queue carries document tasks to background workers. Delivery is
// at least once; the pipeline's idempotence absorbs duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a queue after Close
var ErrClosed = errors.New("queue closed")

// Task is one unit of work keyed by document id. It references the source
// by path and never embeds document content.
type Task struct {
	DocumentID  string    `json:"document_id"`
	SourceName  string    `json:"source_name"`
	SourcePath  string    `json:"source_path"`
	ContentType string    `json:"content_type,omitempty"`
	Redrive     bool      `json:"redrive,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued task that must be acknowledged
type Delivery struct {
	Task Task
	raw  string
}

// Queue is implemented by the Redis and memory queues
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks for at most the queue's poll timeout. It returns
	// nil, nil when nothing arrived in time.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

func encodeTask(task Task) (string, error) {
	if task.DocumentID == "" {
		return "", errors.New("task has no document id")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	return string(data), nil
}

func decodeTask(raw string) (*Delivery, error) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &Delivery{Task: task, raw: raw}, nil
}
