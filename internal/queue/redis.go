package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisQueue is a reliable list queue: tasks move atomically to a
// processing list on dequeue and are removed from it on Ack. Tasks left
// in the processing list by a crashed worker are recovered on startup.
type RedisQueue struct {
	client      *redis.Client
	name        string
	processing  string
	pollTimeout time.Duration
	logger      *zap.Logger
}

// RedisConfig configures a RedisQueue
type RedisConfig struct {
	RedisURL    string
	Name        string
	PollTimeout time.Duration
}

// NewRedisQueue connects and recovers unacknowledged tasks
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	// Blocking reads must outlive the poll timeout
	opts.ReadTimeout = cfg.PollTimeout + 5*time.Second

	q := &RedisQueue{
		client:      redis.NewClient(opts),
		name:        cfg.Name,
		processing:  cfg.Name + ":processing",
		pollTimeout: cfg.PollTimeout,
		logger:      logger,
	}

	if err := q.client.Ping(ctx).Err(); err != nil {
		q.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	recovered, err := q.recover(ctx)
	if err != nil {
		q.client.Close()
		return nil, err
	}

	logger.Info("Task queue connected",
		zap.String("queue", cfg.Name),
		zap.Int("recovered", recovered))
	return q, nil
}

// recover moves tasks abandoned in the processing list back to the queue
func (q *RedisQueue) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.name).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover unacknowledged tasks: %w", err)
		}
		n++
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.name, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Debug("Task enqueued", zap.String("document_id", task.DocumentID))
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.name, q.processing, q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	d, err := decodeTask(raw)
	if err != nil {
		// Poison message, drop it from the processing list
		q.logger.Error("Dropping undecodable task", zap.Error(err))
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, nil
	}
	return d, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
