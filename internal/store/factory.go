package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/config"
)

// ResultStore is implemented by every result backend
type ResultStore interface {
	Upsert(ctx context.Context, result *Result) error
	Get(ctx context.Context, documentID string) (*Result, error)
	List(ctx context.Context, limit, offset int) ([]Summary, int, error)
	Delete(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
	Close() error
}

// RunStore is implemented by every run checkpoint backend
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, documentID string) (*RunRecord, error)
	ListRedrivable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, documentID string) error
	Close() error
}

// Open creates the result store and the configured run store. The memory
// run store is paired with a memory result store so nothing needs a server.
func Open(cfg config.StorageConfig, logger *zap.Logger) (ResultStore, RunStore, error) {
	if cfg.RunStore == "memory" {
		logger.Warn("Using in-memory storage, results are lost on exit")
		mem := NewMemoryStore()
		return mem, mem, nil
	}

	pg, err := NewPostgresStore(Config{
		DatabaseURL:     cfg.DatabaseURL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.RunStore {
	case "", "postgres":
		return pg, pg, nil
	case "bolt":
		runs, err := OpenBoltRunStore(cfg.BoltPath, logger)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, runs, nil
	}

	pg.Close()
	return nil, nil, fmt.Errorf("unknown run store %q", cfg.RunStore)
}
