package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var runsBucket = []byte("runs")

// BoltRunStore keeps run checkpoints in a local bbolt file. It suits the
// CLI, where no database server is required to resume interrupted runs.
type BoltRunStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBoltRunStore opens or creates the database at path
func OpenBoltRunStore(path string, logger *zap.Logger) (*BoltRunStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run store directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open run store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs bucket: %w", err)
	}

	logger.Info("Run store opened", zap.String("path", path))
	return &BoltRunStore{db: db, logger: logger}, nil
}

// SaveRun writes the checkpoint, preserving the original creation time
func (s *BoltRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)
		now := time.Now().UTC()

		record := *run
		record.UpdatedAt = now
		record.CreatedAt = now
		if existing := b.Get([]byte(run.DocumentID)); existing != nil {
			var prev RunRecord
			if err := json.Unmarshal(existing, &prev); err == nil {
				record.CreatedAt = prev.CreatedAt
			}
		}

		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(run.DocumentID), data); err != nil {
			return err
		}
		run.CreatedAt, run.UpdatedAt = record.CreatedAt, record.UpdatedAt
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}
	return nil
}

// GetRun loads a checkpoint
func (s *BoltRunStore) GetRun(ctx context.Context, documentID string) (*RunRecord, error) {
	var run *RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(runsBucket).Get([]byte(documentID))
		if data == nil {
			return nil
		}
		run = &RunRecord{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, &PersistenceError{Op: "get run", Err: err}
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// ListRedrivable returns failed retryable runs and runs stalled before
// staleBefore, oldest first
func (s *BoltRunStore) ListRedrivable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				s.logger.Warn("Skipping unreadable run record", zap.ByteString("document_id", k), zap.Error(err))
				return nil
			}
			if run.redrivable(maxAttempts, staleBefore) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &PersistenceError{Op: "list runs", Err: err}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.Before(runs[j].UpdatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// DeleteRun removes a checkpoint
func (s *BoltRunStore) DeleteRun(ctx context.Context, documentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Delete([]byte(documentID))
	})
	if err != nil {
		return &PersistenceError{Op: "delete run", Err: err}
	}
	return nil
}

// Close closes the database file
func (s *BoltRunStore) Close() error {
	return s.db.Close()
}
