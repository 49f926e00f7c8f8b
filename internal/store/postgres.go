package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/redaction"
)

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps results and run checkpoints in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS contract_analyses (
	document_id    TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	analysis       JSONB NOT NULL,
	entity_count   INTEGER NOT NULL DEFAULT 0,
	entity_kinds   JSONB NOT NULL DEFAULT '{}',
	warnings       JSONB NOT NULL DEFAULT '[]',
	content_hash   TEXT NOT NULL,
	sanitized_hash TEXT NOT NULL,
	model          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_contract_analyses_created_at ON contract_analyses (created_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	document_id    TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	failed_reason  TEXT NOT NULL DEFAULT '',
	last_state     TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	retryable      BOOLEAN NOT NULL DEFAULT FALSE,
	content_hash   TEXT NOT NULL DEFAULT '',
	sanitized_hash TEXT NOT NULL DEFAULT '',
	source_name    TEXT NOT NULL DEFAULT '',
	source_path    TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_failed ON pipeline_runs (updated_at) WHERE state = 'FAILED' AND retryable;
`

// NewPostgresStore connects, configures the pool and creates the tables
func NewPostgresStore(config Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Result store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// initialize checks the connection and creates tables if missing
func (s *PostgresStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

type resultRow struct {
	DocumentID    string    `db:"document_id"`
	Source        string    `db:"source"`
	Analysis      []byte    `db:"analysis"`
	EntityCount   int       `db:"entity_count"`
	EntityKinds   []byte    `db:"entity_kinds"`
	Warnings      []byte    `db:"warnings"`
	ContentHash   string    `db:"content_hash"`
	SanitizedHash string    `db:"sanitized_hash"`
	Model         string    `db:"model"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Upsert writes the result in a single statement keyed by document id
func (s *PostgresStore) Upsert(ctx context.Context, result *Result) error {
	analysis, err := json.Marshal(result.Analysis)
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: fmt.Errorf("failed to encode analysis: %w", err)}
	}
	kinds, err := json.Marshal(result.EntityKinds)
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}
	warnings := result.Warnings
	if warnings == nil {
		warnings = []redaction.Warning{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}

	query := `
		INSERT INTO contract_analyses
			(document_id, source, analysis, entity_count, entity_kinds, warnings, content_hash, sanitized_hash, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id) DO UPDATE SET
			source = EXCLUDED.source,
			analysis = EXCLUDED.analysis,
			entity_count = EXCLUDED.entity_count,
			entity_kinds = EXCLUDED.entity_kinds,
			warnings = EXCLUDED.warnings,
			content_hash = EXCLUDED.content_hash,
			sanitized_hash = EXCLUDED.sanitized_hash,
			model = EXCLUDED.model,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		result.DocumentID,
		result.Source,
		analysis,
		result.EntityCount,
		kinds,
		warningsJSON,
		result.ContentHash,
		result.SanitizedHash,
		result.Model,
	).Scan(&result.CreatedAt, &result.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to upsert result",
			zap.Error(err),
			zap.String("document_id", result.DocumentID))
		return &PersistenceError{Op: "upsert", Err: err}
	}

	s.logger.Debug("Result stored",
		zap.String("document_id", result.DocumentID),
		zap.Int("entity_count", result.EntityCount))
	return nil
}

// Get loads one result
func (s *PostgresStore) Get(ctx context.Context, documentID string) (*Result, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `
		SELECT document_id, source, analysis, entity_count, entity_kinds, warnings,
			content_hash, sanitized_hash, model, created_at, updated_at
		FROM contract_analyses WHERE document_id = $1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}

	result := &Result{
		DocumentID:    row.DocumentID,
		Source:        row.Source,
		EntityCount:   row.EntityCount,
		ContentHash:   row.ContentHash,
		SanitizedHash: row.SanitizedHash,
		Model:         row.Model,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Analysis, &result.Analysis); err != nil {
		return nil, &PersistenceError{Op: "get", Err: fmt.Errorf("failed to decode analysis: %w", err)}
	}
	if err := json.Unmarshal(row.EntityKinds, &result.EntityKinds); err != nil {
		return nil, &PersistenceError{Op: "get", Err: fmt.Errorf("failed to decode entity kinds: %w", err)}
	}
	if err := json.Unmarshal(row.Warnings, &result.Warnings); err != nil {
		return nil, &PersistenceError{Op: "get", Err: fmt.Errorf("failed to decode warnings: %w", err)}
	}
	return result, nil
}

// List returns summaries newest first along with the total count
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]Summary, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM contract_analyses"); err != nil {
		return nil, 0, &PersistenceError{Op: "list", Err: err}
	}

	summaries := []Summary{}
	err := s.db.SelectContext(ctx, &summaries, `
		SELECT document_id, source, entity_count, jsonb_array_length(warnings) AS warning_count,
			model, created_at, updated_at
		FROM contract_analyses
		ORDER BY created_at DESC, document_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "list", Err: err}
	}
	return summaries, total, nil
}

// Delete removes a result and its run checkpoint
func (s *PostgresStore) Delete(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM contract_analyses WHERE document_id = $1", documentID)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pipeline_runs WHERE document_id = $1", documentID); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

// SaveRun upserts a run checkpoint
func (s *PostgresStore) SaveRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO pipeline_runs
			(document_id, state, failed_reason, last_state, error_kind, error_message, retryable,
			 content_hash, sanitized_hash, source_name, source_path, attempts)
		VALUES (:document_id, :state, :failed_reason, :last_state, :error_kind, :error_message, :retryable,
			 :content_hash, :sanitized_hash, :source_name, :source_path, :attempts)
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			failed_reason = EXCLUDED.failed_reason,
			last_state = EXCLUDED.last_state,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			retryable = EXCLUDED.retryable,
			content_hash = EXCLUDED.content_hash,
			sanitized_hash = EXCLUDED.sanitized_hash,
			source_name = EXCLUDED.source_name,
			source_path = EXCLUDED.source_path,
			attempts = EXCLUDED.attempts,
			updated_at = NOW()`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}
	return nil
}

// GetRun loads a run checkpoint
func (s *PostgresStore) GetRun(ctx context.Context, documentID string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.GetContext(ctx, &run, "SELECT * FROM pipeline_runs WHERE document_id = $1", documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get run", Err: err}
	}
	return &run, nil
}

// ListRedrivable returns runs with a re-readable source that have been
// attempted fewer than maxAttempts times and either failed retryably or
// stalled mid-pipeline before staleBefore, oldest first.
func (s *PostgresStore) ListRedrivable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*RunRecord, error) {
	stale := sql.NullTime{Time: staleBefore, Valid: !staleBefore.IsZero()}
	runs := []*RunRecord{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM pipeline_runs
		WHERE source_path <> '' AND ($2 <= 0 OR attempts < $2)
		  AND ((state = $1 AND retryable)
		    OR (state NOT IN ($1, $3) AND $4::timestamptz IS NOT NULL AND updated_at < $4))
		ORDER BY updated_at
		LIMIT $5`, StateFailed, maxAttempts, StatePersisted, stale, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list runs", Err: err}
	}
	return runs, nil
}

// DeleteRun removes a run checkpoint
func (s *PostgresStore) DeleteRun(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pipeline_runs WHERE document_id = $1", documentID); err != nil {
		return &PersistenceError{Op: "delete run", Err: err}
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := ""
	if i := strings.Index(userPart, "://"); i >= 0 {
		scheme = userPart[:i+3]
		userPart = userPart[i+3:]
	}
	if colon := strings.Index(userPart, ":"); colon >= 0 {
		userPart = userPart[:colon] + ":***"
	}
	return scheme + userPart + url[at:]
}
