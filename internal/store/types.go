// Package store persists final analysis results and pipeline run
// checkpoints. Only restored results are stored; tokenized text and token
// mappings never reach storage.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/contract-sentinel/internal/redaction"
)

// ErrNotFound is returned when a document or run does not exist
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a storage backend failure. Callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Result is the final, restored analysis of one document
type Result struct {
	DocumentID    string              `json:"document_id"`
	Source        string              `json:"source"`
	Analysis      map[string]any      `json:"analysis"`
	EntityCount   int                 `json:"entity_count"`
	EntityKinds   map[string]int      `json:"entity_kinds"`
	Warnings      []redaction.Warning `json:"warnings,omitempty"`
	ContentHash   string              `json:"content_hash"`
	SanitizedHash string              `json:"sanitized_hash"`
	Model         string              `json:"model"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Summary is the list view of a stored result
type Summary struct {
	DocumentID  string    `db:"document_id" json:"document_id"`
	Source      string    `db:"source" json:"source"`
	EntityCount int       `db:"entity_count" json:"entity_count"`
	Warnings    int       `db:"warning_count" json:"warning_count"`
	Model       string    `db:"model" json:"model"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RunRecord is the persisted checkpoint of a pipeline run. It carries
// hashes and error descriptions only, never document content.
type RunRecord struct {
	DocumentID    string    `db:"document_id" json:"document_id"`
	State         string    `db:"state" json:"state"`
	FailedReason  string    `db:"failed_reason" json:"failed_reason,omitempty"`
	LastState     string    `db:"last_state" json:"last_state,omitempty"`
	ErrorKind     string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage  string    `db:"error_message" json:"error_message,omitempty"`
	Retryable     bool      `db:"retryable" json:"retryable"`
	ContentHash   string    `db:"content_hash" json:"content_hash,omitempty"`
	SanitizedHash string    `db:"sanitized_hash" json:"sanitized_hash,omitempty"`
	SourceName    string    `db:"source_name" json:"source_name"`
	SourcePath    string    `db:"source_path" json:"source_path,omitempty"`
	Attempts      int       `db:"attempts" json:"attempts"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal run state names
const (
	StateFailed    = "FAILED"
	StatePersisted = "PERSISTED"
)

// redrivable reports whether the sweeper may pick the run up again: a
// retryable failure, or a run left mid-pipeline and not updated since
// staleBefore. A zero staleBefore only matches failures.
func (r *RunRecord) redrivable(maxAttempts int, staleBefore time.Time) bool {
	if r.SourcePath == "" || (maxAttempts > 0 && r.Attempts >= maxAttempts) {
		return false
	}
	switch r.State {
	case StateFailed:
		return r.Retryable
	case StatePersisted:
		return false
	}
	return !staleBefore.IsZero() && r.UpdatedAt.Before(staleBefore)
}

func cloneResult(r *Result) *Result {
	c := *r
	c.Analysis = cloneValue(r.Analysis).(map[string]any)
	if r.EntityKinds != nil {
		c.EntityKinds = make(map[string]int, len(r.EntityKinds))
		for k, v := range r.EntityKinds {
			c.EntityKinds[k] = v
		}
	}
	c.Warnings = append([]redaction.Warning(nil), r.Warnings...)
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	}
	return v
}

func summarize(r *Result) Summary {
	return Summary{
		DocumentID:  r.DocumentID,
		Source:      r.Source,
		EntityCount: r.EntityCount,
		Warnings:    len(r.Warnings),
		Model:       r.Model,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
