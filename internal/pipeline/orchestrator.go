// Package pipeline sequences extraction, tokenization, analysis,
// restoration and persistence for one document at a time, with at most one
// run in flight per document id.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/raaihank/contract-sentinel/internal/analysis"
	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/privacy"
	"github.com/raaihank/contract-sentinel/internal/redaction"
	"github.com/raaihank/contract-sentinel/internal/store"
)

// Extractor turns a source into plain text
type Extractor interface {
	Extract(ctx context.Context, src extract.Source) (string, error)
}

// Tokenizer detects entities and assigns tokens
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) (*privacy.TokenMap, error)
}

// Analyzer calls the external analysis service
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error)
	Model() string
}

// Store persists final results
type Store interface {
	Upsert(ctx context.Context, result *store.Result) error
	Get(ctx context.Context, documentID string) (*store.Result, error)
}

// RunStore persists run checkpoints
type RunStore interface {
	SaveRun(ctx context.Context, run *store.RunRecord) error
	GetRun(ctx context.Context, documentID string) (*store.RunRecord, error)
}

// ResultCache caches tokenized analysis results by sanitized-text hash
type ResultCache interface {
	Get(ctx context.Context, hash string) (*cache.Entry, bool, error)
	Set(ctx context.Context, hash string, entry *cache.Entry) error
}

// Deps are the collaborators of an Orchestrator. Runs, Cache and Events
// are optional.
type Deps struct {
	Extractor Extractor
	Tokenizer Tokenizer
	Analyzer  Analyzer
	Store     Store
	Runs      RunStore
	Cache     ResultCache
	Events    EventSink
}

// Config holds per-call limits and the analysis schema
type Config struct {
	Schema string
	// MaxBytes caps reading a source to derive its document id
	MaxBytes int64
	// AnalysisTimeout bounds a shared analysis call, which outlives the
	// caller that started it. Zero means defaultAnalysisTimeout.
	AnalysisTimeout time.Duration
	PersistTimeout  time.Duration
}

const defaultAnalysisTimeout = 10 * time.Minute

// Job is a request to process one document
type Job struct {
	DocumentID string
	Source     extract.Source
	// Force re-analyzes even when the same content is already persisted.
	// A forced job that joins an in-flight run which skipped the document
	// runs again once that flight completes.
	Force bool
}

// Outcome describes a completed run
type Outcome struct {
	Result  *store.Result `json:"result"`
	States  []State       `json:"states"`
	Cached  bool          `json:"cached"`
	Skipped bool          `json:"skipped"`
	Shared  bool          `json:"shared"`
}

// Orchestrator drives pipeline runs
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	// Concurrent requests for one document coalesce onto a single run
	runs singleflight.Group
	// Identical sanitized text is analyzed once at a time
	analyses singleflight.Group
}

// New creates an orchestrator
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if deps.Events == nil {
		deps.Events = EventSinkFunc(func(Event) {})
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}
}

// ErrNotRedrivable is returned when a run's source cannot be re-read
var ErrNotRedrivable = errors.New("run has no re-readable source")

var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/raaihank/contract-sentinel/documents"))

// DocumentID derives a stable identifier from document bytes
func DocumentID(data []byte) string {
	return uuid.NewSHA1(documentNamespace, data).String()
}

// Process runs the job to completion. A second call for the same document
// while a run is in flight waits for and shares that run's outcome; the
// in-flight run uses the first caller's context.
func (o *Orchestrator) Process(ctx context.Context, job Job) (*Outcome, error) {
	if job.DocumentID == "" {
		data, err := job.Source.Bytes(o.cfg.MaxBytes)
		if err != nil {
			var extractErr *extract.Error
			return nil, &RunError{LastState: StateCreated, Reason: ReasonExtraction, Kind: errorKind(err), Retryable: !errors.As(err, &extractErr), Err: err}
		}
		job.Source.Data = data
		job.DocumentID = DocumentID(data)
	}

	for {
		// ran is written by the flight goroutine before the result is sent
		var ran bool
		ch := o.runs.DoChan(job.DocumentID, func() (any, error) {
			ran = true
			return o.run(ctx, job)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			outcome := *res.Val.(*Outcome)
			if job.Force && !ran && outcome.Skipped {
				o.logger.Debug("Joined run skipped the document, running forced job",
					zap.String("document_id", job.DocumentID))
				continue
			}
			outcome.Shared = res.Shared
			return &outcome, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Redrive re-runs a document from its checkpointed source
func (o *Orchestrator) Redrive(ctx context.Context, documentID string) (*Outcome, error) {
	if o.deps.Runs == nil {
		return nil, errors.New("run checkpoints are not enabled")
	}
	rec, err := o.deps.Runs.GetRun(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if rec.SourcePath == "" {
		return nil, fmt.Errorf("run %s: %w", documentID, ErrNotRedrivable)
	}
	return o.Process(ctx, Job{
		DocumentID: documentID,
		Source:     extract.FileSource(rec.SourcePath, rec.SourceName),
	})
}

// Status returns the checkpoint of a document's latest run
func (o *Orchestrator) Status(ctx context.Context, documentID string) (*store.RunRecord, error) {
	if o.deps.Runs == nil {
		return nil, store.ErrNotFound
	}
	return o.deps.Runs.GetRun(ctx, documentID)
}

// runState is the run-local working set. The token map lives here only,
// between TOKENIZED and RESTORED, and is never logged or persisted.
type runState struct {
	run    *Run
	record *store.RunRecord
	log    *zap.Logger
}

func (o *Orchestrator) run(ctx context.Context, job Job) (*Outcome, error) {
	start := time.Now()
	rs := &runState{
		run: newRun(job.DocumentID),
		record: &store.RunRecord{
			DocumentID: job.DocumentID,
			SourceName: job.Source.Name,
			SourcePath: job.Source.Path,
		},
		log: o.logger.With(zap.String("document_id", job.DocumentID)),
	}

	prev := o.loadCheckpoint(ctx, rs)
	if prev != nil {
		rs.record.Attempts = prev.Attempts
		rs.record.CreatedAt = prev.CreatedAt
	}
	rs.record.Attempts++
	o.publishState(rs)

	// CREATED -> EXTRACTED
	text, err := o.deps.Extractor.Extract(ctx, job.Source)
	if err != nil {
		var extractErr *extract.Error
		return nil, o.fail(ctx, rs, ReasonExtraction, !errors.As(err, &extractErr), err)
	}
	rs.record.ContentHash = hashText(text)

	if prev != nil && !job.Force && prev.State == string(StatePersisted) && prev.ContentHash == rs.record.ContentHash {
		if existing, err := o.deps.Store.Get(ctx, job.DocumentID); err == nil {
			rs.log.Info("Document already processed, skipping", zap.String("content_hash", rs.record.ContentHash))
			return &Outcome{Result: existing, States: rs.run.History(), Skipped: true}, nil
		}
	}
	o.transition(ctx, rs, StateExtracted)

	// EXTRACTED -> TOKENIZED
	tokens, err := o.deps.Tokenizer.Tokenize(ctx, text)
	if err != nil {
		return nil, o.fail(ctx, rs, ReasonDetection, true, err)
	}
	sanitized, err := redaction.Redact(text, tokens.Entities())
	if err != nil {
		return nil, o.fail(ctx, rs, ReasonDetection, false, fmt.Errorf("failed to redact: %w", err))
	}
	rs.record.SanitizedHash = hashText(sanitized)
	if prev != nil && prev.ContentHash == rs.record.ContentHash && prev.SanitizedHash != "" && prev.SanitizedHash != rs.record.SanitizedHash {
		rs.log.Warn("Tokenization differs from the previous run of identical content, detector configuration may have changed",
			zap.String("previous_sanitized_hash", prev.SanitizedHash),
			zap.String("sanitized_hash", rs.record.SanitizedHash))
	}

	rs.log.Info("PII tokenized", zap.Object("token_map", tokens))
	o.deps.Events.Publish(Event{
		Type:         EventPIIDetection,
		DocumentID:   job.DocumentID,
		State:        StateTokenized,
		EntityCounts: kindCounts(tokens),
		Timestamp:    time.Now().UTC(),
	})
	o.transition(ctx, rs, StateTokenized)

	// TOKENIZED -> ANALYZING -> ANALYZED
	o.transition(ctx, rs, StateAnalyzing)
	result, cached, err := o.analyze(ctx, analysis.Request{
		DocumentID: job.DocumentID,
		Source:     job.Source.Name,
		Text:       sanitized,
		Schema:     o.cfg.Schema,
	}, rs.record.SanitizedHash)
	if err != nil {
		return nil, o.fail(ctx, rs, ReasonAnalysis, analysisRetryable(err), err)
	}
	o.transition(ctx, rs, StateAnalyzed)

	// ANALYZED -> RESTORED
	restored, warnings := redaction.Restore(map[string]any(result), tokens.ReverseIndex(), rs.log)
	if len(warnings) > 0 {
		o.deps.Events.Publish(Event{
			Type:       EventDataIntegrity,
			DocumentID: job.DocumentID,
			State:      StateRestored,
			Warnings:   warnings,
			Timestamp:  time.Now().UTC(),
		})
	}
	o.transition(ctx, rs, StateRestored)

	// RESTORED -> PERSISTED
	final := &store.Result{
		DocumentID:    job.DocumentID,
		Source:        job.Source.Name,
		Analysis:      restored.(map[string]any),
		EntityCount:   tokens.Len(),
		EntityKinds:   kindCounts(tokens),
		Warnings:      warnings,
		ContentHash:   rs.record.ContentHash,
		SanitizedHash: rs.record.SanitizedHash,
		Model:         o.deps.Analyzer.Model(),
	}
	if err := o.persist(ctx, final); err != nil {
		return nil, o.fail(ctx, rs, ReasonPersistence, true, err)
	}
	o.transition(ctx, rs, StatePersisted)

	rs.log.Info("Document processed",
		zap.Int("entities", tokens.Len()),
		zap.Int("warnings", len(warnings)),
		zap.Bool("cached", cached),
		zap.Duration("duration", time.Since(start)))

	return &Outcome{Result: final, States: rs.run.History(), Cached: cached}, nil
}

type analysisOutcome struct {
	result analysis.Result
	cached bool
}

// analyze consults the cache under a per-hash single flight so identical
// sanitized text is sent to the service at most once at a time. Different
// documents can share a flight, so it runs detached from any one caller's
// cancellation and each caller stops waiting when its own context ends.
func (o *Orchestrator) analyze(ctx context.Context, req analysis.Request, sanitizedHash string) (analysis.Result, bool, error) {
	if o.deps.Cache == nil {
		result, err := o.deps.Analyzer.Analyze(ctx, req)
		return result, false, err
	}

	ch := o.analyses.DoChan(sanitizedHash, func() (any, error) {
		timeout := o.cfg.AnalysisTimeout
		if timeout <= 0 {
			timeout = defaultAnalysisTimeout
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		entry, ok, err := o.deps.Cache.Get(flightCtx, sanitizedHash)
		if err != nil {
			o.logger.Warn("Analysis cache lookup failed", zap.Error(err))
		}
		if ok {
			return &analysisOutcome{result: analysis.Result(entry.Analysis), cached: true}, nil
		}

		result, err := o.deps.Analyzer.Analyze(flightCtx, req)
		if err != nil {
			return nil, err
		}
		if err := o.deps.Cache.Set(flightCtx, sanitizedHash, &cache.Entry{Analysis: result, Model: o.deps.Analyzer.Model()}); err != nil {
			o.logger.Warn("Failed to cache analysis", zap.Error(err))
		}
		return &analysisOutcome{result: result}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		out := res.Val.(*analysisOutcome)
		return out.result, out.cached, nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("analysis cancelled: %w", ctx.Err())
	}
}

func (o *Orchestrator) persist(ctx context.Context, result *store.Result) error {
	if o.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PersistTimeout)
		defer cancel()
	}
	return o.deps.Store.Upsert(ctx, result)
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, rs *runState) *store.RunRecord {
	if o.deps.Runs == nil {
		return nil
	}
	prev, err := o.deps.Runs.GetRun(ctx, rs.run.DocumentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			rs.log.Warn("Failed to load run checkpoint", zap.Error(err))
		}
		return nil
	}
	return prev
}

// transition advances the run, checkpoints it and publishes the change
func (o *Orchestrator) transition(ctx context.Context, rs *runState, to State) {
	if err := rs.run.Advance(to); err != nil {
		rs.log.Error("Invalid run transition", zap.Error(err))
		return
	}
	rs.log.Debug("Run state changed", zap.String("state", string(to)))
	o.checkpoint(ctx, rs)
	o.publishState(rs)
}

func (o *Orchestrator) publishState(rs *runState) {
	o.deps.Events.Publish(Event{
		Type:       EventRunState,
		DocumentID: rs.run.DocumentID,
		State:      rs.run.State(),
		Timestamp:  time.Now().UTC(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, rs *runState, reason Reason, retryable bool, err error) error {
	if ctx.Err() != nil {
		retryable = true
	}
	if failErr := rs.run.Fail(reason); failErr != nil {
		rs.log.Error("Invalid run transition", zap.Error(failErr))
	}

	runErr := &RunError{
		DocumentID: rs.run.DocumentID,
		LastState:  rs.run.LastState(),
		Reason:     reason,
		Kind:       errorKind(err),
		Retryable:  retryable,
		Err:        err,
	}

	rs.record.LastState = string(runErr.LastState)
	rs.record.FailedReason = string(reason)
	rs.record.ErrorKind = runErr.Kind
	rs.record.ErrorMessage = err.Error()
	rs.record.Retryable = retryable

	rs.log.Error("Run failed",
		zap.String("last_state", string(runErr.LastState)),
		zap.String("reason", string(reason)),
		zap.String("kind", runErr.Kind),
		zap.Bool("retryable", retryable),
		zap.Error(err))

	// Record the failure even if the caller's context is gone
	cpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	o.checkpoint(cpCtx, rs)

	o.deps.Events.Publish(Event{
		Type:       EventRunState,
		DocumentID: rs.run.DocumentID,
		State:      StateFailed,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
	return runErr
}

func (o *Orchestrator) checkpoint(ctx context.Context, rs *runState) {
	if o.deps.Runs == nil {
		return
	}
	rs.record.State = string(rs.run.State())
	if rs.run.State() != StateFailed {
		rs.record.LastState = ""
		rs.record.FailedReason = ""
		rs.record.ErrorKind = ""
		rs.record.ErrorMessage = ""
		rs.record.Retryable = false
	}
	if err := o.deps.Runs.SaveRun(ctx, rs.record); err != nil {
		rs.log.Warn("Failed to save run checkpoint", zap.String("state", rs.record.State), zap.Error(err))
	}
}

// analysisRetryable decides whether a failed analysis may be re-driven.
// An exhausted retry budget ends this run but a later run may succeed.
func analysisRetryable(err error) bool {
	var aerr *analysis.Error
	if errors.As(err, &aerr) {
		return aerr.Kind == analysis.KindRetryBudgetExhausted || aerr.Retryable()
	}
	return true
}

func errorKind(err error) string {
	var extractErr *extract.Error
	var aerr *analysis.Error
	var persistErr *store.PersistenceError
	switch {
	case errors.As(err, &extractErr):
		return string(extractErr.Kind)
	case errors.As(err, &aerr):
		return string(aerr.Kind)
	case errors.Is(err, privacy.ErrDetection):
		return "detection_error"
	case errors.As(err, &persistErr):
		return "persistence_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "internal_error"
}

func kindCounts(tokens *privacy.TokenMap) map[string]int {
	counts := make(map[string]int)
	for kind, n := range tokens.KindCounts() {
		counts[string(kind)] = n
	}
	return counts
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
