// Package batch processes manifests of documents through the pipeline.
package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
)

// Processor runs one document through the pipeline
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error)
}

// Enqueuer hands documents to background workers
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Runner feeds manifest entries to the pipeline with bounded concurrency.
// When an Enqueuer is set, entries are queued instead of processed inline.
type Runner struct {
	processor Processor
	enqueuer  Enqueuer
	config    Config
	logger    *zap.Logger
}

// NewRunner creates a manifest runner. Either processor or enqueuer may be nil.
func NewRunner(processor Processor, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ProgressReport < 1 {
		cfg.ProgressReport = 100
	}
	if cfg.MaxErrors < 1 {
		cfg.MaxErrors = 100
	}
	return &Runner{processor: processor, enqueuer: enqueuer, config: cfg, logger: logger}
}

// tally accumulates counts from concurrent workers
type tally struct {
	total, succeeded, failed, skipped, invalid atomic.Int64

	mu     sync.Mutex
	errors []string
	max    int
}

func (t *tally) addError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errors) < t.max {
		t.errors = append(t.errors, msg)
	}
}

// ProcessManifest processes every entry of a CSV, Parquet or JSONL manifest.
// Relative document paths are resolved against the manifest's directory.
func (r *Runner) ProcessManifest(ctx context.Context, manifestPath string) (*ProcessingResult, error) {
	if r.processor == nil && r.enqueuer == nil {
		return nil, errors.New("batch runner needs a processor or an enqueuer")
	}

	format := DetectManifestFormat(manifestPath)
	r.logger.Info("Starting manifest processing",
		zap.String("manifest", manifestPath),
		zap.String("format", string(format)),
		zap.Int("workers", r.config.Workers),
		zap.Bool("enqueue", r.enqueuer != nil))

	start := time.Now()
	baseDir := filepath.Dir(manifestPath)
	t := &tally{max: r.config.MaxErrors}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)

	visit := func(row int64, entry Entry) error {
		if gctx.Err() != nil {
			return gctx.Err()
		}
		t.total.Add(1)
		if err := validateEntry(&entry, baseDir); err != nil {
			t.invalid.Add(1)
			t.addError(fmt.Sprintf("row %d: %v", row, err))
			return nil
		}
		g.Go(func() error {
			r.handle(gctx, row, entry, t)
			return nil
		})
		return nil
	}

	var readErr error
	switch format {
	case FormatParquet:
		readErr = readParquet(manifestPath, visit)
	case FormatJSONL:
		readErr = readJSONL(manifestPath, visit)
	default:
		readErr = readCSV(manifestPath, visit)
	}
	g.Wait()

	result := &ProcessingResult{
		Total:     t.total.Load(),
		Succeeded: t.succeeded.Load(),
		Failed:    t.failed.Load(),
		Skipped:   t.skipped.Load(),
		Invalid:   t.invalid.Load(),
		Duration:  time.Since(start),
		Errors:    t.errors,
	}

	if readErr != nil {
		return result, fmt.Errorf("failed to read %s manifest: %w", format, readErr)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	r.logger.Info("Manifest processing completed",
		zap.Int64("total", result.Total),
		zap.Int64("succeeded", result.Succeeded),
		zap.Int64("failed", result.Failed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("invalid", result.Invalid),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (r *Runner) handle(ctx context.Context, row int64, entry Entry, t *tally) {
	defer func() {
		if done := t.succeeded.Load() + t.failed.Load() + t.skipped.Load(); done%int64(r.config.ProgressReport) == 0 {
			r.logger.Info("Batch progress",
				zap.Int64("done", done),
				zap.Int64("failed", t.failed.Load()))
		}
	}()

	if r.enqueuer != nil {
		err := r.enqueuer.Enqueue(ctx, queue.Task{
			DocumentID: entry.DocumentID,
			SourceName: entry.Source,
			SourcePath: entry.Path,
		})
		if err != nil {
			t.failed.Add(1)
			t.addError(fmt.Sprintf("row %d (%s): %v", row, entry.DocumentID, err))
			return
		}
		t.succeeded.Add(1)
		return
	}

	outcome, err := r.processor.Process(ctx, pipeline.Job{
		DocumentID: entry.DocumentID,
		Source:     extract.FileSource(entry.Path, entry.Source),
	})
	if err != nil {
		t.failed.Add(1)
		t.addError(fmt.Sprintf("row %d (%s): %v", row, entry.DocumentID, err))
		r.logger.Warn("Document failed",
			zap.Int64("row", row),
			zap.String("document_id", entry.DocumentID),
			zap.Error(err))
		return
	}
	if outcome.Skipped {
		t.skipped.Add(1)
		return
	}
	t.succeeded.Add(1)
}

// validateEntry resolves the entry's path and fills defaults
func validateEntry(e *Entry, baseDir string) error {
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	e.Path = strings.TrimSpace(e.Path)
	e.Source = strings.TrimSpace(e.Source)

	if e.Path == "" {
		return errors.New("empty path")
	}
	if !filepath.IsAbs(e.Path) {
		e.Path = filepath.Join(baseDir, e.Path)
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return fmt.Errorf("document not readable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", e.Path)
	}
	if e.Source == "" {
		e.Source = filepath.Base(e.Path)
	}
	if e.DocumentID == "" {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return fmt.Errorf("document not readable: %w", err)
		}
		e.DocumentID = pipeline.DocumentID(data)
	}
	return nil
}

// readCSV reads a CSV manifest with a header naming its columns
func readCSV(path string, visit func(int64, Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	pathCol, ok := columns["path"]
	if !ok {
		return errors.New("CSV header has no path column")
	}
	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	for row := int64(1); ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		entry := Entry{
			DocumentID: field(record, "document_id"),
			Source:     field(record, "source"),
		}
		if pathCol < len(record) {
			entry.Path = record[pathCol]
		}
		if err := visit(row, entry); err != nil {
			return err
		}
	}
}

// readParquet reads a Parquet manifest with document_id, path, source columns
func readParquet(path string, visit func(int64, Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	for row := int64(1); ; row++ {
		var entry Entry
		err := reader.Read(&entry)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		if err := visit(row, entry); err != nil {
			return err
		}
	}
}

// readJSONL reads one JSON object per line
func readJSONL(path string, visit func(int64, Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for row := int64(1); ; row++ {
		var entry Entry
		err := decoder.Decode(&entry)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		if err := visit(row, entry); err != nil {
			return err
		}
	}
}
