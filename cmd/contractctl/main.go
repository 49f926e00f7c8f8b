package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/analysis"
	"github.com/raaihank/contract-sentinel/internal/batch"
	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/logger"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/privacy"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		file       = flag.String("file", "", "Contract file to analyze (PDF or text)")
		text       = flag.String("text", "", "Contract text to analyze")
		source     = flag.String("source", "", "Source identifier for -text or -file")
		documentID = flag.String("id", "", "Document id (derived from content when empty)")
		force      = flag.Bool("force", false, "Re-analyze even if the same content is already stored")
		list       = flag.Bool("list", false, "List stored analyses")
		limit      = flag.Int("limit", 20, "Number of analyses to list")
		offset     = flag.Int("offset", 0, "Offset into the analysis list")
		get        = flag.String("get", "", "Show the stored analysis for a document id")
		status     = flag.String("status", "", "Show the run state for a document id")
		retry      = flag.String("retry", "", "Re-drive a failed run for a document id")
		del        = flag.String("delete", "", "Delete the stored analysis for a document id")
		testDB     = flag.Bool("test-db", false, "Test the storage connection and exit")
		output     = flag.String("output", "", "Write JSON output to this file instead of stdout")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
		manifest   = flag.String("manifest", "", "Manifest of documents to process (CSV, Parquet, or JSONL)")
		workers    = flag.Int("workers", 4, "Number of concurrent documents for -manifest")
		enqueue    = flag.Bool("enqueue", false, "Queue manifest documents for the service instead of processing them")
		cacheStats = flag.Bool("cache-stats", false, "Show analysis cache statistics and exit")
		clearCache = flag.Bool("clear-cache", false, "Remove all cached analyses and exit")
	)
	flag.Parse()

	if *file == "" && *text == "" && *manifest == "" && !*list && *get == "" && *status == "" &&
		*retry == "" && *del == "" && !*testDB && !*cacheStats && !*clearCache {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -file lease.pdf -output lease.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -text \"Agreement between ...\" -source email-123\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -manifest contracts.csv -workers 8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -list -limit 50\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -test-db\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	out := &writer{path: *output}

	switch {
	case *cacheStats || *clearCache:
		err = runCache(ctx, cfg, log, *clearCache, out)
	case *enqueue:
		err = enqueueManifest(ctx, cfg, log, *manifest, *workers, out)
	default:
		var svc *services
		svc, err = initializeServices(cfg, log)
		if err != nil {
			break
		}
		defer svc.cleanup()

		switch {
		case *testDB:
			err = testConnection(ctx, svc, out)
		case *list:
			err = listAnalyses(ctx, svc, *limit, *offset, out)
		case *get != "":
			err = getAnalysis(ctx, svc, *get, out)
		case *status != "":
			err = runStatus(ctx, svc, *status, out)
		case *del != "":
			err = deleteAnalysis(ctx, svc, *del, out)
		case *retry != "":
			err = redrive(ctx, svc, *retry, out)
		case *manifest != "":
			err = processManifest(ctx, svc, log, *manifest, *workers, out)
		default:
			job := pipeline.Job{DocumentID: *documentID, Force: *force}
			if *file != "" {
				job.Source = extract.FileSource(*file, *source)
			} else {
				job.Source = extract.TextSource(*text, *source)
			}
			err = analyze(ctx, svc, job, out)
		}
	}

	if err != nil {
		log.Error("Command failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

// writer prints JSON to stdout or to the -output file
type writer struct {
	path string
}

func (w *writer) json(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	data = append(data, '\n')
	if w.path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(w.path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	fmt.Fprintf(os.Stderr, "Output written to %s\n", w.path)
	return nil
}

// services holds everything a pipeline run needs
type services struct {
	results      store.ResultStore
	runs         store.RunStore
	resultCache  *cache.RedisCache
	orchestrator *pipeline.Orchestrator
}

func (s *services) cleanup() {
	if s.resultCache != nil {
		s.resultCache.Close()
	}
	if s.runs != nil && any(s.runs) != any(s.results) {
		s.runs.Close()
	}
	if s.results != nil {
		s.results.Close()
	}
}

// initializeServices builds the orchestrator against the configured storage
func initializeServices(cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{}

	detector, err := privacy.New(cfg.Privacy, log.WithComponent("privacy").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PII detector: %w", err)
	}

	results, runs, err := store.Open(cfg.Storage, log.WithComponent("store").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	svc.results, svc.runs = results, runs

	deps := pipeline.Deps{
		Extractor: extract.New(extract.Config{
			MaxBytes: cfg.Extraction.MaxBytes,
			Timeout:  cfg.Extraction.Timeout,
		}, log.WithComponent("extract").Logger),
		Tokenizer: detector,
		Analyzer: analysis.NewClient(analysis.NewOpenAICompleter(analysis.OpenAIConfig{
			BaseURL:     cfg.Analysis.BaseURL,
			APIKey:      cfg.Analysis.APIKey,
			Model:       cfg.Analysis.Model,
			Temperature: cfg.Analysis.Temperature,
			MaxTokens:   cfg.Analysis.MaxTokens,
		}), analysis.Config{
			Model:          cfg.Analysis.Model,
			Schema:         cfg.Analysis.Schema,
			MaxAttempts:    cfg.Analysis.MaxAttempts,
			BaseBackoff:    cfg.Analysis.BaseBackoff,
			MaxBackoff:     cfg.Analysis.MaxBackoff,
			MaxRetryAfter:  cfg.Analysis.MaxRetryAfter,
			AttemptTimeout: cfg.Analysis.AttemptTimeout,
			RatePerSecond:  cfg.Analysis.RequestsPerSecond,
			Burst:          cfg.Analysis.Burst,
		}, log.WithComponent("analysis").Logger),
		Store: results,
		Runs:  runs,
	}

	if cfg.Cache.Enabled {
		c, err := newCache(cfg, log)
		if err != nil {
			// The cache only saves model calls, so a CLI run proceeds without it
			log.Warn("Analysis cache unavailable", zap.Error(err))
		} else {
			svc.resultCache = c
			deps.Cache = c
		}
	}

	svc.orchestrator = pipeline.New(deps, pipeline.Config{
		Schema:          cfg.Analysis.Schema,
		MaxBytes:        cfg.Extraction.MaxBytes,
		AnalysisTimeout: cfg.Analysis.Budget(),
		PersistTimeout:  cfg.Storage.Timeout,
	}, log.WithComponent("pipeline").Logger)
	return svc, nil
}

func newCache(cfg *config.Config, log *logger.Logger) (*cache.RedisCache, error) {
	return cache.NewRedisCache(cache.Config{
		RedisURL:  cfg.Cache.RedisURL,
		PoolSize:  cfg.Cache.PoolSize,
		TTL:       cfg.Cache.TTL,
		KeyPrefix: cfg.Cache.KeyPrefix,
	}, log.WithComponent("cache").Logger)
}

// analyze runs one document through the pipeline and prints the restored result
func analyze(ctx context.Context, svc *services, job pipeline.Job, out *writer) error {
	start := time.Now()
	outcome, err := svc.orchestrator.Process(ctx, job)
	if err != nil {
		var runErr *pipeline.RunError
		if errors.As(err, &runErr) {
			fmt.Fprintf(os.Stderr, "Run %s failed at %s (%s, retryable=%t)\n",
				runErr.DocumentID, runErr.LastState, runErr.Reason, runErr.Retryable)
		}
		return err
	}

	if outcome.Skipped {
		fmt.Fprintf(os.Stderr, "Document %s already analyzed, use -force to re-run\n", outcome.Result.DocumentID)
	}
	fmt.Fprintf(os.Stderr, "Analyzed %s in %s: %d entities tokenized, %d warnings\n",
		outcome.Result.DocumentID, time.Since(start).Round(time.Millisecond),
		outcome.Result.EntityCount, len(outcome.Result.Warnings))
	return out.json(outcome.Result)
}

func redrive(ctx context.Context, svc *services, documentID string, out *writer) error {
	outcome, err := svc.orchestrator.Redrive(ctx, documentID)
	if err != nil {
		return err
	}
	return out.json(outcome.Result)
}

func testConnection(ctx context.Context, svc *services, out *writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := svc.results.Ping(ctx); err != nil {
		return fmt.Errorf("storage connection failed: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Storage connection successful")
	return nil
}

func listAnalyses(ctx context.Context, svc *services, limit, offset int, out *writer) error {
	summaries, total, err := svc.results.List(ctx, limit, offset)
	if err != nil {
		return fmt.Errorf("failed to list analyses: %w", err)
	}
	return out.json(map[string]any{
		"documents": summaries,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func getAnalysis(ctx context.Context, svc *services, documentID string, out *writer) error {
	result, err := svc.results.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", documentID, err)
	}
	return out.json(result)
}

func runStatus(ctx context.Context, svc *services, documentID string, out *writer) error {
	run, err := svc.orchestrator.Status(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to get run %s: %w", documentID, err)
	}
	return out.json(run)
}

func deleteAnalysis(ctx context.Context, svc *services, documentID string, out *writer) error {
	if err := svc.results.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete %s: %w", documentID, err)
	}
	if svc.runs != nil {
		if err := svc.runs.DeleteRun(ctx, documentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete run %s: %w", documentID, err)
		}
	}
	fmt.Fprintf(os.Stderr, "Deleted %s\n", documentID)
	return nil
}

func processManifest(ctx context.Context, svc *services, log *logger.Logger, path string, workers int, out *writer) error {
	runner := batch.NewRunner(svc.orchestrator, nil, batch.Config{Workers: workers}, log.WithComponent("batch").Logger)
	result, err := runner.ProcessManifest(ctx, path)
	if result != nil {
		if werr := out.json(result); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// enqueueManifest hands manifest documents to a running service's queue
func enqueueManifest(ctx context.Context, cfg *config.Config, log *logger.Logger, path string, workers int, out *writer) error {
	if path == "" {
		return errors.New("-enqueue requires -manifest")
	}
	if cfg.Queue.RedisURL == "" {
		return errors.New("-enqueue requires queue.redis_url")
	}
	q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		RedisURL:    cfg.Queue.RedisURL,
		Name:        cfg.Queue.Name,
		PollTimeout: cfg.Queue.PollTimeout,
	}, log.WithComponent("queue").Logger)
	if err != nil {
		return err
	}
	defer q.Close()

	runner := batch.NewRunner(nil, q, batch.Config{Workers: workers}, log.WithComponent("batch").Logger)
	result, err := runner.ProcessManifest(ctx, path)
	if result != nil {
		if werr := out.json(result); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func runCache(ctx context.Context, cfg *config.Config, log *logger.Logger, reset bool, out *writer) error {
	c, err := newCache(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if reset {
		if err := c.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Analysis cache cleared")
		return nil
	}

	stats, err := c.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get cache stats: %w", err)
	}
	return out.json(stats)
}
