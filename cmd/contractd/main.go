package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/analysis"
	"github.com/raaihank/contract-sentinel/internal/cache"
	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/logger"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/privacy"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/scheduler"
	"github.com/raaihank/contract-sentinel/internal/server"
	"github.com/raaihank/contract-sentinel/internal/store"
	"github.com/raaihank/contract-sentinel/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the health endpoint at this base URL and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Contract-Sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Contract-Sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Service stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := initializeServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.cleanup()

	srv, err := server.New(cfg, server.Deps{
		Pipeline:  svc.orchestrator,
		Documents: svc.results,
		Queue:     svc.queue,
		Hub:       svc.hub,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var wg sync.WaitGroup
	if svc.hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.hub.Run(ctx)
		}()
	}

	var pool *queue.Pool
	if svc.queue != nil {
		pool = queue.NewPool(svc.queue, srv.HandleTask, cfg.Queue.Workers, cfg.Queue.RunTimeout, log.WithComponent("worker").Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		deps := scheduler.Deps{
			Runs:     svc.runs,
			Pipeline: svc.orchestrator,
			Limiter:  srv.Limiter(),
			Cache:    svc.cache,
		}
		if svc.queue != nil {
			deps.Queue = svc.queue
			deps.Workers = pool.Stats
		}
		if svc.hub != nil {
			deps.Hub = svc.hub
		}
		sched, err = scheduler.New(cfg.Scheduler, cfg.Server.RateLimit.IdleTTL, deps, log.WithComponent("scheduler").Logger)
		if err != nil {
			return err
		}
		sched.Start()
	}

	config.Watch(func(updated *config.Config) {
		if err := log.SetLevel(updated.Logging.Level); err != nil {
			log.Warn("Failed to apply log level", zap.Error(err))
		}
		rl := updated.Server.RateLimit
		srv.Limiter().SetLimits(rl.Enabled, rl.RequestsPerMinute, rl.Burst)
		log.Info("Configuration reloaded",
			zap.String("log_level", updated.Logging.Level),
			zap.Bool("rate_limit", rl.Enabled),
			zap.Int("requests_per_minute", rl.RequestsPerMinute))
	}, func(err error) {
		log.Warn("Ignoring configuration change", zap.Error(err))
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests and jobs 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	cancel()
	wg.Wait()

	return runErr
}

// services holds the long-lived components
type services struct {
	results      store.ResultStore
	runs         store.RunStore
	cache        cacheBackend
	queue        queue.Queue
	hub          *websocket.Hub
	orchestrator *pipeline.Orchestrator
	logger       *logger.Logger
}

// cacheBackend is the analysis cache as seen by the orchestrator and the scheduler
type cacheBackend interface {
	pipeline.ResultCache
	scheduler.StatsSource
	Close() error
}

func (s *services) cleanup() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.runs != nil && any(s.runs) != any(s.results) {
		s.runs.Close()
	}
	if s.results != nil {
		if err := s.results.Close(); err != nil {
			s.logger.Warn("Failed to close result store", zap.Error(err))
		}
	}
}

// initializeServices builds the pipeline and its collaborators from configuration
func initializeServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{logger: log}

	detector, err := privacy.New(cfg.Privacy, log.WithComponent("privacy").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PII detector: %w", err)
	}

	results, runs, err := store.Open(cfg.Storage, log.WithComponent("store").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	svc.results, svc.runs = results, runs

	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisCache(cache.Config{
			RedisURL:  cfg.Cache.RedisURL,
			PoolSize:  cfg.Cache.PoolSize,
			TTL:       cfg.Cache.TTL,
			KeyPrefix: cfg.Cache.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			svc.cleanup()
			return nil, fmt.Errorf("failed to initialize analysis cache: %w", err)
		}
		svc.cache = redisCache
	} else {
		svc.cache = cache.NewMemoryCache(cfg.Cache.TTL)
	}

	if cfg.Queue.Enabled {
		if cfg.Queue.RedisURL != "" {
			q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
				RedisURL:    cfg.Queue.RedisURL,
				Name:        cfg.Queue.Name,
				PollTimeout: cfg.Queue.PollTimeout,
			}, log.WithComponent("queue").Logger)
			if err != nil {
				svc.cleanup()
				return nil, fmt.Errorf("failed to initialize task queue: %w", err)
			}
			svc.queue = q
		} else {
			log.Warn("Queue has no Redis URL, queued work is lost on exit")
			svc.queue = queue.NewMemoryQueue(1024, cfg.Queue.PollTimeout)
		}
	}

	if cfg.WebSocket.Enabled {
		svc.hub = websocket.NewHub(cfg.WebSocket, log.WithComponent("websocket").Logger)
	}

	completer := analysis.NewOpenAICompleter(analysis.OpenAIConfig{
		BaseURL:     cfg.Analysis.BaseURL,
		APIKey:      cfg.Analysis.APIKey,
		Model:       cfg.Analysis.Model,
		Temperature: cfg.Analysis.Temperature,
		MaxTokens:   cfg.Analysis.MaxTokens,
	})
	client := analysis.NewClient(completer, analysisConfig(cfg.Analysis), log.WithComponent("analysis").Logger)

	deps := pipeline.Deps{
		Extractor: extract.New(extract.Config{
			MaxBytes: cfg.Extraction.MaxBytes,
			Timeout:  cfg.Extraction.Timeout,
		}, log.WithComponent("extract").Logger),
		Tokenizer: detector,
		Analyzer:  client,
		Store:     results,
		Runs:      runs,
		Cache:     svc.cache,
	}
	if svc.hub != nil {
		deps.Events = svc.hub
	}
	svc.orchestrator = pipeline.New(deps, pipeline.Config{
		Schema:          cfg.Analysis.Schema,
		MaxBytes:        cfg.Extraction.MaxBytes,
		AnalysisTimeout: cfg.Analysis.Budget(),
		PersistTimeout:  cfg.Storage.Timeout,
	}, log.WithComponent("pipeline").Logger)

	return svc, nil
}

func analysisConfig(cfg config.AnalysisConfig) analysis.Config {
	return analysis.Config{
		Model:          cfg.Model,
		Schema:         cfg.Schema,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxRetryAfter:  cfg.MaxRetryAfter,
		AttemptTimeout: cfg.AttemptTimeout,
		RatePerSecond:  cfg.RequestsPerSecond,
		Burst:          cfg.Burst,
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(baseURL string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
