// Package analysis sends sanitized contract text to an external language
// model and returns its schema-checked structured answer.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Request is one analysis of one sanitized document
type Request struct {
	DocumentID string `validate:"omitempty,max=256"`
	Source     string `validate:"omitempty,max=1024"`
	Text       string `validate:"required"`
	Schema     string `validate:"omitempty"`
}

// Result is the decoded structured answer, still containing tokens
type Result map[string]any

// Config controls retries and pacing
type Config struct {
	Model          string
	Schema         string
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxRetryAfter  time.Duration
	AttemptTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// Client applies application-level retries around a Completer
type Client struct {
	completer Completer
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option customizes a Client
type Option func(*Client)

// WithSleep replaces the backoff sleep, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the jitter source; it must return values in [0,1)
func WithJitter(jitter func() float64) Option {
	return func(c *Client) { c.jitter = jitter }
}

// NewClient creates an analysis client
func NewClient(completer Completer, cfg Config, log *zap.Logger, opts ...Option) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Schema == "" {
		cfg.Schema = ContractAnalysis.Name
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		completer: completer,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    log,
		sleep:     sleepContext,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name recorded with results
func (c *Client) Model() string {
	return c.cfg.Model
}

var requestValidator = validator.New()

// Analyze runs the request, retrying transient failures with exponential
// backoff. It makes at most MaxAttempts calls to the completer.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if err := requestValidator.Struct(req); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}

	schemaName := req.Schema
	if schemaName == "" {
		schemaName = c.cfg.Schema
	}
	schema, ok := LookupSchema(schemaName)
	if !ok {
		return nil, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("unknown schema %q", schemaName)}
	}
	prompt := BuildPrompt(req.Text, schema)

	log := c.logger.With(zap.String("document_id", req.DocumentID), zap.String("schema", schema.Name))

	var last *Error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("analysis cancelled: %w", err)
		}

		start := time.Now()
		result, err := c.attempt(ctx, prompt, schema)
		if err == nil {
			log.Info("Analysis completed",
				zap.Int("attempt", attempt),
				zap.Duration("duration", time.Since(start)),
			)
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		}

		err.Attempts = attempt
		last = err
		if !err.Retryable() {
			log.Error("Analysis failed with non-retryable error",
				zap.String("kind", string(err.Kind)),
				zap.Int("attempt", attempt),
				zap.Error(err.Err),
			)
			return nil, err
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt, err.RetryAfter)
		log.Warn("Analysis attempt failed, retrying",
			zap.String("kind", string(err.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err.Err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("analysis cancelled: %w", err)
		}
	}

	log.Error("Analysis retry budget exhausted",
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.String("last_kind", string(last.Kind)),
	)
	return nil, &Error{Kind: KindRetryBudgetExhausted, Attempts: c.cfg.MaxAttempts, Err: last}
}

func (c *Client) attempt(ctx context.Context, prompt Prompt, schema *Schema) (Result, *Error) {
	attemptCtx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	raw, err := c.completer.Complete(attemptCtx, prompt)
	if err != nil {
		var hinted *hintedError
		var hint time.Duration
		if errors.As(err, &hinted) {
			hint = hinted.retryAfter
		}
		return nil, classify(err, attemptCtx, hint)
	}

	result, err := ParseResult(raw)
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: err}
	}
	if err := schema.Validate(result); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: err}
	}
	return result, nil
}

// backoff returns base*2^(attempt-1) capped at MaxBackoff with equal
// jitter, raised to the server's Retry-After hint when that is longer.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt && (c.cfg.MaxBackoff == 0 || d < c.cfg.MaxBackoff); i++ {
		d *= 2
	}
	if c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	d = d/2 + time.Duration(c.jitter()*float64(d/2))

	if retryAfter > d {
		d = retryAfter
		if c.cfg.MaxRetryAfter > 0 && d > c.cfg.MaxRetryAfter {
			d = c.cfg.MaxRetryAfter
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseResult decodes the model output into a JSON object, tolerating a
// surrounding Markdown code fence.
func ParseResult(raw string) (Result, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(body)))
	var result map[string]any
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	if result == nil {
		return nil, errors.New("response is null")
	}
	if decoder.More() {
		return nil, errors.New("response has trailing data after the JSON object")
	}
	return Result(result), nil
}
