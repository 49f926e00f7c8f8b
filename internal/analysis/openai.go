package analysis

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Prompt is the rendered conversation sent to the model
type Prompt struct {
	System string
	User   string
}

// Completer sends one prompt to the external service and returns the raw
// model output. It does not retry.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAICompleter talks to any OpenAI-compatible API, xAI by default
type OpenAICompleter struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAICompleter creates a completer. Retry-After headers on error
// responses are surfaced to the retry loop.
func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = &retryAfterTransport{next: transport}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &wrapped

	return &OpenAICompleter{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}
}

// Model returns the configured model name
func (c *OpenAICompleter) Model() string {
	return c.cfg.Model
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt Prompt) (string, error) {
	hint := &retryHint{}
	ctx = context.WithValue(ctx, retryHintKey{}, hint)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", &hintedError{err: err, retryAfter: hint.get()}
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: errors.New("response has no choices")}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return "", &Error{Kind: KindInvalidResponse, Err: errors.New("response truncated at max_tokens")}
	}
	return choice.Message.Content, nil
}

// hintedError carries a Retry-After hint alongside the transport error
type hintedError struct {
	err        error
	retryAfter time.Duration
}

func (e *hintedError) Error() string { return e.err.Error() }
func (e *hintedError) Unwrap() error { return e.err }

type retryHintKey struct{}

type retryHint struct {
	mu sync.Mutex
	d  time.Duration
}

func (h *retryHint) set(d time.Duration) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()
}

func (h *retryHint) get() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.d
}

// retryAfterTransport records Retry-After on throttling responses into the
// hint carried by the request context.
type retryAfterTransport struct {
	next http.RoundTripper
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode < 400 {
		return resp, err
	}
	if hint, ok := req.Context().Value(retryHintKey{}).(*retryHint); ok {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			hint.set(d)
		}
	}
	return resp, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
