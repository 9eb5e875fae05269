package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/pkg/circuitbreaker"
)

// Completion is one model answer with its accounting
type Completion struct {
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
}

// Completer sends a system and user prompt to a chat model
type Completer interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
	ModelName() string
}

// StatusError is a non-2xx answer from the completion endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, e.Body)
}

// upstreamFailure reports whether err reflects on the endpoint's health.
// Request errors such as 400 or 422 do not trip the breaker.
func upstreamFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// LLMConfig holds the chat completion client configuration
type LLMConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute float64
}

// DefaultLLMConfig returns default client configuration
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o-mini",
		MaxTokens:         4096,
		Timeout:           120 * time.Second,
		RequestsPerMinute: 30,
	}
}

// LLMClient talks to an OpenAI compatible chat completions endpoint. Calls
// are paced by a token bucket and guarded by a circuit breaker; failed calls
// are never retried.
type LLMClient struct {
	cfg     LLMConfig
	http    *http.Client
	bucket  *ratelimit.Bucket
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewLLMClient creates a new completion client
func NewLLMClient(cfg LLMConfig, m *metrics.Metrics, logger *zap.Logger) (*LLMClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultLLMConfig().RequestsPerMinute
	}

	cbCfg := circuitbreaker.DefaultConfig("llm:" + cfg.Model)
	cbCfg.IsFailure = upstreamFailure
	if m != nil {
		cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
		}
	}
	breaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &LLMClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		bucket:  ratelimit.NewBucketWithRate(cfg.RequestsPerMinute/60, 1),
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("llm-client"),
	}, nil
}

// ModelName returns the configured model
func (c *LLMClient) ModelName() string {
	return c.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete requests a JSON-object completion
func (c *LLMClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	ctx, span := c.tracer.Start(ctx, "llm_complete",
		trace.WithAttributes(attribute.String("model", c.cfg.Model)),
	)
	defer span.End()

	if wait := c.bucket.Take(1); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	completion, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*Completion, error) {
		return c.post(ctx, body)
	})
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.LLMLatency.Observe(elapsed.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	completion.Duration = elapsed
	span.SetAttributes(attribute.Int("total_tokens", completion.TotalTokens))

	c.logger.Debug("completion received",
		zap.String("model", completion.Model),
		zap.Duration("duration", elapsed),
		zap.Int("total_tokens", completion.TotalTokens),
	)
	return completion, nil
}

func (c *LLMClient) post(ctx context.Context, body []byte) (*Completion, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyResponse
	}

	model := cr.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Completion{
		Model:            model,
		Content:          cr.Choices[0].Message.Content,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		TotalTokens:      cr.Usage.TotalTokens,
	}, nil
}
