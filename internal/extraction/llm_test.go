package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/pkg/circuitbreaker"
)

func testClient(t *testing.T, url string) (*LLMClient, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	cfg := DefaultLLMConfig()
	cfg.BaseURL = url
	cfg.APIKey = "test-key"
	cfg.Timeout = 5 * time.Second
	cfg.RequestsPerMinute = 600000
	c, err := NewLLMClient(cfg, m, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, m
}

func TestLLMClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.ResponseFormat["type"] != "json_object" {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"model": "gpt-4o-mini-2024", "choices": [{"message": {"role": "assistant", "content": "{\"ok\": true}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}}`))
	}))
	defer srv.Close()

	c, m := testClient(t, srv.URL+"/")
	got, err := c.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Content != `{"ok": true}` || got.Model != "gpt-4o-mini-2024" || got.TotalTokens != 16 {
		t.Errorf("completion = %+v", got)
	}
	if n := testutil.CollectAndCount(m.LLMLatency); n != 1 {
		t.Errorf("latency series = %d", n)
	}
}

func TestLLMClientEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  "}}]}`))
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	if _, err := c.Complete(context.Background(), "s", "u"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestLLMClientBreaker(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantOpen bool
	}{
		{"server errors trip", http.StatusBadGateway, true},
		{"rate limited trips", http.StatusTooManyRequests, true},
		{"request errors do not trip", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				http.Error(w, "upstream says no", tt.status)
			}))
			defer srv.Close()

			c, m := testClient(t, srv.URL)
			for i := 0; i < 3; i++ {
				_, err := c.Complete(context.Background(), "s", "u")
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != tt.status {
					t.Fatalf("call %d: err = %v", i, err)
				}
			}

			_, err := c.Complete(context.Background(), "s", "u")
			if gotOpen := errors.Is(err, circuitbreaker.ErrOpen); gotOpen != tt.wantOpen {
				t.Fatalf("open = %v, want %v (err %v)", gotOpen, tt.wantOpen, err)
			}
			if tt.wantOpen {
				if hits.Load() != 3 {
					t.Errorf("rejected call reached the server, hits = %d", hits.Load())
				}
				if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("llm:gpt-4o-mini")); v != 1 {
					t.Errorf("breaker gauge = %v, want 1", v)
				}
			}
		})
	}
}

func TestLLMClientHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{}"}}]}`))
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	c.bucket = ratelimit.NewBucketWithRate(1.0/60, 1)
	c.bucket.TakeAvailable(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Complete(ctx, "s", "u"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
