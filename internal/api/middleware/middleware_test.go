package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Client", GetClientID(r.Context()))
	w.WriteHeader(http.StatusOK)
})

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"k1": "pharmacy"})(ok)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantClient string
	}{
		{"api key header", "X-API-Key", "k1", http.StatusOK, "pharmacy"},
		{"bearer token", "Authorization", "Bearer k1", http.StatusOK, "pharmacy"},
		{"missing key", "", "", http.StatusUnauthorized, ""},
		{"unknown key", "X-API-Key", "nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Client"); got != tt.wantClient {
				t.Errorf("client = %q, want %q", got, tt.wantClient)
			}
		})
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without configured keys", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	h := NewRateLimiter(0.001, 2, m).Handler(ok)

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("10.0.0.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := do("10.0.0.1:2000")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once the burst is spent", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", rec.Header())
	}
	if rec := do("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, buckets must be per client", rec.Code)
	}
	if got := testutil.ToFloat64(m.RateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestRateLimiterEvict(t *testing.T) {
	l := NewRateLimiter(0.001, 1, nil)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Handler(ok)

	for i := 0; i < 1000; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = fmt.Sprintf("10.1.%d.%d:1000", i/256, i%256)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if got := l.Clients(); got != 1000 {
		t.Fatalf("clients = %d, want 1000", got)
	}

	// buckets are drained and recently used, nothing to drop yet
	if n, _ := l.Evict(context.Background()); n != 0 {
		t.Errorf("evicted %d active clients", n)
	}

	now = now.Add(DefaultIdleTimeout / 2)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.0.0:1000"
	h.ServeHTTP(httptest.NewRecorder(), req)

	now = now.Add(DefaultIdleTimeout/2 + time.Second)
	n, err := l.Evict(context.Background())
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n != 999 || l.Clients() != 1 {
		t.Errorf("evicted %d, kept %d; want 999 and 1", n, l.Clients())
	}

	// the surviving client is still limited
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, eviction must not reset an active client", rec.Code)
	}
}

func TestRequestIDAndRecover(t *testing.T) {
	panics := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := RequestID(Recover(zap.NewNop())(panics))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("request id = %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://pharmacy.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://pharmacy.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://pharmacy.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be allowed")
	}
}
