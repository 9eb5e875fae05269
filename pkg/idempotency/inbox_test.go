package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: map[string]*Entry{}, now: now}
}

func (s *memStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) Start(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = s.now()
		return nil
	}
	s.entries[key] = &Entry{
		IdempotencyKey: key,
		HandlerName:    handler,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
		ExpiresAt:      &expiresAt,
	}
	return nil
}

func (s *memStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = s.now()
	return nil
}

func (s *memStore) Cleanup(context.Context, time.Duration) (int64, error) { return 0, nil }

func (s *memStore) RecoverStale(context.Context, time.Duration) (int64, error) { return 0, nil }

func TestProcessRunsOnce(t *testing.T) {
	store := newMemStore(time.Now)
	inbox := New(store, DefaultConfig(), nil)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"report_id":"r1"}`), nil
	}

	first, err := inbox.Process(ctx, "k", "audit", json.RawMessage(`{}`), fn)
	if err != nil || !first.IsNew {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := inbox.Process(ctx, "k", "audit", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if second.IsNew || string(second.Output) != `{"report_id":"r1"}` {
		t.Errorf("second = %+v", second)
	}
}

func TestProcessFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantRetry  error
	}{
		{"recoverable error is retried", boom, StatusRecoverable, nil},
		{"terminal error is not retried", Terminal(boom), StatusFailed, ErrPreviouslyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(time.Now)
			inbox := New(store, DefaultConfig(), nil)
			ctx := context.Background()

			_, err := inbox.Process(ctx, "k", "audit", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
				return nil, tt.err
			})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			if got := store.entries["k"].Status; got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}

			res, err := inbox.Process(ctx, "k", "audit", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`1`), nil
			})
			if tt.wantRetry != nil {
				if !errors.Is(err, tt.wantRetry) {
					t.Errorf("retry err = %v, want %v", err, tt.wantRetry)
				}
				return
			}
			if err != nil || !res.WasRecovered {
				t.Errorf("retry = %+v, %v", res, err)
			}
		})
	}
}

func TestProcessInProgress(t *testing.T) {
	now := time.Now()
	store := newMemStore(func() time.Time { return now })
	inbox := New(store, DefaultConfig(), nil)
	inbox.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Start(ctx, "k", "audit", nil, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }

	if _, err := inbox.Process(ctx, "k", "audit", nil, noop); !errors.Is(err, ErrMessageInProgress) {
		t.Errorf("err = %v, want ErrMessageInProgress", err)
	}

	// a handler that stalls past the recovery timeout is taken over
	inbox.now = func() time.Time { return now.Add(10 * time.Minute) }
	res, err := inbox.Process(ctx, "k", "audit", nil, noop)
	if err != nil || !res.WasRecovered {
		t.Errorf("takeover = %+v, %v", res, err)
	}
}

func TestKey(t *testing.T) {
	a, err := Key("case-1", []byte(`{"a": 1, "b": [1, 2]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Key("case-1", []byte(`{"b":[1,2],"a":1}`))
	c, _ := Key("case-2", []byte(`{"a": 1, "b": [1, 2]}`))

	if a != b {
		t.Error("key must not depend on field order or whitespace")
	}
	if a == c {
		t.Error("key must depend on the case id")
	}
	if _, err := Key("x", []byte(`{`)); err == nil {
		t.Error("invalid payload should fail")
	}
}

func TestTerminal(t *testing.T) {
	base := errors.New("bad case")
	wrapped := Terminal(base)
	if !IsTerminal(wrapped) || !errors.Is(wrapped, base) {
		t.Error("Terminal must be detectable and unwrap to the cause")
	}
	if IsTerminal(base) || Terminal(nil) != nil {
		t.Error("plain errors are not terminal")
	}
}
