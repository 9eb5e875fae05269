package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerRunAll(t *testing.T) {
	s := New(time.Second, nil)

	var order []string
	record := func(name string, err error) Job {
		return func(ctx context.Context) (int64, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s ran without a deadline", name)
			}
			order = append(order, name)
			return 1, err
		}
	}

	if err := s.Every("5m", "outbox-cleanup", record("outbox-cleanup", nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("1m", "inbox-recover", record("inbox-recover", errors.New("db down"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("10m", "dead-letter", record("dead-letter", nil)); err != nil {
		t.Fatal(err)
	}

	// a failing job must not stop the ones after it
	s.RunAll()
	if len(order) != 3 || order[0] != "outbox-cleanup" || order[2] != "dead-letter" {
		t.Errorf("order = %v", order)
	}
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := New(time.Second, nil)
	for _, every := range []string{"", "often", "5"} {
		if err := s.Every(every, "job", func(context.Context) (int64, error) { return 0, nil }); err == nil {
			t.Errorf("Every(%q) should fail", every)
		}
	}
}
