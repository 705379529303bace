package eventing

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func TestRetentionRunOnce(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	var gotCutoff time.Time
	retention := NewRetention(48*time.Hour, map[string]PurgeFunc{
		"outbox": func(_ context.Context, before time.Time) (int64, error) {
			gotCutoff = before
			return 3, nil
		},
		"processed": func(_ context.Context, _ time.Time) (int64, error) {
			return 0, errors.New("db down")
		},
	}, log.New(io.Discard, "", 0))
	retention.now = func() time.Time { return now }

	removed := retention.RunOnce(context.Background())
	if removed["outbox"] != 3 {
		t.Fatalf("expected 3 outbox rows removed, got %v", removed)
	}
	if _, ok := removed["processed"]; ok {
		t.Fatalf("failed purge must not report a count")
	}
	if !gotCutoff.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected cutoff %s", gotCutoff)
	}
}

func TestRetentionDisabled(t *testing.T) {
	called := false
	retention := NewRetention(0, map[string]PurgeFunc{
		"outbox": func(_ context.Context, _ time.Time) (int64, error) {
			called = true
			return 0, nil
		},
	}, nil)
	if removed := retention.RunOnce(context.Background()); len(removed) != 0 || called {
		t.Fatalf("disabled retention must not purge")
	}
	done := make(chan struct{})
	go func() {
		retention.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disabled retention loop should return immediately")
	}
}
