package eventing

import (
	"context"
	"log"
	"time"
)

// PurgeFunc deletes bookkeeping rows older than before and reports how many went.
type PurgeFunc func(ctx context.Context, before time.Time) (int64, error)

// Retention periodically trims delivered outbox rows and idempotency markers.
type Retention struct {
	maxAge time.Duration
	purges map[string]PurgeFunc
	now    func() time.Time
	logger *log.Logger
}

// NewRetention constructs a retention loop keeping rows for maxAge.
func NewRetention(maxAge time.Duration, purges map[string]PurgeFunc, logger *log.Logger) *Retention {
	if logger == nil {
		logger = log.Default()
	}
	return &Retention{maxAge: maxAge, purges: purges, now: time.Now, logger: logger}
}

// RunOnce applies every purge with the current cutoff.
func (r *Retention) RunOnce(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(r.purges))
	if r.maxAge <= 0 {
		return removed
	}
	cutoff := r.now().UTC().Add(-r.maxAge)
	for name, purge := range r.purges {
		n, err := purge(ctx, cutoff)
		if err != nil {
			r.logger.Printf("eventing: retention %s failed: %v", name, err)
			continue
		}
		removed[name] = n
		if n > 0 {
			r.logger.Printf("eventing: retention %s removed %d rows older than %s", name, n, cutoff.Format(time.RFC3339))
		}
	}
	return removed
}

// Run applies retention every interval until ctx ends.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if r.maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
