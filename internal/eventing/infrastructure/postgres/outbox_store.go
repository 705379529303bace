package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"aep-command/internal/eventing"
)

const (
	defaultOutboxTable = "event_outbox"
	defaultClaimLease  = time.Minute
)

// OutboxStore persists outbox envelopes in Postgres. Several service
// instances may drain the same table: rows are claimed with SKIP LOCKED and a
// claim older than the lease is handed out again.
type OutboxStore struct {
	db    *sql.DB
	table string
	lease time.Duration
	now   func() time.Time
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithClaimLease sets how long a claimed record stays invisible to other dispatchers.
func WithClaimLease(lease time.Duration) OutboxOption {
	return func(store *OutboxStore) {
		if lease > 0 {
			store.lease = lease
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable, lease: defaultClaimLease, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Insert writes an envelope to the outbox.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outboxID := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (id, event_id, event_type, tenant_id, payload, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)
ON CONFLICT (id) DO NOTHING`, s.table)

	if _, err := s.db.ExecContext(ctx, query, outboxID, env.EventID, env.EventType, env.TenantID, payload, s.now().UTC()); err != nil {
		return "", fmt.Errorf("outbox store: insert %s: %w", env.EventType, err)
	}
	return outboxID, nil
}

// ClaimPending claims up to limit deliverable records, oldest first.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	now := s.now().UTC()
	query := fmt.Sprintf(`
WITH next AS (
	SELECT id
	FROM %[1]s
	WHERE status = 'pending'
		OR (status = 'dispatching' AND claimed_at < $2)
	ORDER BY created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s o
SET status = 'dispatching', claimed_at = $3
FROM next
WHERE o.id = next.id
RETURNING o.id, o.payload, o.created_at`, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit, now.Add(-s.lease), now)
	if err != nil {
		return nil, fmt.Errorf("outbox store: claim: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		record    eventing.OutboxRecord
		createdAt time.Time
	}
	var batch []claimed
	for rows.Next() {
		var id string
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("outbox store: decode %s: %w", id, err)
		}
		batch = append(batch, claimed{record: eventing.OutboxRecord{ID: id, Envelope: env}, createdAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the CTE order.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].createdAt.Before(batch[j].createdAt) })
	result := make([]eventing.OutboxRecord, 0, len(batch))
	for _, item := range batch {
		result = append(result, item.record)
	}
	return result, nil
}

// MarkSent marks an outbox record as delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'sent', sent_at = $1 WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, s.now().UTC(), id)
	return err
}

// MarkFailed parks an outbox record as failed and counts the attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'failed', attempts = attempts + 1 WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// PurgeSent deletes delivered records older than before and returns the count.
func (s *OutboxStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'sent' AND sent_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
