package memory

import (
	"context"
	"sync"
	"time"

	"aep-command/internal/eventing"
)

type outboxEntry struct {
	record   eventing.OutboxRecord
	status   string
	attempts int
	sentAt   time.Time
}

// OutboxStore keeps outbox records in process memory. Records are lost on restart.
type OutboxStore struct {
	mu      sync.Mutex
	entries []*outboxEntry
	index   map[string]*outboxEntry
}

// NewOutboxStore constructs an empty store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{index: make(map[string]*outboxEntry)}
}

// Insert appends a pending record.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	id := eventing.NewEventID()
	entry := &outboxEntry{record: eventing.OutboxRecord{ID: id, Envelope: env}, status: "pending"}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.index[id] = entry
	s.mu.Unlock()
	return id, nil
}

// ClaimPending claims up to limit pending records in insertion order.
func (s *OutboxStore) ClaimPending(_ context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventing.OutboxRecord
	for _, entry := range s.entries {
		if entry.status != "pending" {
			continue
		}
		entry.status = "dispatching"
		out = append(out, entry.record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent marks a record as sent and drops delivered history.
func (s *OutboxStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.index[id]
	if !ok {
		return nil
	}
	entry.status = "sent"
	entry.sentAt = time.Now().UTC()
	s.compact()
	return nil
}

// MarkFailed marks a record as failed.
func (s *OutboxStore) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.index[id]; ok {
		entry.status = "failed"
		entry.attempts++
	}
	return nil
}

// Pending reports the number of undelivered records.
func (s *OutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.entries {
		if entry.status == "pending" {
			count++
		}
	}
	return count
}

func (s *OutboxStore) compact() {
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.status == "sent" {
			delete(s.index, entry.record.ID)
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
}
