package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"aep-command/internal/eventing"
)

// DLQStore keeps dead letters in memory, one per event id.
type DLQStore struct {
	mu      sync.Mutex
	letters map[string]*eventing.DeadLetter
}

// NewDLQStore constructs an empty store.
func NewDLQStore() *DLQStore {
	return &DLQStore{letters: make(map[string]*eventing.DeadLetter)}
}

// RecordFailure stores or bumps the dead letter for env.
func (s *DLQStore) RecordFailure(_ context.Context, env eventing.Envelope, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter, ok := s.letters[env.EventID]; ok {
		letter.Attempts++
		letter.Error = msg
		letter.LastSeenAt = now
		return nil
	}
	s.letters[env.EventID] = &eventing.DeadLetter{
		EventID:     env.EventID,
		EventType:   env.EventType,
		TenantID:    env.TenantID,
		Error:       msg,
		Attempts:    1,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Envelope:    env,
	}
	return nil
}

// List returns the most recently failing events first.
func (s *DLQStore) List(_ context.Context, limit int) ([]eventing.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	out := make([]eventing.DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		out = append(out, *letter)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of dead letters.
func (s *DLQStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}
