package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. It honors the same
// contracts as the sqlite store, including atomic Claim, so tests exercise
// the real dispatch paths.
type memoryStore struct {
	mu       sync.Mutex
	items    map[string]Item
	attempts []Attempt
	dedup    map[string]dedupEntry

	attemptSeq int64
}

type dedupEntry struct {
	externalID string
	until      time.Time
}

func NewMemory() Store {
	return &memoryStore{
		items: map[string]Item{},
		dedup: map[string]dedupEntry{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Enqueue(ctx context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.Recurrence != nil {
		rule := *it.Recurrence
		it.Recurrence = &rule
	}
	s.items[it.ID] = it
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (s *memoryStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Item
	for _, it := range s.items {
		if it.State != StateScheduled && it.State != StateQueued {
			continue
		}
		if it.DueAt().After(now) {
			continue
		}
		due = append(due, it)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryStore) Claim(ctx context.Context, id string, now time.Time) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if it.State != StateScheduled && it.State != StateQueued {
		return Item{}, ErrAlreadyClaimed
	}
	it.State = StatePublishing
	it.UpdatedAt = now
	s.items[id] = it
	return it, nil
}

func (s *memoryStore) UpdateOutcome(ctx context.Context, id string, out Outcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.State != StatePublishing {
		return ErrAlreadyClaimed
	}
	it.State = out.State
	it.AttemptCount++
	it.LastError = out.LastError
	it.NextAttemptAt = out.NextAttemptAt
	it.UpdatedAt = now
	s.items[id] = it
	return nil
}

func (s *memoryStore) Requeue(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.State != StatePublishing {
		return nil
	}
	it.State = StateQueued
	it.UpdatedAt = now
	s.items[id] = it
	return nil
}

func (s *memoryStore) Cancel(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	switch it.State {
	case StateScheduled, StateQueued:
		it.State = StateCancelled
		it.UpdatedAt = now
		s.items[id] = it
		return nil
	case StatePublishing:
		return ErrAlreadyClaimed
	default:
		return ErrTerminal
	}
}

func (s *memoryStore) RecoverPublishing(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, it := range s.items {
		if it.State != StatePublishing {
			continue
		}
		it.State = StateQueued
		t := now
		it.NextAttemptAt = &t
		it.UpdatedAt = now
		s.items[id] = it
		n++
	}
	return n, nil
}

func (s *memoryStore) RecordAttempt(ctx context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	s.attemptSeq++
	a.ID = s.attemptSeq
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memoryStore) ListAttempts(ctx context.Context, itemID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for _, a := range s.attempts {
		if a.ItemID == itemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) PutDedup(ctx context.Context, token, externalID string, until time.Time) error {
	if token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[token] = dedupEntry{externalID: externalID, until: until}
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dedup[token]
	if !ok || time.Now().After(e.until) {
		return "", false, nil
	}
	return e.externalID, true, nil
}
