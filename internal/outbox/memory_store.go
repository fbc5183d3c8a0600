package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

type memoryEntry struct {
	effect     Effect
	leaseUntil time.Time
	delivered  bool
	failed     bool
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*memoryEntry)}
}

func (s *MemoryStore) Enqueue(_ context.Context, effects ...Effect) error {
	prepare(effects, time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range effects {
		s.entries[e.ID] = &memoryEntry{effect: e}
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*memoryEntry
	for _, e := range s.entries {
		if e.delivered || e.failed || e.effect.NextAttemptAt.After(now) || e.leaseUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].effect.NextAttemptAt.Before(due[j].effect.NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Effect, 0, len(due))
	for _, e := range due {
		e.leaseUntil = now.Add(lease)
		out = append(out, e.effect)
	}
	return out, nil
}

func (s *MemoryStore) entry(id uuid.UUID) (*memoryEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("effect", id.String())
	}
	return e, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.delivered = true
	return nil
}

func (s *MemoryStore) ScheduleRetry(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.effect.Attempts = attempts
	e.effect.NextAttemptAt = next
	e.effect.LastError = lastErr
	e.leaseUntil = time.Time{}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.effect.Attempts = attempts
	e.effect.LastError = lastErr
	e.failed = true
	return nil
}

// Pending returns effects that are neither delivered nor failed.
func (s *MemoryStore) Pending() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Effect
	for _, e := range s.entries {
		if !e.delivered && !e.failed {
			out = append(out, e.effect)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
