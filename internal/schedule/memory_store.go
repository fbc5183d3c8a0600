package schedule

import (
	"context"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

// MemoryStore keeps providers in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]*Provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{providers: make(map[uuid.UUID]*Provider)}
}

func (s *MemoryStore) Get(_ context.Context, providerID uuid.UUID) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[providerID]
	if !ok {
		return nil, apperr.NotFound("provider", providerID.String())
	}
	return p.clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := p.clone()
	cp.UpdatedAt = time.Now().UTC()
	s.providers[p.ID] = cp
	return nil
}

func (s *MemoryStore) mutate(providerID uuid.UUID, fn func(p *Provider) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return apperr.NotFound("provider", providerID.String())
	}
	cp := p.clone()
	if err := fn(cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.providers[providerID] = cp
	return nil
}

func (s *MemoryStore) SaveWeekly(_ context.Context, providerID uuid.UUID, w WeeklyPattern) error {
	return s.mutate(providerID, func(p *Provider) error {
		p.Schedule.Weekly = w
		return nil
	})
}

func (s *MemoryStore) SaveSettings(_ context.Context, providerID uuid.UUID, set SlotSettings) error {
	return s.mutate(providerID, func(p *Provider) error {
		p.Schedule.Settings = set
		return nil
	})
}

func (s *MemoryStore) SaveTerms(_ context.Context, providerID uuid.UUID, t Terms) error {
	return s.mutate(providerID, func(p *Provider) error {
		p.Terms = t
		return nil
	})
}

func (s *MemoryStore) UpsertOverride(_ context.Context, providerID uuid.UUID, o DateOverride) (DateOverride, error) {
	var stored DateOverride
	err := s.mutate(providerID, func(p *Provider) error {
		for i, existing := range p.Schedule.Overrides {
			if existing.Date == o.Date {
				o.ID = existing.ID
				p.Schedule.Overrides[i] = o
				stored = o
				return nil
			}
		}
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		p.Schedule.Overrides = append(p.Schedule.Overrides, o)
		stored = o
		return nil
	})
	return stored, err
}

func (s *MemoryStore) DeleteOverride(_ context.Context, providerID, overrideID uuid.UUID) error {
	return s.mutate(providerID, func(p *Provider) error {
		idx := slices.IndexFunc(p.Schedule.Overrides, func(o DateOverride) bool { return o.ID == overrideID })
		if idx < 0 {
			return apperr.NotFound("override", overrideID.String())
		}
		p.Schedule.Overrides = slices.Delete(p.Schedule.Overrides, idx, idx+1)
		return nil
	})
}

func (s *MemoryStore) AddHoliday(_ context.Context, providerID uuid.UUID, date civil.Date) error {
	return s.mutate(providerID, func(p *Provider) error {
		if !slices.Contains(p.Schedule.Holidays, date) {
			p.Schedule.Holidays = append(p.Schedule.Holidays, date)
		}
		return nil
	})
}

func (s *MemoryStore) RemoveHoliday(_ context.Context, providerID uuid.UUID, date civil.Date) error {
	return s.mutate(providerID, func(p *Provider) error {
		p.Schedule.Holidays = slices.DeleteFunc(p.Schedule.Holidays, func(d civil.Date) bool { return d == date })
		return nil
	})
}
