package appointment

import (
	"context"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
)

// EffectSink receives committed effects.
type EffectSink interface {
	Enqueue(ctx context.Context, effects ...outbox.Effect) error
}

// MemoryRepository is a process-local ledger. A single mutex makes every
// capacity check and write atomic.
type MemoryRepository struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*Appointment
	stats        map[uuid.UUID]*Stats
	effects      EffectSink
}

func NewMemoryRepository(effects EffectSink) *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[uuid.UUID]*Appointment),
		stats:        make(map[uuid.UUID]*Stats),
		effects:      effects,
	}
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, apperr.NotFound("appointment", id.String())
	}
	return a.clone(), nil
}

func (r *MemoryRepository) GetBySessionID(_ context.Context, sessionID string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.VideoSession != nil && a.VideoSession.SessionID == sessionID {
			return a.clone(), nil
		}
	}
	return nil, apperr.NotFound("session", sessionID)
}

func (r *MemoryRepository) ListForProviderDate(_ context.Context, providerID uuid.UUID, date civil.Date) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.ProviderID == providerID && a.Date == date {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeSlot.Start != out[j].TimeSlot.Start {
			return out[i].TimeSlot.Start < out[j].TimeSlot.Start
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, w Write) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := w.Appointment
	if _, exists := r.appointments[a.ID]; exists {
		return apperr.Conflict("appointment_exists", "appointment already exists")
	}
	if err := r.checkCapacity(a, w.Capacity); err != nil {
		return err
	}
	a.Version = 1
	r.appointments[a.ID] = a.clone()
	r.applyStats(a.ProviderID, w.Stats)
	return r.enqueue(ctx, w.Effects)
}

func (r *MemoryRepository) Update(ctx context.Context, w Write) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := w.Appointment
	stored, ok := r.appointments[a.ID]
	if !ok {
		return apperr.NotFound("appointment", a.ID.String())
	}
	if stored.Version != a.Version {
		return ErrStaleWrite
	}
	if err := r.checkCapacity(a, w.Capacity); err != nil {
		return err
	}
	a.Version++
	r.appointments[a.ID] = a.clone()
	r.applyStats(a.ProviderID, w.Stats)
	return r.enqueue(ctx, w.Effects)
}

func (r *MemoryRepository) GetStats(_ context.Context, providerID uuid.UUID) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[providerID]; ok {
		return *s, nil
	}
	return Stats{ProviderID: providerID}, nil
}

func (r *MemoryRepository) checkCapacity(a *Appointment, limits *Limits) error {
	if limits == nil {
		return nil
	}
	var day, slot int
	for _, other := range r.appointments {
		if other.ID == a.ID || other.ProviderID != a.ProviderID || other.Date != a.Date || !other.Status.Active() {
			continue
		}
		day++
		if other.TimeSlot.Start == a.TimeSlot.Start {
			slot++
		}
	}
	return withinCapacity(day, slot, *limits)
}

func (r *MemoryRepository) applyStats(providerID uuid.UUID, d StatsDelta) {
	if d.IsZero() {
		return
	}
	s, ok := r.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID}
		r.stats[providerID] = s
	}
	s.Booked += d.Booked
	s.Completed += d.Completed
	s.Cancelled += d.Cancelled
	s.NoShow += d.NoShow
}

func (r *MemoryRepository) enqueue(ctx context.Context, effects []outbox.Effect) error {
	if r.effects == nil || len(effects) == 0 {
		return nil
	}
	return r.effects.Enqueue(ctx, effects...)
}
