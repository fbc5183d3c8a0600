package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

type MemoryStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[uuid.UUID]*Payment)}
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.AppointmentID == p.AppointmentID {
			return apperr.Conflict("payment_exists", "appointment already has a payment")
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) find(match func(*Payment) bool, what, key string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound(what, key)
}

func (s *MemoryStore) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	return s.find(func(p *Payment) bool { return p.AppointmentID == appointmentID }, "payment", appointmentID.String())
}

func (s *MemoryStore) GetByOrderRef(_ context.Context, orderRef string) (*Payment, error) {
	return s.find(func(p *Payment) bool { return p.OrderRef == orderRef }, "payment", orderRef)
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	return s.find(func(p *Payment) bool { return p.ID == id }, "payment", id.String())
}

func (s *MemoryStore) transition(id uuid.UUID, from Status, apply func(*Payment)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return false, apperr.NotFound("payment", id.String())
	}
	if p.Status != from {
		return false, nil
	}
	apply(p)
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, id uuid.UUID) (bool, error) {
	return s.transition(id, StatusPending, func(p *Payment) { p.Status = StatusPaid })
}

func (s *MemoryStore) MarkRefunded(_ context.Context, id uuid.UUID, refundRef string) (bool, error) {
	return s.transition(id, StatusPaid, func(p *Payment) {
		p.Status = StatusRefunded
		p.RefundRef = refundRef
	})
}

func (s *MemoryStore) MarkPayoutEligible(_ context.Context, appointmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.AppointmentID == appointmentID && p.Status == StatusPaid {
			p.PayoutEligible = true
			p.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}
