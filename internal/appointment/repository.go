package appointment

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
)

var (
	ErrSlotFull        = apperr.Conflict("slot_full", "the selected slot is fully booked")
	ErrDailyLimit      = apperr.Conflict("daily_limit_reached", "the doctor has reached the daily appointment limit")
	ErrStaleWrite      = apperr.Conflict("concurrent_update", "appointment was modified concurrently, reload and retry")
	ErrSlotBeingBooked = apperr.Conflict("slot_being_booked", "slot is currently being booked, please retry")
)

// Limits is the capacity re-validated at write time.
type Limits struct {
	MaxConcurrentPerSlot  int
	MaxAppointmentsPerDay int
}

// Write is one ledger mutation. Effects and Stats commit with it.
type Write struct {
	Appointment *Appointment
	Effects     []outbox.Effect
	Stats       StatsDelta
	// Capacity, when set, makes the write conditional on the appointment's
	// date and slot still having room, not counting the appointment itself.
	Capacity *Limits
}

// Repository is the Booking Ledger.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Appointment, error)
	// ListForProviderDate returns every appointment of the provider on date,
	// ordered by slot start.
	ListForProviderDate(ctx context.Context, providerID uuid.UUID, date civil.Date) ([]Appointment, error)
	Create(ctx context.Context, w Write) error
	// Update persists w.Appointment if its Version still matches the stored
	// one and bumps the version. It fails with ErrStaleWrite otherwise.
	Update(ctx context.Context, w Write) error
	GetStats(ctx context.Context, providerID uuid.UUID) (Stats, error)
}

// withinCapacity checks counts of active bookings against limits.
func withinCapacity(dayCount, slotCount int, limits Limits) error {
	if limits.MaxAppointmentsPerDay > 0 && dayCount >= limits.MaxAppointmentsPerDay {
		return ErrDailyLimit
	}
	if slotCount >= max(limits.MaxConcurrentPerSlot, 1) {
		return ErrSlotFull
	}
	return nil
}

func dayLockKey(providerID uuid.UUID, date civil.Date) string {
	return "appointments:" + providerID.String() + ":" + date.String()
}
