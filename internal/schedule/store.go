package schedule

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Store persists provider aggregates. Only the owning provider mutates a
// schedule, so writes are plain last-writer-wins.
type Store interface {
	Get(ctx context.Context, providerID uuid.UUID) (*Provider, error)
	Create(ctx context.Context, p *Provider) error
	SaveWeekly(ctx context.Context, providerID uuid.UUID, w WeeklyPattern) error
	SaveSettings(ctx context.Context, providerID uuid.UUID, s SlotSettings) error
	SaveTerms(ctx context.Context, providerID uuid.UUID, t Terms) error
	// UpsertOverride replaces any override already stored for o.Date and
	// returns the stored record with its surrogate ID.
	UpsertOverride(ctx context.Context, providerID uuid.UUID, o DateOverride) (DateOverride, error)
	DeleteOverride(ctx context.Context, providerID, overrideID uuid.UUID) error
	AddHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error
	RemoveHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error
}
