package schedule

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

// Service validates provider-side schedule edits before storing them.
type Service struct {
	store  Store
	logger *logging.Logger
}

func NewService(store Store, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) Get(ctx context.Context, providerID uuid.UUID) (*Provider, error) {
	return s.store.Get(ctx, providerID)
}

func (s *Service) SetWeeklyPattern(ctx context.Context, providerID uuid.UUID, w WeeklyPattern) error {
	if err := ValidateWeekly(w); err != nil {
		return err
	}
	if err := s.store.SaveWeekly(ctx, providerID, w); err != nil {
		return err
	}
	s.logger.Info("weekly pattern updated", "provider_id", providerID)
	return nil
}

func (s *Service) UpdateSettings(ctx context.Context, providerID uuid.UUID, set SlotSettings) error {
	if err := ValidateSettings(set); err != nil {
		return err
	}
	return s.store.SaveSettings(ctx, providerID, set)
}

func (s *Service) UpdateTerms(ctx context.Context, providerID uuid.UUID, t Terms) error {
	if t.OnlineFee.IsNegative() || t.OfflineFee.IsNegative() {
		return apperr.Validation("fee", "fees must not be negative")
	}
	if c := t.CommissionPercent; c != nil && (c.IsNegative() || c.GreaterThan(decimal.NewFromInt(100))) {
		return apperr.Validation("commissionPercent", "commission must be between 0 and 100")
	}
	return s.store.SaveTerms(ctx, providerID, t)
}

// UpsertOverride stores o as the single override for its date; a later
// write for the same date wins.
func (s *Service) UpsertOverride(ctx context.Context, providerID uuid.UUID, o DateOverride) (DateOverride, error) {
	if err := ValidateOverride(o); err != nil {
		return DateOverride{}, err
	}
	stored, err := s.store.UpsertOverride(ctx, providerID, o)
	if err != nil {
		return DateOverride{}, err
	}
	s.logger.Info("date override stored", "provider_id", providerID, "date", o.Date.String(), "override_id", stored.ID)
	return stored, nil
}

func (s *Service) DeleteOverride(ctx context.Context, providerID, overrideID uuid.UUID) error {
	return s.store.DeleteOverride(ctx, providerID, overrideID)
}

// AddHoliday records the holiday only. Cancelling bookings on that date is
// the appointment service's job.
func (s *Service) AddHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error {
	if !date.IsValid() {
		return apperr.Validation("date", "holiday date is invalid")
	}
	if err := s.store.AddHoliday(ctx, providerID, date); err != nil {
		return fmt.Errorf("add holiday: %w", err)
	}
	return nil
}

func (s *Service) RemoveHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error {
	return s.store.RemoveHoliday(ctx, providerID, date)
}
