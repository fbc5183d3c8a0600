package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

type Service struct {
	store    Store
	gateway  Gateway
	currency string
	logger   *logging.Logger
}

func NewService(store Store, gateway Gateway, currency string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, gateway: gateway, currency: currency, logger: logger}
}

// StatusFor reports the payment status of an appointment. Appointments
// without a payment record are unpaid.
func (s *Service) StatusFor(ctx context.Context, appointmentID uuid.UUID) (Status, error) {
	p, err := s.store.GetByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return StatusUnpaid, nil
		}
		return "", err
	}
	return p.Status, nil
}

func (s *Service) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	return s.store.GetByAppointment(ctx, appointmentID)
}

// CreateOrder opens a gateway order for the appointment. An existing
// pending order is returned as is.
func (s *Service) CreateOrder(ctx context.Context, appointmentID uuid.UUID, amount decimal.Decimal) (*Payment, error) {
	existing, err := s.store.GetByAppointment(ctx, appointmentID)
	switch {
	case err == nil:
		if existing.Status == StatusPending {
			return existing, nil
		}
		return nil, apperr.Conflict("payment_exists", fmt.Sprintf("appointment payment is already %s", existing.Status))
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	if !amount.IsPositive() {
		return nil, apperr.Validation("amount", "payment amount must be positive")
	}
	orderRef, err := s.gateway.CreateOrder(ctx, amount, s.currency, appointmentID)
	if err != nil {
		return nil, apperr.External("payment_gateway", err)
	}
	p := &Payment{
		AppointmentID: appointmentID,
		OrderRef:      orderRef,
		Amount:        amount,
		Currency:      s.currency,
		Status:        StatusPending,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payment order created", "appointment_id", appointmentID, "order_ref", orderRef)
	return p, nil
}

// Confirm marks the order paid once the gateway confirms capture.
// Confirming an already paid order is a no-op.
func (s *Service) Confirm(ctx context.Context, orderRef, signature string) (*Payment, error) {
	p, err := s.store.GetByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusPaid:
		return p, nil
	case StatusPending:
	default:
		return nil, apperr.Conflict("payment_not_pending", fmt.Sprintf("payment is %s", p.Status))
	}

	ok, err := s.gateway.CaptureConfirmed(ctx, orderRef, signature)
	if err != nil {
		return nil, apperr.External("payment_gateway", err)
	}
	if !ok {
		return nil, apperr.Validation("signature", "payment confirmation could not be verified")
	}
	if _, err := s.store.MarkPaid(ctx, p.ID); err != nil {
		return nil, err
	}
	s.logger.Info("payment captured", "appointment_id", p.AppointmentID, "order_ref", orderRef)
	return s.store.Get(ctx, p.ID)
}

// IssueRefund refunds the appointment's paid payment. Refunding a payment
// that is already refunded does nothing, so redelivered refund effects are
// safe. A zero amount refunds the full payment.
func (s *Service) IssueRefund(ctx context.Context, req RefundRequest) error {
	p, err := s.store.GetByAppointment(ctx, req.AppointmentID)
	if err != nil {
		return err
	}
	amount, reason := req.Amount, req.Reason
	if p.Status == StatusRefunded {
		return nil
	}
	if p.Status != StatusPaid {
		return apperr.Conflict("payment_not_paid", fmt.Sprintf("payment is %s", p.Status))
	}
	if amount.IsZero() {
		amount = p.Amount
	}
	refundRef, err := s.gateway.Refund(ctx, p.OrderRef, amount, reason)
	if err != nil {
		return apperr.External("payment_gateway", err)
	}
	if _, err := s.store.MarkRefunded(ctx, p.ID, refundRef); err != nil {
		return err
	}
	s.logger.Info("payment refunded", "appointment_id", p.AppointmentID, "refund_ref", refundRef, "reason", reason)
	return nil
}

func (s *Service) MarkPayoutEligible(ctx context.Context, appointmentID uuid.UUID) error {
	return s.store.MarkPayoutEligible(ctx, appointmentID)
}
