// Package payments tracks the Payment record linked to an appointment and
// talks to the external payment gateway.
package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnpaid   Status = "unpaid"
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
)

type Payment struct {
	ID             uuid.UUID       `json:"id"`
	AppointmentID  uuid.UUID       `json:"appointmentId"`
	OrderRef       string          `json:"orderRef"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	RefundRef      string          `json:"refundRef,omitempty"`
	PayoutEligible bool            `json:"payoutEligible"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RefundRequest asks for the appointment's payment to be returned.
type RefundRequest struct {
	AppointmentID uuid.UUID       `json:"appointmentId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	GetByOrderRef(ctx context.Context, orderRef string) (*Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	// MarkPaid moves a pending payment to paid. It reports false when the
	// payment was not pending.
	MarkPaid(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkRefunded moves a paid payment to refunded. It reports false when
	// the payment was not paid, which makes repeated refunds no-ops.
	MarkRefunded(ctx context.Context, id uuid.UUID, refundRef string) (bool, error)
	MarkPayoutEligible(ctx context.Context, appointmentID uuid.UUID) error
}

// Gateway is the external payment collaborator.
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string, appointmentID uuid.UUID) (string, error)
	CaptureConfirmed(ctx context.Context, orderRef, signature string) (bool, error)
	Refund(ctx context.Context, orderRef string, amount decimal.Decimal, reason string) (string, error)
}
