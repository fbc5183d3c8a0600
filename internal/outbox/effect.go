// Package outbox holds side effects produced by appointment transitions and
// delivers them after the transition is committed.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
)

type Kind string

const (
	KindNotify         Kind = "notify"
	KindRefund         Kind = "refund"
	KindPayoutEligible Kind = "payout_eligible"
)

// Effect is one pending follow-up of a committed transition.
type Effect struct {
	ID            uuid.UUID               `json:"id"`
	Kind          Kind                    `json:"kind"`
	AppointmentID uuid.UUID               `json:"appointmentId"`
	Notification  *notify.Message         `json:"notification,omitempty"`
	Refund        *payments.RefundRequest `json:"refund,omitempty"`
	Attempts      int                     `json:"attempts"`
	NextAttemptAt time.Time               `json:"nextAttemptAt"`
	LastError     string                  `json:"lastError,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
}

func Notify(appointmentID uuid.UUID, msg notify.Message) Effect {
	return Effect{Kind: KindNotify, AppointmentID: appointmentID, Notification: &msg}
}

func Refund(req payments.RefundRequest) Effect {
	return Effect{Kind: KindRefund, AppointmentID: req.AppointmentID, Refund: &req}
}

func PayoutEligible(appointmentID uuid.UUID) Effect {
	return Effect{Kind: KindPayoutEligible, AppointmentID: appointmentID}
}

// payload is the persisted body of an effect.
type payload struct {
	Notification *notify.Message         `json:"notification,omitempty"`
	Refund       *payments.RefundRequest `json:"refund,omitempty"`
}

// Store is the durable effect queue.
type Store interface {
	Enqueue(ctx context.Context, effects ...Effect) error
	// Claim returns up to limit effects due at now and hides them from other
	// claimers until now+lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Effect, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
}

// TxStore is implemented by stores that can enqueue inside a caller's
// transaction, so effects commit together with the state change.
type TxStore interface {
	Store
	EnqueueTx(ctx context.Context, q db.Querier, effects ...Effect) error
}

func prepare(effects []Effect, now time.Time) {
	for i := range effects {
		if effects[i].ID == uuid.Nil {
			effects[i].ID = uuid.New()
		}
		if effects[i].NextAttemptAt.IsZero() {
			effects[i].NextAttemptAt = now
		}
		effects[i].CreatedAt = now
	}
}
