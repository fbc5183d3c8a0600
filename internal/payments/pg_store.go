package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/db"
)

type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const paymentColumns = `id, appointment_id, order_ref, amount::text, currency, status, refund_ref, payout_eligible, created_at, updated_at`

func scanPayment(row pgx.Row, key string) (*Payment, error) {
	var p Payment
	var amount string
	err := row.Scan(&p.ID, &p.AppointmentID, &p.OrderRef, &amount, &p.Currency, &p.Status, &p.RefundRef, &p.PayoutEligible, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("payment", key)
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode payment amount: %w", err)
	}
	return &p, nil
}

func (s *PgStore) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, order_ref, amount, currency, status, refund_ref, payout_eligible, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, '', false, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.AppointmentID, p.OrderRef, p.Amount.String(), p.Currency, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PgStore) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE appointment_id = $1`, appointmentID)
	return scanPayment(row, appointmentID.String())
}

func (s *PgStore) GetByOrderRef(ctx context.Context, orderRef string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_ref = $1`, orderRef)
	return scanPayment(row, orderRef)
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row, id.String())
}

func (s *PgStore) MarkPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = 'paid', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) MarkRefunded(ctx context.Context, id uuid.UUID, refundRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = 'refunded', refund_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'paid'
	`, id, refundRef)
	if err != nil {
		return false, fmt.Errorf("mark payment refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) MarkPayoutEligible(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payments SET payout_eligible = true, updated_at = now()
		WHERE appointment_id = $1 AND status = 'paid'
	`, appointmentID)
	if err != nil {
		return fmt.Errorf("mark payout eligible: %w", err)
	}
	return nil
}
