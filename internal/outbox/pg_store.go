package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-scheduling/internal/db"
)

type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Enqueue(ctx context.Context, effects ...Effect) error {
	return s.EnqueueTx(ctx, s.pool, effects...)
}

func (s *PgStore) EnqueueTx(ctx context.Context, q db.Querier, effects ...Effect) error {
	prepare(effects, time.Now().UTC())
	for _, e := range effects {
		body, err := json.Marshal(payload{Notification: e.Notification, Refund: e.Refund})
		if err != nil {
			return fmt.Errorf("encode effect payload: %w", err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO outbox_effects (id, kind, appointment_id, payload, attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, e.ID, e.Kind, e.AppointmentID, body, e.NextAttemptAt, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert effect: %w", err)
		}
	}
	return nil
}

func (s *PgStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Effect, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_effects SET leased_until = $2
		WHERE id IN (
			SELECT id FROM outbox_effects
			WHERE delivered_at IS NULL AND failed_at IS NULL
			  AND next_attempt_at <= $1
			  AND (leased_until IS NULL OR leased_until <= $1)
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, appointment_id, payload, attempts, next_attempt_at, COALESCE(last_error, ''), created_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim effects: %w", err)
	}
	defer rows.Close()

	var out []Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim effects: %w", err)
	}
	return out, nil
}

func scanEffect(row pgx.Row) (Effect, error) {
	var e Effect
	var body []byte
	if err := row.Scan(&e.ID, &e.Kind, &e.AppointmentID, &body, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
		return Effect{}, fmt.Errorf("scan effect: %w", err)
	}
	var p payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return Effect{}, fmt.Errorf("decode effect payload: %w", err)
		}
	}
	e.Notification = p.Notification
	e.Refund = p.Refund
	return e, nil
}

func (s *PgStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox_effects SET delivered_at = now(), leased_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark effect delivered: %w", err)
	}
	return nil
}

func (s *PgStore) ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_effects
		SET attempts = $2, next_attempt_at = $3, last_error = $4, leased_until = NULL
		WHERE id = $1
	`, id, attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("schedule effect retry: %w", err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_effects
		SET attempts = $2, last_error = $3, failed_at = now(), leased_until = NULL
		WHERE id = $1
	`, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("mark effect failed: %w", err)
	}
	return nil
}
