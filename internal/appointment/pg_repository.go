package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
)

// TxEffectSink writes effects inside the ledger transaction.
type TxEffectSink interface {
	EnqueueTx(ctx context.Context, q db.Querier, effects ...outbox.Effect) error
}

// PgRepository is the Postgres ledger. Capacity-guarded writes serialize on
// a transaction-scoped advisory lock per (provider, date) and re-count active
// bookings before writing.
type PgRepository struct {
	pool    db.Pool
	effects TxEffectSink
}

func NewPgRepository(pool db.Pool, effects TxEffectSink) *PgRepository {
	return &PgRepository{pool: pool, effects: effects}
}

const appointmentColumns = `id, patient_id, provider_id, appointment_date, slot_start, slot_end,
	consultation_type, payment_method, status, pricing, symptoms, cancellation, video_session,
	diagnosis, notes, reschedule_count, history, version, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var pricing, cancellation, video, history []byte

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&date,
		&a.TimeSlot.Start,
		&a.TimeSlot.End,
		&a.ConsultationType,
		&a.PaymentMethod,
		&a.Status,
		&pricing,
		&a.Symptoms,
		&cancellation,
		&video,
		&a.Diagnosis,
		&a.Notes,
		&a.RescheduleCount,
		&history,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("appointment", "")
		}
		return nil, fmt.Errorf("scan appointment: %w", err)
	}

	a.Date = civil.DateOf(date)
	if err := json.Unmarshal(pricing, &a.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	if len(cancellation) > 0 {
		if err := json.Unmarshal(cancellation, &a.Cancellation); err != nil {
			return nil, fmt.Errorf("decode cancellation: %w", err)
		}
	}
	if len(video) > 0 {
		if err := json.Unmarshal(video, &a.VideoSession); err != nil {
			return nil, fmt.Errorf("decode video session: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return &a, nil
}

// nullableJSON encodes v, or returns nil so the column is NULL.
func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func sessionID(a *Appointment) *string {
	if a.VideoSession == nil {
		return nil
	}
	return &a.VideoSession.SessionID
}

func activeStatusStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("appointment", id.String())
	}
	return a, err
}

func (r *PgRepository) GetBySessionID(ctx context.Context, sessionID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE session_id = $1`, sessionID)
	a, err := scanAppointment(row)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("session", sessionID)
	}
	return a, err
}

func (r *PgRepository) ListForProviderDate(ctx context.Context, providerID uuid.UUID, date civil.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1 AND appointment_date = $2
		ORDER BY slot_start, created_at
	`, providerID, date.In(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return result, nil
}

func (r *PgRepository) Create(ctx context.Context, w Write) error {
	a := w.Appointment
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.guardCapacity(ctx, tx, a, w.Capacity); err != nil {
			return err
		}

		pricing, err := json.Marshal(a.Pricing)
		if err != nil {
			return fmt.Errorf("encode pricing: %w", err)
		}
		history, err := json.Marshal(a.History)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO appointments (id, patient_id, provider_id, appointment_date, slot_start, slot_end,
				consultation_type, payment_method, status, pricing, symptoms, diagnosis, notes,
				reschedule_count, history, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', '', 0, $12, 1, $13, $13)
			RETURNING version
		`, a.ID, a.PatientID, a.ProviderID, a.Date.In(time.UTC), a.TimeSlot.Start, a.TimeSlot.End,
			a.ConsultationType, a.PaymentMethod, a.Status, pricing, a.Symptoms, history, a.CreatedAt,
		).Scan(&a.Version)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		return r.commitSideEffects(ctx, tx, a.ProviderID, w)
	})
}

func (r *PgRepository) Update(ctx context.Context, w Write) error {
	a := w.Appointment
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.guardCapacity(ctx, tx, a, w.Capacity); err != nil {
			return err
		}

		cancellation, err := nullableJSON(a.Cancellation)
		if err != nil {
			return fmt.Errorf("encode cancellation: %w", err)
		}
		video, err := nullableJSON(a.VideoSession)
		if err != nil {
			return fmt.Errorf("encode video session: %w", err)
		}
		history, err := json.Marshal(a.History)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE appointments
			SET appointment_date = $2,
			    slot_start = $3,
			    slot_end = $4,
			    status = $5,
			    cancellation = $6,
			    video_session = $7,
			    session_id = $8,
			    diagnosis = $9,
			    notes = $10,
			    reschedule_count = $11,
			    history = $12,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1
			  AND version = $13
			RETURNING version, updated_at
		`, a.ID, a.Date.In(time.UTC), a.TimeSlot.Start, a.TimeSlot.End, a.Status, cancellation, video,
			sessionID(a), a.Diagnosis, a.Notes, a.RescheduleCount, history, a.Version,
		).Scan(&a.Version, &a.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrStaleWrite
			}
			return fmt.Errorf("update appointment: %w", err)
		}

		return r.commitSideEffects(ctx, tx, a.ProviderID, w)
	})
}

func (r *PgRepository) GetStats(ctx context.Context, providerID uuid.UUID) (Stats, error) {
	s := Stats{ProviderID: providerID}
	err := r.pool.QueryRow(ctx, `
		SELECT booked, completed, cancelled, no_show
		FROM provider_stats
		WHERE provider_id = $1
	`, providerID).Scan(&s.Booked, &s.Completed, &s.Cancelled, &s.NoShow)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, fmt.Errorf("get provider stats: %w", err)
	}
	return s, nil
}

// guardCapacity locks the provider's day and re-counts active bookings,
// excluding a itself.
func (r *PgRepository) guardCapacity(ctx context.Context, tx pgx.Tx, a *Appointment, limits *Limits) error {
	if limits == nil {
		return nil
	}
	if err := db.LockKey(ctx, tx, dayLockKey(a.ProviderID, a.Date)); err != nil {
		return err
	}

	var day, slot int64
	err := tx.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE slot_start = $3)
		FROM appointments
		WHERE provider_id = $1
		  AND appointment_date = $2
		  AND status = ANY($4)
		  AND id <> $5
	`, a.ProviderID, a.Date.In(time.UTC), a.TimeSlot.Start, activeStatusStrings(), a.ID).Scan(&day, &slot)
	if err != nil {
		return fmt.Errorf("count active bookings: %w", err)
	}
	return withinCapacity(int(day), int(slot), *limits)
}

func (r *PgRepository) commitSideEffects(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, w Write) error {
	if !w.Stats.IsZero() {
		_, err := tx.Exec(ctx, `
			INSERT INTO provider_stats (provider_id, booked, completed, cancelled, no_show)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (provider_id) DO UPDATE
			SET booked = provider_stats.booked + EXCLUDED.booked,
			    completed = provider_stats.completed + EXCLUDED.completed,
			    cancelled = provider_stats.cancelled + EXCLUDED.cancelled,
			    no_show = provider_stats.no_show + EXCLUDED.no_show
		`, providerID, w.Stats.Booked, w.Stats.Completed, w.Stats.Cancelled, w.Stats.NoShow)
		if err != nil {
			return fmt.Errorf("update provider stats: %w", err)
		}
	}
	if len(w.Effects) > 0 && r.effects != nil {
		if err := r.effects.EnqueueTx(ctx, tx, w.Effects...); err != nil {
			return err
		}
	}
	return nil
}
