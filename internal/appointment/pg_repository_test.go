package appointment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
)

func TestPgCreateRejectsFullSlotInsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sampleAppointment(StatusPending)
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(dayLockKey(a.ProviderID, a.Date)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER`).
		WithArgs(a.ProviderID, pgxmock.AnyArg(), "09:00", activeStatusStrings(), a.ID).
		WillReturnRows(pgxmock.NewRows([]string{"day", "slot"}).AddRow(int64(3), int64(1)))
	mock.ExpectRollback()

	repo := NewPgRepository(mock, outbox.NewPgStore(mock))
	err = repo.Create(context.Background(), Write{
		Appointment: a,
		Capacity:    &Limits{MaxConcurrentPerSlot: 1, MaxAppointmentsPerDay: 20},
	})
	assert.ErrorIs(t, err, ErrSlotFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCreateWritesStatsAndEffectsInSameTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sampleAppointment(StatusPending)
	a.CreatedAt = time.Now().UTC()
	effects := []outbox.Effect{outbox.PayoutEligible(a.ID)}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(dayLockKey(a.ProviderID, a.Date)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER`).
		WithArgs(a.ProviderID, pgxmock.AnyArg(), "09:00", activeStatusStrings(), a.ID).
		WillReturnRows(pgxmock.NewRows([]string{"day", "slot"}).AddRow(int64(0), int64(0)))
	mock.ExpectQuery(`INSERT INTO appointments`).
		WithArgs(a.ID, a.PatientID, a.ProviderID, pgxmock.AnyArg(), "09:00", "09:30",
			a.ConsultationType, a.PaymentMethod, a.Status, pgxmock.AnyArg(), a.Symptoms, pgxmock.AnyArg(), a.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO provider_stats`).
		WithArgs(a.ProviderID, 1, 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO outbox_effects`).
		WithArgs(pgxmock.AnyArg(), outbox.KindPayoutEligible, a.ID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	repo := NewPgRepository(mock, outbox.NewPgStore(mock))
	err = repo.Create(context.Background(), Write{
		Appointment: a,
		Effects:     effects,
		Stats:       StatsDelta{Booked: 1},
		Capacity:    &Limits{MaxConcurrentPerSlot: 1, MaxAppointmentsPerDay: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateDetectsStaleVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sampleAppointment(StatusConfirmed)
	a.Version = 4
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE appointments`).
		WithArgs(a.ID, pgxmock.AnyArg(), "09:00", "09:30", StatusConfirmed, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), "", "", 0, pgxmock.AnyArg(), 4).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	repo := NewPgRepository(mock, nil)
	err = repo.Update(context.Background(), Write{Appointment: a})
	assert.ErrorIs(t, err, ErrStaleWrite)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetDecodesDocumentColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sampleAppointment(StatusCancelled)
	now := time.Now().UTC()
	cancellation, _ := json.Marshal(Cancellation{Reason: "sick", CancelledBy: ActorPatient, CancelledAt: now})
	history, _ := json.Marshal([]StatusChange{{From: StatusPending, To: StatusCancelled, Actor: ActorPatient, At: now}})

	rows := pgxmock.NewRows([]string{
		"id", "patient_id", "provider_id", "appointment_date", "slot_start", "slot_end",
		"consultation_type", "payment_method", "status", "pricing", "symptoms", "cancellation", "video_session",
		"diagnosis", "notes", "reschedule_count", "history", "version", "created_at", "updated_at",
	}).AddRow(
		a.ID, a.PatientID, a.ProviderID, a.Date.In(time.UTC), "09:00", "09:30",
		ConsultationOnline, PaymentOnline, StatusCancelled, []byte(`{"consultationFee":"500"}`), "", cancellation, []byte(nil),
		"", "", 0, history, 2, now, now,
	)
	mock.ExpectQuery(`FROM appointments WHERE id = \$1`).WithArgs(a.ID).WillReturnRows(rows)

	got, err := NewPgRepository(mock, nil).Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Date, got.Date)
	assert.Equal(t, "500", got.Pricing.ConsultationFee.String())
	require.NotNil(t, got.Cancellation)
	assert.Equal(t, "sick", got.Cancellation.Reason)
	assert.Nil(t, got.VideoSession)
	require.Len(t, got.History, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery(`FROM appointments WHERE id = \$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewPgRepository(mock, nil).Get(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
