package appointment

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/fees"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// 2026-10-12 is a Monday.
var monday = civil.Date{Year: 2026, Month: time.October, Day: 12}

var allStatuses = []Status{
	StatusPending, StatusConfirmed, StatusOngoing, StatusCompleted,
	StatusCancelled, StatusNoShow, StatusRescheduled,
}

func sampleAppointment(status Status) *Appointment {
	return &Appointment{
		ID:               uuid.New(),
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		Date:             monday,
		TimeSlot:         TimeSlot{Start: "09:00", End: "09:30"},
		ConsultationType: ConsultationOnline,
		PaymentMethod:    PaymentOnline,
		Status:           status,
		Version:          1,
	}
}

func doctor(a *Appointment) ActorRef  { return ActorRef{Role: ActorProvider, ID: a.ProviderID} }
func patient(a *Appointment) ActorRef { return ActorRef{Role: ActorPatient, ID: a.PatientID} }
func admin() ActorRef                 { return ActorRef{Role: ActorAdmin, ID: uuid.New()} }

// validCommand builds a command whose inputs satisfy every event's required
// fields, so only state and actor decide acceptance.
func validCommand(a *Appointment, ev Event, actor ActorRef) Command {
	return Command{
		Event:     ev,
		Actor:     actor,
		Reason:    "unavailable",
		Diagnosis: "common cold",
		NewDate:   monday.AddDays(7),
		NewSlot:   TimeSlot{Start: "10:00", End: "10:30"},
		At:        time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC),
	}
}

func TestApplyRejectsEveryUnlistedTransition(t *testing.T) {
	for ev, r := range rules {
		for _, from := range allStatuses {
			listed := false
			for _, f := range r.from {
				if f == from {
					listed = true
				}
			}
			if listed {
				continue
			}
			a := sampleAppointment(from)
			a.VideoSession = &VideoSession{SessionID: "s", StartedAt: time.Now()}
			_, err := Apply(a, validCommand(a, ev, doctor(a)), payments.StatusUnpaid)
			require.Error(t, err, "%s from %s", ev, from)
			assert.ErrorIs(t, err, apperr.ErrConflict, "%s from %s", ev, from)
			appErr, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, string(from), appErr.CurrentStatus)
		}
	}
}

func TestApplyGatesActors(t *testing.T) {
	a := sampleAppointment(StatusPending)
	_, err := Apply(a, validCommand(a, EventAccept, patient(a)), payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = Apply(a, validCommand(a, EventAccept, ActorRef{Role: ActorProvider, ID: uuid.New()}), payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	out, err := Apply(a, validCommand(a, EventAccept, doctor(a)), payments.StatusUnpaid)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Appointment.Status)
	assert.Equal(t, StatusPending, a.Status, "input must not be mutated")
}

func TestAcceptOnCompletedFails(t *testing.T) {
	a := sampleAppointment(StatusCompleted)
	_, err := Apply(a, Command{Event: EventAccept, Actor: doctor(a)}, payments.StatusPaid)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRejectPaidAppointmentRefundsAndNotifies(t *testing.T) {
	a := sampleAppointment(StatusPending)

	out, err := Apply(a, Command{Event: EventReject, Actor: doctor(a), Reason: "unavailable"}, payments.StatusPaid)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, out.Appointment.Status)
	require.NotNil(t, out.Appointment.Cancellation)
	assert.Equal(t, "unavailable", out.Appointment.Cancellation.Reason)
	assert.Equal(t, ActorProvider, out.Appointment.Cancellation.CancelledBy)
	assert.Equal(t, 1, out.Stats.Cancelled)

	kinds := effectKinds(out.Effects)
	assert.ElementsMatch(t, []outbox.Kind{outbox.KindRefund, outbox.KindNotify}, kinds)
	for _, e := range out.Effects {
		switch e.Kind {
		case outbox.KindRefund:
			assert.Equal(t, a.ID, e.Refund.AppointmentID)
			assert.True(t, e.Refund.Amount.IsZero(), "zero amount refunds the full payment")
		case outbox.KindNotify:
			assert.Equal(t, a.PatientID, e.Notification.RecipientID)
			assert.Equal(t, notify.RecipientPatient, e.Notification.RecipientKind)
			assert.Equal(t, "unavailable", e.Notification.Data["reason"])
		}
	}
}

func TestRejectRequiresReason(t *testing.T) {
	a := sampleAppointment(StatusPending)
	_, err := Apply(a, Command{Event: EventReject, Actor: doctor(a)}, payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCancelReasonRules(t *testing.T) {
	a := sampleAppointment(StatusConfirmed)

	out, err := Apply(a, Command{Event: EventCancel, Actor: patient(a)}, payments.StatusUnpaid)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Appointment.Status)
	assert.Equal(t, []outbox.Kind{outbox.KindNotify}, effectKinds(out.Effects))
	assert.Equal(t, notify.RecipientDoctor, out.Effects[0].Notification.RecipientKind)

	_, err = Apply(a, Command{Event: EventCancel, Actor: doctor(a)}, payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Apply(a, Command{Event: EventCancel, Actor: admin()}, payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	out, err = Apply(a, Command{Event: EventCancel, Actor: admin(), Reason: "duplicate"}, payments.StatusUnpaid)
	require.NoError(t, err)
	assert.Len(t, out.Effects, 2, "admin cancellation notifies both sides")
}

func TestCancelTwiceNeverRefundsTwice(t *testing.T) {
	a := sampleAppointment(StatusConfirmed)
	first, err := Apply(a, Command{Event: EventCancel, Actor: patient(a)}, payments.StatusPaid)
	require.NoError(t, err)
	assert.Contains(t, effectKinds(first.Effects), outbox.KindRefund)

	_, err = Apply(first.Appointment, Command{Event: EventCancel, Actor: patient(a)}, payments.StatusRefunded)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, string(StatusCancelled), appErr.CurrentStatus)
}

func TestRescheduleReentersPending(t *testing.T) {
	a := sampleAppointment(StatusConfirmed)
	target := monday.AddDays(7)

	out, err := Apply(a, Command{
		Event:   EventReschedule,
		Actor:   doctor(a),
		NewDate: target,
		NewSlot: TimeSlot{Start: "11:00", End: "11:30"},
	}, payments.StatusUnpaid)
	require.NoError(t, err)

	got := out.Appointment
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, target, got.Date)
	assert.Equal(t, "11:00", got.TimeSlot.Start)
	assert.Equal(t, 1, got.RescheduleCount)
	require.Len(t, got.History, 2)
	assert.Equal(t, StatusRescheduled, got.History[0].To)
	assert.Equal(t, StatusPending, got.History[1].To)

	_, err = Apply(a, Command{Event: EventReschedule, Actor: patient(a), NewDate: target, NewSlot: TimeSlot{Start: "11:30", End: "11:00"}}, payments.StatusUnpaid)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStartConsultationCreatesSession(t *testing.T) {
	a := sampleAppointment(StatusConfirmed)
	at := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

	out, err := Apply(a, Command{Event: EventStartConsultation, Actor: doctor(a), At: at}, payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, out.Appointment.Status)
	require.NotNil(t, out.Appointment.VideoSession)
	assert.Equal(t, SessionID(a.ID, at), out.Appointment.VideoSession.SessionID)
	assert.Equal(t, at, out.Appointment.VideoSession.StartedAt)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, out.Appointment.VideoSession.SessionID, out.Effects[0].Notification.Data["sessionId"])

	offline := sampleAppointment(StatusConfirmed)
	offline.ConsultationType = ConsultationOffline
	_, err = Apply(offline, Command{Event: EventStartConsultation, Actor: doctor(offline)}, payments.StatusPaid)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSessionIDIsDeterministic(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, SessionID(id, at), SessionID(id, at.In(time.FixedZone("ICT", 7*3600))))
	assert.NotEqual(t, SessionID(id, at), SessionID(id, at.Add(time.Second)))
}

func TestEndConsultationStampsOnce(t *testing.T) {
	a := sampleAppointment(StatusOngoing)
	started := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	a.VideoSession = &VideoSession{SessionID: "s-1", StartedAt: started}

	out, err := Apply(a, Command{Event: EventEndConsultation, Actor: doctor(a), At: started.Add(25 * time.Minute)}, payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, out.Appointment.Status, "ending the call does not complete the appointment")
	require.NotNil(t, out.Appointment.VideoSession.EndedAt)
	assert.Equal(t, 25, out.Appointment.VideoSession.DurationMinutes)
	assert.Nil(t, a.VideoSession.EndedAt)

	_, err = Apply(out.Appointment, Command{Event: EventEndConsultation, Actor: doctor(a)}, payments.StatusPaid)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteRequiresDiagnosisAndMarksPayout(t *testing.T) {
	a := sampleAppointment(StatusOngoing)
	a.VideoSession = &VideoSession{SessionID: "s-1", StartedAt: time.Now().Add(-10 * time.Minute)}

	_, err := Apply(a, Command{Event: EventComplete, Actor: doctor(a)}, payments.StatusPaid)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	out, err := Apply(a, Command{Event: EventComplete, Actor: doctor(a), Diagnosis: "flu", Notes: "rest"}, payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Appointment.Status)
	assert.Equal(t, "flu", out.Appointment.Diagnosis)
	assert.NotNil(t, out.Appointment.VideoSession.EndedAt)
	assert.Equal(t, 1, out.Stats.Completed)
	assert.Contains(t, effectKinds(out.Effects), outbox.KindPayoutEligible)

	unpaid, err := Apply(a, Command{Event: EventComplete, Actor: doctor(a), Diagnosis: "flu"}, payments.StatusUnpaid)
	require.NoError(t, err)
	assert.NotContains(t, effectKinds(unpaid.Effects), outbox.KindPayoutEligible)
}

func TestMarkNoShow(t *testing.T) {
	a := sampleAppointment(StatusConfirmed)
	out, err := Apply(a, Command{Event: EventNoShow, Actor: admin()}, payments.StatusUnpaid)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, out.Appointment.Status)
	assert.Equal(t, 1, out.Stats.NoShow)
	assert.True(t, out.Appointment.Status.Terminal())
}

func TestHolidayCancelUsesFixedReason(t *testing.T) {
	a := sampleAppointment(StatusPending)
	out, err := Apply(a, Command{Event: EventHolidayCancel, Actor: doctor(a), Reason: "ignored"}, payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, HolidayReason, out.Appointment.Cancellation.Reason)
	assert.Contains(t, effectKinds(out.Effects), outbox.KindRefund)
}

func TestBookPricesFromTerms(t *testing.T) {
	commission := decimal.NewFromInt(15)
	terms := schedule.Terms{
		OnlineFee:         decimal.NewFromInt(500),
		OfflineFee:        decimal.NewFromInt(800),
		CommissionPercent: &commission,
	}
	policy := fees.NewPolicy(10, 2, "patient")
	req := BookRequest{
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		Date:             monday,
		TimeSlot:         TimeSlot{Start: "09:00", End: "09:30"},
		ConsultationType: ConsultationOnline,
		PaymentMethod:    PaymentOnline,
	}

	out, err := Book(req, terms, policy, time.Now())
	require.NoError(t, err)
	a := out.Appointment
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "500", a.Pricing.ConsultationFee.String())
	assert.Equal(t, "75", a.Pricing.Commission.String())
	assert.Equal(t, "510.2", a.Pricing.GrossAmount.String())
	assert.Equal(t, 1, out.Stats.Booked)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, req.ProviderID, out.Effects[0].Notification.RecipientID)

	req.ConsultationType = "phone"
	_, err = Book(req, terms, policy, time.Now())
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func effectKinds(effects []outbox.Effect) []outbox.Kind {
	out := make([]outbox.Kind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func TestSettlePaymentRefundsOnlyCancelled(t *testing.T) {
	at := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	for _, status := range allStatuses {
		t.Run(string(status), func(t *testing.T) {
			a := sampleAppointment(status)
			if status == StatusCancelled {
				a.Cancellation = &Cancellation{Reason: "travel", CancelledBy: ActorPatient}
			}
			out := SettlePayment(a, at)
			assert.Equal(t, status, out.Appointment.Status)
			assert.Equal(t, at, out.Appointment.UpdatedAt)
			if status != StatusCancelled {
				assert.Empty(t, out.Effects)
				return
			}
			require.Len(t, out.Effects, 1)
			require.NotNil(t, out.Effects[0].Refund)
			assert.Equal(t, a.ID, out.Effects[0].Refund.AppointmentID)
			assert.Equal(t, "travel", out.Effects[0].Refund.Reason)
		})
	}
}
