package appointment

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/fees"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

type Event string

const (
	EventAccept            Event = "accept"
	EventReject            Event = "reject"
	EventCancel            Event = "cancel"
	EventReschedule        Event = "reschedule"
	EventStartConsultation Event = "start_consultation"
	EventEndConsultation   Event = "end_consultation"
	EventComplete          Event = "complete"
	EventNoShow            Event = "no_show"
	EventHolidayCancel     Event = "holiday_cancel"
)

// HolidayReason is the cancellation reason for bookings on a declared holiday.
const HolidayReason = "Doctor on leave"

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("telehealth.video-sessions"))

type rule struct {
	from   []Status
	actors []Actor
}

var rules = map[Event]rule{
	EventAccept:            {from: []Status{StatusPending}, actors: []Actor{ActorProvider}},
	EventReject:            {from: []Status{StatusPending}, actors: []Actor{ActorProvider}},
	EventCancel:            {from: []Status{StatusPending, StatusConfirmed}, actors: []Actor{ActorPatient, ActorProvider, ActorAdmin}},
	EventReschedule:        {from: []Status{StatusPending, StatusConfirmed}, actors: []Actor{ActorPatient, ActorProvider}},
	EventStartConsultation: {from: []Status{StatusConfirmed}, actors: []Actor{ActorProvider}},
	EventEndConsultation:   {from: []Status{StatusOngoing}, actors: []Actor{ActorProvider}},
	EventComplete:          {from: []Status{StatusConfirmed, StatusOngoing}, actors: []Actor{ActorProvider}},
	EventNoShow:            {from: []Status{StatusConfirmed}, actors: []Actor{ActorProvider, ActorAdmin}},
	EventHolidayCancel:     {from: []Status{StatusPending, StatusConfirmed}, actors: []Actor{ActorProvider, ActorAdmin}},
}

// Command is one state machine event with its inputs.
type Command struct {
	Event     Event
	Actor     ActorRef
	Reason    string
	Diagnosis string
	Notes     string
	// NewDate and NewSlot are the reschedule target.
	NewDate civil.Date
	NewSlot TimeSlot
	At      time.Time
}

// Outcome is the next appointment state plus the effects to dispatch once
// it is committed.
type Outcome struct {
	Appointment *Appointment
	Effects     []outbox.Effect
	Stats       StatsDelta
}

// Apply runs cmd against a. It never mutates a. Illegal source states and
// actors fail with a ConflictError, missing inputs with a ValidationError.
func Apply(a *Appointment, cmd Command, paymentStatus payments.Status) (Outcome, error) {
	r, ok := rules[cmd.Event]
	if !ok {
		return Outcome{}, apperr.Validation("event", fmt.Sprintf("unknown event %q", cmd.Event))
	}
	if !slices.Contains(r.from, a.Status) {
		return Outcome{}, apperr.StatusConflict(string(a.Status),
			fmt.Sprintf("cannot %s an appointment that is %s", strings.ReplaceAll(string(cmd.Event), "_", " "), a.Status))
	}
	if !slices.Contains(r.actors, cmd.Actor.Role) {
		return Outcome{}, apperr.Conflict("actor_not_permitted",
			fmt.Sprintf("%s may not %s this appointment", cmd.Actor.Role, strings.ReplaceAll(string(cmd.Event), "_", " ")))
	}
	if err := checkParticipant(a, cmd.Actor); err != nil {
		return Outcome{}, err
	}
	if cmd.At.IsZero() {
		cmd.At = time.Now().UTC()
	}

	next := a.clone()
	next.UpdatedAt = cmd.At
	out := Outcome{Appointment: next}

	switch cmd.Event {
	case EventAccept:
		next.transition(StatusConfirmed, cmd)
		out.notify(next, notify.RecipientPatient, "appointment_confirmed", "Appointment confirmed",
			"Your appointment on %s at %s has been confirmed.")

	case EventReject:
		if strings.TrimSpace(cmd.Reason) == "" {
			return Outcome{}, apperr.Validation("reason", "reason is required to reject an appointment")
		}
		next.cancel(cmd)
		out.refundIfPaid(next, paymentStatus, cmd.Reason)
		out.Stats.Cancelled++
		msg := out.notify(next, notify.RecipientPatient, "appointment_rejected", "Appointment declined",
			"Your appointment on %s at %s was declined by the doctor.")
		msg.Data["reason"] = cmd.Reason

	case EventCancel:
		if cmd.Actor.Role != ActorPatient && strings.TrimSpace(cmd.Reason) == "" {
			return Outcome{}, apperr.Validation("reason", "reason is required when a doctor or admin cancels")
		}
		next.cancel(cmd)
		out.refundIfPaid(next, paymentStatus, cmd.Reason)
		out.Stats.Cancelled++
		for _, kind := range counterparts(cmd.Actor.Role) {
			msg := out.notify(next, kind, "appointment_cancelled", "Appointment cancelled",
				"The appointment on %s at %s has been cancelled.")
			msg.Data["reason"] = cmd.Reason
		}

	case EventReschedule:
		if err := validateTarget(cmd.NewDate, cmd.NewSlot); err != nil {
			return Outcome{}, err
		}
		from := next.Status
		next.History = append(next.History,
			StatusChange{From: from, To: StatusRescheduled, Actor: cmd.Actor.Role, Reason: cmd.Reason, At: cmd.At},
			StatusChange{From: StatusRescheduled, To: StatusPending, Actor: cmd.Actor.Role, At: cmd.At},
		)
		next.Status = StatusPending
		next.Date = cmd.NewDate
		next.TimeSlot = cmd.NewSlot
		next.RescheduleCount++
		for _, kind := range counterparts(cmd.Actor.Role) {
			out.notify(next, kind, "appointment_rescheduled", "Appointment rescheduled",
				"The appointment has moved to %s at %s and awaits confirmation.")
		}

	case EventStartConsultation:
		if next.ConsultationType != ConsultationOnline {
			return Outcome{}, apperr.Conflict("not_online", "only online consultations have a video session")
		}
		next.VideoSession = &VideoSession{
			SessionID: SessionID(next.ID, cmd.At),
			StartedAt: cmd.At,
		}
		next.transition(StatusOngoing, cmd)
		msg := out.notify(next, notify.RecipientPatient, "consultation_started", "Consultation started",
			"Your doctor has started the consultation for %s at %s.")
		msg.Data["sessionId"] = next.VideoSession.SessionID

	case EventEndConsultation:
		if next.VideoSession == nil || next.VideoSession.EndedAt != nil {
			return Outcome{}, apperr.Conflict("session_already_ended", "the video session has already ended")
		}
		next.VideoSession.end(cmd.At)

	case EventComplete:
		if strings.TrimSpace(cmd.Diagnosis) == "" {
			return Outcome{}, apperr.Validation("diagnosis", "diagnosis is required to complete an appointment")
		}
		next.Diagnosis = cmd.Diagnosis
		next.Notes = cmd.Notes
		if next.VideoSession != nil && next.VideoSession.EndedAt == nil {
			next.VideoSession.end(cmd.At)
		}
		next.transition(StatusCompleted, cmd)
		if paymentStatus == payments.StatusPaid {
			out.Effects = append(out.Effects, outbox.PayoutEligible(next.ID))
		}
		out.Stats.Completed++
		out.notify(next, notify.RecipientPatient, "appointment_completed", "Consultation completed",
			"Your consultation on %s at %s is complete.")

	case EventNoShow:
		next.transition(StatusNoShow, cmd)
		out.Stats.NoShow++
		out.notify(next, notify.RecipientPatient, "appointment_no_show", "Missed appointment",
			"You were marked as absent for the appointment on %s at %s.")

	case EventHolidayCancel:
		cmd.Reason = HolidayReason
		next.cancel(cmd)
		out.refundIfPaid(next, paymentStatus, HolidayReason)
		out.Stats.Cancelled++
		out.notify(next, notify.RecipientPatient, "appointment_cancelled", "Appointment cancelled",
			"Your appointment on %s at %s was cancelled because the doctor is on leave.")
	}
	return out, nil
}

// BookRequest carries the inputs of a new booking.
type BookRequest struct {
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	Date             civil.Date
	TimeSlot         TimeSlot
	ConsultationType ConsultationType
	PaymentMethod    PaymentMethod
	Symptoms         string
}

func (r BookRequest) validate() error {
	if r.PatientID == uuid.Nil {
		return apperr.Validation("patientId", "patientId is required")
	}
	if r.ProviderID == uuid.Nil {
		return apperr.Validation("providerId", "providerId is required")
	}
	switch r.ConsultationType {
	case ConsultationOnline, ConsultationOffline:
	default:
		return apperr.Validation("consultationType", "consultationType must be online or offline")
	}
	switch r.PaymentMethod {
	case PaymentOnline, PaymentClinic:
	default:
		return apperr.Validation("paymentMethod", "paymentMethod must be online or clinic")
	}
	return validateTarget(r.Date, r.TimeSlot)
}

// Book creates a pending appointment priced from the provider's terms.
func Book(req BookRequest, terms schedule.Terms, policy fees.Policy, at time.Time) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}
	fee := terms.OfflineFee
	if req.ConsultationType == ConsultationOnline {
		fee = terms.OnlineFee
	}
	if fee.IsNegative() {
		return Outcome{}, apperr.Validation("fee", "provider fee is misconfigured")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	a := &Appointment{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		ProviderID:       req.ProviderID,
		Date:             req.Date,
		TimeSlot:         req.TimeSlot,
		ConsultationType: req.ConsultationType,
		PaymentMethod:    req.PaymentMethod,
		Status:           StatusPending,
		Pricing:          policy.Compute(fee, terms.CommissionPercent, req.PaymentMethod == PaymentOnline),
		Symptoms:         req.Symptoms,
		History:          []StatusChange{{To: StatusPending, Actor: ActorPatient, At: at}},
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	out := Outcome{Appointment: a, Stats: StatsDelta{Booked: 1}}
	out.notify(a, notify.RecipientDoctor, "appointment_booked", "New appointment request",
		"A patient requested an appointment on %s at %s.")
	return out, nil
}

// SessionID derives the video session id from the appointment and the
// moment the consultation started.
func SessionID(appointmentID uuid.UUID, startedAt time.Time) string {
	name := appointmentID.String() + "|" + startedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

func checkParticipant(a *Appointment, actor ActorRef) error {
	switch actor.Role {
	case ActorPatient:
		if actor.ID != a.PatientID {
			return apperr.Conflict("not_participant", "patient is not part of this appointment")
		}
	case ActorProvider:
		if actor.ID != a.ProviderID {
			return apperr.Conflict("not_participant", "doctor is not part of this appointment")
		}
	}
	return nil
}

func validateTarget(date civil.Date, slot TimeSlot) error {
	if !date.IsValid() {
		return apperr.Validation("appointmentDate", "appointmentDate must be a valid YYYY-MM-DD date")
	}
	start, err := schedule.ParseClock(slot.Start)
	if err != nil {
		return apperr.Validation("timeSlot.start", "time must be HH:MM")
	}
	end, err := schedule.ParseClock(slot.End)
	if err != nil {
		return apperr.Validation("timeSlot.end", "time must be HH:MM")
	}
	if start >= end {
		return apperr.Validation("timeSlot", "slot start must be before end")
	}
	return nil
}

func counterparts(role Actor) []notify.RecipientKind {
	switch role {
	case ActorPatient:
		return []notify.RecipientKind{notify.RecipientDoctor}
	case ActorProvider:
		return []notify.RecipientKind{notify.RecipientPatient}
	default:
		return []notify.RecipientKind{notify.RecipientPatient, notify.RecipientDoctor}
	}
}

func (a *Appointment) transition(to Status, cmd Command) {
	a.History = append(a.History, StatusChange{From: a.Status, To: to, Actor: cmd.Actor.Role, Reason: cmd.Reason, At: cmd.At})
	a.Status = to
}

func (a *Appointment) cancel(cmd Command) {
	a.Cancellation = &Cancellation{Reason: cmd.Reason, CancelledBy: cmd.Actor.Role, CancelledAt: cmd.At}
	a.transition(StatusCancelled, cmd)
}

func (v *VideoSession) end(at time.Time) {
	v.EndedAt = &at
	v.DurationMinutes = int(math.Round(at.Sub(v.StartedAt).Minutes()))
	if v.DurationMinutes < 0 {
		v.DurationMinutes = 0
	}
}

// SettlePayment reconciles a payment captured at at with the appointment's
// current state. A cancelled appointment gets its payment refunded.
func SettlePayment(a *Appointment, at time.Time) Outcome {
	next := a.clone()
	next.UpdatedAt = at
	out := Outcome{Appointment: next}
	if next.Status == StatusCancelled {
		reason := "appointment was cancelled before payment was captured"
		if next.Cancellation != nil && next.Cancellation.Reason != "" {
			reason = next.Cancellation.Reason
		}
		out.refundIfPaid(next, payments.StatusPaid, reason)
	}
	return out
}

func (o *Outcome) refundIfPaid(a *Appointment, status payments.Status, reason string) {
	if status != payments.StatusPaid {
		return
	}
	o.Effects = append(o.Effects, outbox.Refund(payments.RefundRequest{
		AppointmentID: a.ID,
		Reason:        reason,
	}))
}

// notify queues a message; body is formatted with the date and slot start.
func (o *Outcome) notify(a *Appointment, kind notify.RecipientKind, typ, title, body string) *notify.Message {
	recipient := a.PatientID
	if kind == notify.RecipientDoctor {
		recipient = a.ProviderID
	}
	msg := notify.Message{
		RecipientID:   recipient,
		RecipientKind: kind,
		Title:         title,
		Message:       fmt.Sprintf(body, a.Date, a.TimeSlot.Start),
		Type:          typ,
		Data: map[string]string{
			"appointmentId": a.ID.String(),
			"date":          a.Date.String(),
			"start":         a.TimeSlot.Start,
			"status":        string(a.Status),
		},
	}
	o.Effects = append(o.Effects, outbox.Notify(a.ID, msg))
	return o.Effects[len(o.Effects)-1].Notification
}
