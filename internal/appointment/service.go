package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/fees"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
	"github.com/hackgods/telehealth-scheduling/internal/slots"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

const maxWriteAttempts = 3

// ProviderDirectory resolves providers and records holidays.
type ProviderDirectory interface {
	Get(ctx context.Context, providerID uuid.UUID) (*schedule.Provider, error)
	AddHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error
}

// PaymentLedger is the payment side the state machine reads from.
type PaymentLedger interface {
	StatusFor(ctx context.Context, appointmentID uuid.UUID) (payments.Status, error)
	CreateOrder(ctx context.Context, appointmentID uuid.UUID, amount decimal.Decimal) (*payments.Payment, error)
	Confirm(ctx context.Context, orderRef, signature string) (*payments.Payment, error)
}

type Service struct {
	repo      Repository
	providers ProviderDirectory
	payments  PaymentLedger
	locker    redisclient.Locker
	policy    fees.Policy
	loc       *time.Location
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewService(repo Repository, providers ProviderDirectory, pay PaymentLedger, locker redisclient.Locker, cfg config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:      repo,
		providers: providers,
		payments:  pay,
		locker:    locker,
		policy:    fees.NewPolicy(cfg.CommissionPercent, cfg.ProcessingFeePercent, cfg.ProcessingFeeBearer),
		loc:       loc,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GetAvailableSlots generates the provider's slots for date against the
// current ledger.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, date civil.Date) (slots.DaySlots, error) {
	provider, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return slots.DaySlots{}, err
	}
	return s.daySlots(ctx, provider, date)
}

func (s *Service) daySlots(ctx context.Context, provider *schedule.Provider, date civil.Date) (slots.DaySlots, error) {
	appts, err := s.repo.ListForProviderDate(ctx, provider.ID, date)
	if err != nil {
		return slots.DaySlots{}, fmt.Errorf("load bookings: %w", err)
	}
	var bookings []slots.Booking
	for _, a := range appts {
		if a.Status.Active() {
			bookings = append(bookings, slots.Booking{Start: a.TimeSlot.Start})
		}
	}
	day := slots.Generate(provider.Schedule, date, bookings, s.now().In(s.loc))
	for _, d := range day.Diagnostics {
		s.logger.Debug("slot generation", "provider_id", provider.ID, "date", date, "diagnostic", d)
	}
	return day, nil
}

// checkBookable rejects targets that the generator does not offer.
func (s *Service) checkBookable(ctx context.Context, provider *schedule.Provider, date civil.Date, slot TimeSlot) error {
	day, err := s.daySlots(ctx, provider, date)
	if err != nil {
		return err
	}
	if !day.IsAvailable {
		return apperr.Conflict("provider_unavailable", day.Reason)
	}
	found, ok := day.Find(slot.Start, slot.End)
	if !ok {
		return apperr.Validation("timeSlot", fmt.Sprintf("%s-%s is not a slot offered on %s", slot.Start, slot.End, date))
	}
	if found.IsPast {
		return apperr.Conflict("slot_in_past", "the selected slot has already started")
	}
	return nil
}

func limitsOf(p *schedule.Provider) *Limits {
	set := p.Schedule.Settings
	return &Limits{
		MaxConcurrentPerSlot:  set.MaxConcurrentPerSlot,
		MaxAppointmentsPerDay: set.MaxAppointmentsPerDay,
	}
}

func slotLockKey(providerID uuid.UUID, date civil.Date, start string) string {
	return providerID.String() + ":" + date.String() + ":" + start
}

// BookAppointment creates a pending appointment. The slot must be one the
// generator offers, and capacity is re-validated by the ledger at write time.
func (s *Service) BookAppointment(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	provider, err := s.providers.Get(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(ctx, provider, req.Date, req.TimeSlot); err != nil {
		s.metrics.ObserveBooking("book", "rejected")
		return nil, err
	}

	out, err := Book(req, provider.Terms, s.policy, s.now().UTC())
	if err != nil {
		return nil, err
	}

	key := slotLockKey(req.ProviderID, req.Date, req.TimeSlot.Start)
	err = s.locker.WithSlotLock(ctx, key, func(lockCtx context.Context) error {
		return s.repo.Create(lockCtx, Write{
			Appointment: out.Appointment,
			Effects:     out.Effects,
			Stats:       out.Stats,
			Capacity:    limitsOf(provider),
		})
	})
	if err != nil {
		s.metrics.ObserveBooking("book", bookingOutcome(err))
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.metrics.ObserveBooking("book", "created")
	s.logger.Info("appointment booked",
		"appointment_id", out.Appointment.ID,
		"provider_id", req.ProviderID,
		"date", req.Date,
		"slot", req.TimeSlot.Start,
	)
	return out.Appointment, nil
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSlotFull):
		return "slot_full"
	case errors.Is(err, ErrDailyLimit):
		return "daily_limit"
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return "lock_busy"
	default:
		return "error"
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListProviderAppointments(ctx context.Context, providerID uuid.UUID, date civil.Date) ([]Appointment, error) {
	return s.repo.ListForProviderDate(ctx, providerID, date)
}

func (s *Service) GetProviderStats(ctx context.Context, providerID uuid.UUID) (Stats, error) {
	return s.repo.GetStats(ctx, providerID)
}

// LookupSession resolves the appointment that owns a video session.
func (s *Service) LookupSession(ctx context.Context, sessionID string) (*Appointment, error) {
	return s.repo.GetBySessionID(ctx, sessionID)
}

func (s *Service) Accept(ctx context.Context, id uuid.UUID, actor ActorRef) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventAccept, Actor: actor})
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor ActorRef, reason string) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventReject, Actor: actor, Reason: reason})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor ActorRef, reason string) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventCancel, Actor: actor, Reason: reason})
}

func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, actor ActorRef, date civil.Date, slot TimeSlot, reason string) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventReschedule, Actor: actor, NewDate: date, NewSlot: slot, Reason: reason})
}

func (s *Service) StartConsultation(ctx context.Context, id uuid.UUID, actor ActorRef) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventStartConsultation, Actor: actor})
}

func (s *Service) EndConsultation(ctx context.Context, id uuid.UUID, actor ActorRef) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventEndConsultation, Actor: actor})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor ActorRef, diagnosis, notes string) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventComplete, Actor: actor, Diagnosis: diagnosis, Notes: notes})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor ActorRef) (*Appointment, error) {
	return s.transition(ctx, id, Command{Event: EventNoShow, Actor: actor})
}

// RecordSessionEnded stamps the end of a live session on its appointment.
// Sessions whose appointment already moved on are ignored.
func (s *Service) RecordSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error {
	appt, err := s.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.transition(ctx, appt.ID, Command{
		Event: EventEndConsultation,
		Actor: ActorRef{Role: ActorProvider, ID: appt.ProviderID},
		At:    endedAt,
	})
	if errors.Is(err, apperr.ErrConflict) {
		s.logger.Debug("session end not recorded", "session_id", sessionID, "appointment_id", appt.ID, "error", err)
		return nil
	}
	return err
}

// DeclareHoliday marks date as a holiday and cancels every pending or
// confirmed appointment on it. It returns how many were cancelled.
func (s *Service) DeclareHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date, actor ActorRef) (int, error) {
	if actor.Role == ActorProvider && actor.ID != providerID {
		return 0, apperr.Conflict("not_participant", "doctor may only declare their own holidays")
	}
	if err := s.providers.AddHoliday(ctx, providerID, date); err != nil {
		return 0, err
	}
	appts, err := s.repo.ListForProviderDate(ctx, providerID, date)
	if err != nil {
		return 0, fmt.Errorf("load bookings: %w", err)
	}

	cmdActor := ActorRef{Role: ActorProvider, ID: providerID}
	if actor.Role == ActorAdmin {
		cmdActor = actor
	}
	cancelled := 0
	for _, a := range appts {
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			continue
		}
		if _, err := s.transition(ctx, a.ID, Command{Event: EventHolidayCancel, Actor: cmdActor}); err != nil {
			s.logger.Warn("holiday cancellation failed", "appointment_id", a.ID, "error", err)
			continue
		}
		cancelled++
	}
	s.logger.Info("holiday declared", "provider_id", providerID, "date", date, "cancelled", cancelled)
	return cancelled, nil
}

// CreatePaymentOrder opens a gateway order for the patient's appointment.
func (s *Service) CreatePaymentOrder(ctx context.Context, id uuid.UUID, actor ActorRef) (*payments.Payment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != ActorPatient || actor.ID != appt.PatientID {
		return nil, apperr.Conflict("not_participant", "only the booking patient can pay for an appointment")
	}
	if appt.Status != StatusPending && appt.Status != StatusConfirmed {
		return nil, apperr.StatusConflict(string(appt.Status), fmt.Sprintf("cannot pay for an appointment that is %s", appt.Status))
	}
	if appt.PaymentMethod != PaymentOnline {
		return nil, apperr.Conflict("not_online_payment", "appointment is paid at the clinic")
	}
	return s.payments.CreateOrder(ctx, appt.ID, appt.Pricing.GrossAmount)
}

// ConfirmPayment captures a payment order and settles it against the
// appointment. The settle write bumps the appointment version, so a
// cancellation that read the payment before capture retries and sees it
// paid. A capture that lands after cancellation queues a refund.
func (s *Service) ConfirmPayment(ctx context.Context, orderRef, signature string) (*payments.Payment, error) {
	if s.payments == nil {
		return nil, apperr.External("payments", errors.New("payments are not configured"))
	}
	p, err := s.payments.Confirm(ctx, orderRef, signature)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		appt, err := s.repo.Get(ctx, p.AppointmentID)
		if err != nil {
			return nil, err
		}
		out := SettlePayment(appt, s.now().UTC())
		err = s.repo.Update(ctx, Write{Appointment: out.Appointment, Effects: out.Effects})
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(out.Effects) > 0 {
			s.logger.Warn("payment captured for cancelled appointment, refund queued",
				"appointment_id", appt.ID,
				"order_ref", orderRef,
			)
		}
		return p, nil
	}
	return nil, ErrStaleWrite
}

// transition loads, applies and conditionally writes one event, retrying
// when another writer got there first.
func (s *Service) transition(ctx context.Context, id uuid.UUID, cmd Command) (*Appointment, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		appt, err := s.applyOnce(ctx, id, cmd)
		if err == nil {
			s.metrics.ObserveTransition(string(cmd.Event), "ok")
			return appt, nil
		}
		if !errors.Is(err, ErrStaleWrite) {
			s.metrics.ObserveTransition(string(cmd.Event), "rejected")
			return nil, err
		}
		lastErr = err
	}
	s.metrics.ObserveTransition(string(cmd.Event), "stale")
	return nil, lastErr
}

func (s *Service) applyOnce(ctx context.Context, id uuid.UUID, cmd Command) (*Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd.At.IsZero() {
		cmd.At = s.now().UTC()
	}

	out, err := Apply(appt, cmd, s.paymentStatus(ctx, appt))
	if err != nil {
		return nil, err
	}

	var provider *schedule.Provider
	if cmd.Event == EventReschedule {
		if provider, err = s.providers.Get(ctx, appt.ProviderID); err != nil {
			return nil, err
		}
		if err := s.checkBookable(ctx, provider, cmd.NewDate, cmd.NewSlot); err != nil {
			return nil, err
		}
	}

	w := Write{Appointment: out.Appointment, Effects: out.Effects, Stats: out.Stats}
	if cmd.Event != EventReschedule {
		if err := s.repo.Update(ctx, w); err != nil {
			return nil, err
		}
	} else {
		w.Capacity = limitsOf(provider)
		key := slotLockKey(appt.ProviderID, cmd.NewDate, cmd.NewSlot.Start)
		err := s.locker.WithSlotLock(ctx, key, func(lockCtx context.Context) error {
			return s.repo.Update(lockCtx, w)
		})
		s.metrics.ObserveBooking("reschedule", rescheduleOutcome(err))
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("appointment transition",
		"appointment_id", id,
		"event", cmd.Event,
		"actor", cmd.Actor.Role,
		"from", appt.Status,
		"to", out.Appointment.Status,
		"effects", len(out.Effects),
	)
	return out.Appointment, nil
}

func rescheduleOutcome(err error) string {
	if err == nil {
		return "moved"
	}
	return bookingOutcome(err)
}

// paymentStatus reads the linked payment. When the payment service cannot
// answer, refunds are queued anyway and the refund follow-up re-checks the
// payment itself.
func (s *Service) paymentStatus(ctx context.Context, appt *Appointment) payments.Status {
	if s.payments == nil {
		return payments.StatusUnpaid
	}
	status, err := s.payments.StatusFor(ctx, appt.ID)
	if err != nil {
		s.logger.Warn("payment status unavailable", "appointment_id", appt.ID, "error", err)
		return payments.StatusPaid
	}
	return status
}
