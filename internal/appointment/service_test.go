package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

type stubPayments struct {
	mu     sync.Mutex
	status map[uuid.UUID]payments.Status
	orders map[string]uuid.UUID
	err    error
	// afterRead, when set, runs once after the next status read.
	afterRead func()
}

func (p *stubPayments) StatusFor(_ context.Context, id uuid.UUID) (payments.Status, error) {
	p.mu.Lock()
	status, err := payments.StatusUnpaid, p.err
	if s, ok := p.status[id]; ok {
		status = s
	}
	hook := p.afterRead
	p.afterRead = nil
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (p *stubPayments) CreateOrder(_ context.Context, id uuid.UUID, amount decimal.Decimal) (*payments.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := "chrg_" + id.String()[:8]
	if p.orders == nil {
		p.orders = map[string]uuid.UUID{}
	}
	p.orders[ref] = id
	p.status[id] = payments.StatusPending
	return &payments.Payment{AppointmentID: id, Amount: amount, Status: payments.StatusPending, OrderRef: ref}, nil
}

func (p *stubPayments) Confirm(_ context.Context, orderRef, _ string) (*payments.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.orders[orderRef]
	if !ok {
		return nil, apperr.NotFound("payment", orderRef)
	}
	p.status[id] = payments.StatusPaid
	return &payments.Payment{AppointmentID: id, OrderRef: orderRef, Status: payments.StatusPaid}, nil
}

func (p *stubPayments) set(id uuid.UUID, s payments.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[id] = s
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	effects   *outbox.MemoryStore
	schedules *schedule.Service
	payments  *stubPayments
	provider  *schedule.Provider
}

func newFixture(t *testing.T, settings schedule.SlotSettings) *fixture {
	t.Helper()
	ctx := context.Background()

	store := schedule.NewMemoryStore()
	var w schedule.WeeklyPattern
	w[time.Monday] = schedule.DaySchedule{
		Available:  true,
		TimeRanges: []schedule.TimeRange{{Start: 9 * 60, End: 13 * 60}},
	}
	provider := &schedule.Provider{
		ID:   uuid.New(),
		Name: "Dr. Test",
		Schedule: schedule.ScheduleConfig{
			Weekly:   w,
			Settings: settings,
		},
		Terms: schedule.Terms{OnlineFee: decimal.NewFromInt(500), OfflineFee: decimal.NewFromInt(700)},
	}
	require.NoError(t, store.Create(ctx, provider))

	effects := outbox.NewMemoryStore()
	repo := NewMemoryRepository(effects)
	schedules := schedule.NewService(store, nil)
	pay := &stubPayments{status: map[uuid.UUID]payments.Status{}}
	cfg := config.Config{Timezone: time.UTC, CommissionPercent: 10, ProcessingFeePercent: 2, ProcessingFeeBearer: "doctor"}

	// 07:00 on the Monday, before the first slot.
	clock := func() time.Time { return time.Date(2026, 10, 12, 7, 0, 0, 0, time.UTC) }
	svc := NewService(repo, schedules, pay, nil, cfg, nil).WithClock(clock)

	return &fixture{svc: svc, repo: repo, effects: effects, schedules: schedules, payments: pay, provider: provider}
}

func (f *fixture) book(t *testing.T, start, end string) (*Appointment, error) {
	t.Helper()
	return f.svc.BookAppointment(context.Background(), BookRequest{
		PatientID:        uuid.New(),
		ProviderID:       f.provider.ID,
		Date:             monday,
		TimeSlot:         TimeSlot{Start: start, End: end},
		ConsultationType: ConsultationOnline,
		PaymentMethod:    PaymentOnline,
	})
}

func TestBookAppointmentCountsAgainstSlot(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 1, a.Version)

	day, err := f.svc.GetAvailableSlots(ctx, f.provider.ID, monday)
	require.NoError(t, err)
	slot, ok := day.Find("09:00", "09:30")
	require.True(t, ok)
	assert.False(t, slot.IsAvailable)
	assert.Equal(t, 1, slot.BookedCount)
	assert.Equal(t, 0, slot.RemainingCapacity)
	assert.Equal(t, 1, day.TotalBookedToday)

	_, err = f.book(t, "09:00", "09:30")
	assert.ErrorIs(t, err, ErrSlotFull)

	stats, err := f.svc.GetProviderStats(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Booked)
}

func TestBookAppointmentRejectsUnofferedSlot(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())

	_, err := f.book(t, "09:10", "09:40")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.BookAppointment(context.Background(), BookRequest{
		PatientID:        uuid.New(),
		ProviderID:       f.provider.ID,
		Date:             monday.AddDays(1),
		TimeSlot:         TimeSlot{Start: "09:00", End: "09:30"},
		ConsultationType: ConsultationOffline,
		PaymentMethod:    PaymentClinic,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestConcurrentBookingsRespectCapacity(t *testing.T) {
	settings := schedule.DefaultSettings()
	settings.MaxConcurrentPerSlot = 2
	f := newFixture(t, settings)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, full := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.book(t, "10:00", "10:30")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrSlotFull):
				full++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	assert.Equal(t, attempts-2, full)
}

func TestDailyLimitIsEnforcedAtWrite(t *testing.T) {
	settings := schedule.DefaultSettings()
	settings.MaxAppointmentsPerDay = 2
	f := newFixture(t, settings)

	_, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	_, err = f.book(t, "09:30", "10:00")
	require.NoError(t, err)
	_, err = f.book(t, "10:00", "10:30")
	assert.ErrorIs(t, err, ErrDailyLimit)

	day, err := f.svc.GetAvailableSlots(context.Background(), f.provider.ID, monday)
	require.NoError(t, err)
	assert.True(t, day.DailyLimitReached)
}

func TestRejectPaidAppointmentQueuesRefund(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	f.payments.set(a.ID, payments.StatusPaid)

	got, err := f.svc.Reject(ctx, a.ID, ActorRef{Role: ActorProvider, ID: f.provider.ID}, "unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 2, got.Version)

	var refunds, notifications int
	for _, e := range f.effects.Pending() {
		switch e.Kind {
		case outbox.KindRefund:
			refunds++
		case outbox.KindNotify:
			notifications++
		}
	}
	assert.Equal(t, 1, refunds)
	assert.Equal(t, 2, notifications, "booking notice plus rejection notice")

	_, err = f.svc.Cancel(ctx, a.ID, ActorRef{Role: ActorPatient, ID: a.PatientID}, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	day, err := f.svc.GetAvailableSlots(ctx, f.provider.ID, monday)
	require.NoError(t, err)
	slot, _ := day.Find("09:00", "09:30")
	assert.True(t, slot.IsAvailable, "cancelled bookings free the slot")
}

func TestCancelStillSucceedsWhenPaymentsUnavailable(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	f.payments.err = errors.New("payments down")

	got, err := f.svc.Cancel(context.Background(), a.ID, ActorRef{Role: ActorPatient, ID: a.PatientID}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestRescheduleRevalidatesTargetExcludingSelf(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	_, err = f.book(t, "11:00", "11:30")
	require.NoError(t, err)
	doc := ActorRef{Role: ActorProvider, ID: f.provider.ID}

	_, err = f.svc.Accept(ctx, a.ID, doc)
	require.NoError(t, err)

	_, err = f.svc.Reschedule(ctx, a.ID, doc, monday, TimeSlot{Start: "11:00", End: "11:30"}, "")
	assert.ErrorIs(t, err, ErrSlotFull)

	got, err := f.svc.Reschedule(ctx, a.ID, doc, monday, TimeSlot{Start: "09:00", End: "09:30"}, "same slot")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	got, err = f.svc.Reschedule(ctx, a.ID, ActorRef{Role: ActorPatient, ID: a.PatientID}, monday, TimeSlot{Start: "12:00", End: "12:30"}, "")
	require.NoError(t, err)
	assert.Equal(t, "12:00", got.TimeSlot.Start)
	assert.Equal(t, 2, got.RescheduleCount)
}

func TestOnlineConsultationLifecycle(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	doc := ActorRef{Role: ActorProvider, ID: f.provider.ID}

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, a.ID, doc)
	require.NoError(t, err)

	started, err := f.svc.StartConsultation(ctx, a.ID, doc)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, started.Status)
	sessionID := started.VideoSession.SessionID
	require.NotEmpty(t, sessionID)

	found, err := f.svc.LookupSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	endedAt := started.VideoSession.StartedAt.Add(20 * time.Minute)
	require.NoError(t, f.svc.RecordSessionEnded(ctx, sessionID, endedAt))
	require.NoError(t, f.svc.RecordSessionEnded(ctx, sessionID, endedAt.Add(time.Minute)), "second end is ignored")

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, got.Status)
	assert.Equal(t, 20, got.VideoSession.DurationMinutes)

	done, err := f.svc.Complete(ctx, a.ID, doc, "tension headache", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	stats, err := f.svc.GetProviderStats(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestTransitionsStampInjectedClock(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	doc := ActorRef{Role: ActorProvider, ID: f.provider.ID}
	at := time.Date(2026, 10, 12, 7, 0, 0, 0, time.UTC)

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	assert.Equal(t, at, a.CreatedAt)

	accepted, err := f.svc.Accept(ctx, a.ID, doc)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, at, got.UpdatedAt)
	assert.Equal(t, accepted.UpdatedAt, got.UpdatedAt)
	require.NotEmpty(t, got.History)
	assert.Equal(t, got.History[len(got.History)-1].At, got.UpdatedAt)
}

func TestDeclareHolidayCancelsActiveBookings(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	doc := ActorRef{Role: ActorProvider, ID: f.provider.ID}

	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	b, err := f.book(t, "09:30", "10:00")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, b.ID, doc)
	require.NoError(t, err)

	n, err := f.svc.DeclareHoliday(ctx, f.provider.ID, monday, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, HolidayReason, got.Cancellation.Reason)
	}

	day, err := f.svc.GetAvailableSlots(ctx, f.provider.ID, monday)
	require.NoError(t, err)
	assert.False(t, day.IsAvailable)
	assert.Equal(t, "Holiday", day.Reason)

	stats, err := f.svc.GetProviderStats(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Cancelled)
	assert.InDelta(t, 1.0, stats.CancellationRate(), 0.0001)
}

func TestCreatePaymentOrderRequiresOwningPatient(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentOrder(ctx, a.ID, ActorRef{Role: ActorPatient, ID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	p, err := f.svc.CreatePaymentOrder(ctx, a.ID, ActorRef{Role: ActorPatient, ID: a.PatientID})
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(a.Pricing.GrossAmount))
}

func refundsFor(effects []outbox.Effect, id uuid.UUID) int {
	n := 0
	for _, e := range effects {
		if e.Kind == outbox.KindRefund && e.AppointmentID == id {
			n++
		}
	}
	return n
}

func TestPaymentCapturedAfterCancelIsRefunded(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	patient := ActorRef{Role: ActorPatient, ID: a.PatientID}

	order, err := f.svc.CreatePaymentOrder(ctx, a.ID, patient)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, a.ID, patient, "changed my mind")
	require.NoError(t, err)
	require.Zero(t, refundsFor(f.effects.Pending(), a.ID), "nothing was paid at cancellation")

	p, err := f.svc.ConfirmPayment(ctx, order.OrderRef, "sig")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusPaid, p.Status)
	assert.Equal(t, 1, refundsFor(f.effects.Pending(), a.ID))

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestPaymentCapturedForActiveAppointmentIsKept(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)

	order, err := f.svc.CreatePaymentOrder(ctx, a.ID, ActorRef{Role: ActorPatient, ID: a.PatientID})
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, order.OrderRef, "sig")
	require.NoError(t, err)
	assert.Zero(t, refundsFor(f.effects.Pending(), a.ID))

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestCancelRacingCaptureStillRefunds(t *testing.T) {
	f := newFixture(t, schedule.DefaultSettings())
	ctx := context.Background()
	a, err := f.book(t, "09:00", "09:30")
	require.NoError(t, err)
	patient := ActorRef{Role: ActorPatient, ID: a.PatientID}

	order, err := f.svc.CreatePaymentOrder(ctx, a.ID, patient)
	require.NoError(t, err)

	// The capture settles between the cancellation reading the payment as
	// pending and writing the cancellation.
	f.payments.afterRead = func() {
		_, err := f.svc.ConfirmPayment(ctx, order.OrderRef, "sig")
		require.NoError(t, err)
	}
	got, err := f.svc.Cancel(ctx, a.ID, patient, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 1, refundsFor(f.effects.Pending(), a.ID))
}
