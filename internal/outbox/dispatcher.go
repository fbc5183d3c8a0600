package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

// PaymentEffects executes payment follow-ups.
type PaymentEffects interface {
	IssueRefund(ctx context.Context, req payments.RefundRequest) error
	MarkPayoutEligible(ctx context.Context, appointmentID uuid.UUID) error
}

// Dispatcher drains due effects and retries failures with exponential
// backoff until maxAttempts.
type Dispatcher struct {
	store       Store
	notifier    notify.Notifier
	payments    PaymentEffects
	logger      *logging.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	baseDelay   time.Duration
	interval    time.Duration
	lease       time.Duration
	batchSize   int
	now         func() time.Time
}

func NewDispatcher(store Store, notifier notify.Notifier, pay PaymentEffects, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:       store,
		notifier:    notifier,
		payments:    pay,
		logger:      logger,
		maxAttempts: 8,
		baseDelay:   10 * time.Second,
		interval:    5 * time.Second,
		lease:       2 * time.Minute,
		batchSize:   50,
		now:         time.Now,
	}
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Dispatcher) WithBaseDelay(delay time.Duration) *Dispatcher {
	if delay > 0 {
		d.baseDelay = delay
	}
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// Run drains once immediately and then on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain processes one batch of due effects and returns how many were
// delivered.
func (d *Dispatcher) Drain(ctx context.Context) int {
	effects, err := d.store.Claim(ctx, d.now(), d.lease, d.batchSize)
	if err != nil {
		d.logger.Error("outbox claim failed", "error", err)
		return 0
	}
	delivered := 0
	for _, e := range effects {
		if ctx.Err() != nil {
			return delivered
		}
		if d.process(ctx, e) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) process(ctx context.Context, e Effect) bool {
	err := d.deliver(ctx, e)
	if err == nil {
		if err := d.store.MarkDelivered(ctx, e.ID); err != nil {
			d.logger.Error("mark effect delivered failed", "error", err, "effect_id", e.ID)
		}
		d.metrics.ObserveEffect(string(e.Kind), "delivered")
		return true
	}

	attempts := e.Attempts + 1
	if permanent(err) || attempts >= d.maxAttempts {
		d.logger.Error("effect abandoned",
			"error", err,
			"effect_id", e.ID,
			"kind", e.Kind,
			"appointment_id", e.AppointmentID,
			"attempts", attempts,
		)
		if err := d.store.MarkFailed(ctx, e.ID, attempts, err.Error()); err != nil {
			d.logger.Error("mark effect failed failed", "error", err, "effect_id", e.ID)
		}
		d.metrics.ObserveEffect(string(e.Kind), "failed")
		return false
	}

	next := d.now().Add(d.nextDelay(e.Attempts))
	d.logger.Warn("effect delivery failed, retrying",
		"error", err,
		"effect_id", e.ID,
		"kind", e.Kind,
		"attempts", attempts,
		"next_attempt_at", next,
	)
	if err := d.store.ScheduleRetry(ctx, e.ID, attempts, next, err.Error()); err != nil {
		d.logger.Error("schedule effect retry failed", "error", err, "effect_id", e.ID)
	}
	d.metrics.ObserveEffect(string(e.Kind), "retry")
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, e Effect) error {
	switch e.Kind {
	case KindNotify:
		if e.Notification == nil {
			return apperr.Validation("notification", "notify effect without message")
		}
		return d.notifier.Notify(ctx, *e.Notification)
	case KindRefund:
		if e.Refund == nil {
			return apperr.Validation("refund", "refund effect without request")
		}
		return d.payments.IssueRefund(ctx, *e.Refund)
	case KindPayoutEligible:
		return d.payments.MarkPayoutEligible(ctx, e.AppointmentID)
	default:
		return apperr.Validation("kind", fmt.Sprintf("unknown effect kind %q", e.Kind))
	}
}

const maxRetryDelay = time.Hour

// nextDelay doubles the base delay per attempt up to maxRetryDelay. The
// loop stops before the multiplication can overflow.
func (d *Dispatcher) nextDelay(attempts int) time.Duration {
	delay := d.baseDelay
	if delay <= 0 {
		return 0
	}
	for i := 0; i < attempts; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrConflict) ||
		errors.Is(err, apperr.ErrNotFound)
}
