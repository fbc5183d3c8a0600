package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Schedules    *schedule.Service
	// Signaling serves the websocket upgrade; nil leaves the route unmounted.
	Signaling      http.Handler
	Health         *HealthHandler
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Logger         *logging.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(cfg.Metrics))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	appts := cfg.Appointments
	sched := cfg.Schedules

	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Get("/slots", getSlotsHandler(appts))
		r.Get("/schedule", getScheduleHandler(sched))
		r.Put("/schedule/weekly", putWeeklyHandler(sched))
		r.Put("/schedule/settings", putSettingsHandler(sched))
		r.Put("/terms", putTermsHandler(sched))
		// PUT addresses an override by date, DELETE by its surrogate id.
		r.Put("/overrides/{override}", putOverrideHandler(sched))
		r.Delete("/overrides/{override}", deleteOverrideHandler(sched))
		r.Post("/holidays", declareHolidayHandler(appts))
		r.Delete("/holidays/{date}", removeHolidayHandler(sched))
		r.Get("/appointments", listProviderAppointmentsHandler(appts))
		r.Get("/stats", providerStatsHandler(appts))
	})

	r.Post("/appointments", bookAppointmentHandler(appts))
	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(appts))
		r.Post("/accept", acceptHandler(appts))
		r.Post("/reject", rejectHandler(appts))
		r.Post("/cancel", cancelHandler(appts))
		r.Post("/reschedule", rescheduleHandler(appts))
		r.Post("/start", startHandler(appts))
		r.Post("/end", endHandler(appts))
		r.Post("/complete", completeHandler(appts))
		r.Post("/no-show", noShowHandler(appts))
		r.Post("/payment-order", paymentOrderHandler(appts))
	})

	r.Post("/payments/confirm", confirmPaymentHandler(appts))
	if cfg.Signaling != nil {
		r.Method(http.MethodGet, "/ws/signaling", cfg.Signaling)
	}

	return r
}
