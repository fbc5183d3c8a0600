package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "telehealth"

// Metrics exposes counters and gauges for booking, sessions and effects.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	bookingAttempts     *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	liveSessions        prometheus.Gauge
	sessionTerminations *prometheus.CounterVec
	effectDeliveries    *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking and reschedule write attempts by outcome",
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Appointment state machine events by outcome",
		}, []string{"event", "outcome"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "live_sessions",
			Help:      "Sessions currently held by the registry",
		}),
		sessionTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "terminations_total",
			Help:      "Session terminations by reason",
		}, []string{"reason"}),
		effectDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox effect delivery attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingAttempts, m.transitions, m.liveSessions, m.sessionTerminations, m.effectDeliveries, m.httpLatency)
	return m
}

func (m *Metrics) ObserveBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveTransition(event, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionTermination(reason string) {
	if m == nil {
		return
	}
	m.sessionTerminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveEffect(kind, outcome string) {
	if m == nil {
		return
	}
	m.effectDeliveries.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(route, status).Observe(seconds)
}
