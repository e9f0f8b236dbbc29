package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LedgerOperations    *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	ProviderCalls       *prometheus.CounterVec
	ProviderDuration    *prometheus.HistogramVec
	WebhookRequests     *prometheus.CounterVec
	PollRuns            prometheus.Counter
	PollDuration        prometheus.Histogram
	TokenValidations    *prometheus.CounterVec
	AdminEscalations    prometheus.Counter
	KeyInconsistencies  prometheus.Counter
	RateLimitRejections prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_ledger_operations_total",
				Help: "Total wallet ledger operations.",
			},
			[]string{"kind", "outcome"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_order_transitions_total",
				Help: "Total order state transitions by outcome.",
			},
			[]string{"from", "to", "outcome"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_provider_calls_total",
				Help: "Total outbound provider calls.",
			},
			[]string{"provider", "call", "outcome"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_provider_call_duration_seconds",
				Help:    "Outbound provider call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "call"},
		),
		WebhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_webhook_requests_total",
				Help: "Total inbound webhook requests.",
			},
			[]string{"source", "outcome"},
		),
		PollRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_poll_runs_total",
				Help: "Total reconciliation poll runs.",
			},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_poll_duration_seconds",
				Help:    "Reconciliation poll run duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		TokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_cashout_token_validations_total",
				Help: "Total cashout token validation attempts.",
			},
			[]string{"result"},
		),
		AdminEscalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_admin_escalations_total",
				Help: "Total orders escalated to admin_pending.",
			},
		),
		KeyInconsistencies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_withdraw_key_inconsistencies_total",
				Help: "Provider rejected a withdraw key that resolved as verified.",
			},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_rate_limit_rejections_total",
				Help: "Total cashout confirmation attempts rejected by rate limiting.",
			},
		),
	}

	registry.MustRegister(
		m.LedgerOperations,
		m.Transitions,
		m.ProviderCalls,
		m.ProviderDuration,
		m.WebhookRequests,
		m.PollRuns,
		m.PollDuration,
		m.TokenValidations,
		m.AdminEscalations,
		m.KeyInconsistencies,
		m.RateLimitRejections,
	)
	return m
}

func (m *Metrics) ObserveProviderCall(provider, call, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, call, outcome).Inc()
	m.ProviderDuration.WithLabelValues(provider, call).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, outcome).Inc()
}

func (m *Metrics) IncWebhook(source, outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncTokenValidation(result string) {
	if m == nil {
		return
	}
	m.TokenValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncEscalation() {
	if m == nil {
		return
	}
	m.AdminEscalations.Inc()
}

func (m *Metrics) IncKeyInconsistency() {
	if m == nil {
		return
	}
	m.KeyInconsistencies.Inc()
}

func (m *Metrics) ObservePoll(duration time.Duration) {
	if m == nil {
		return
	}
	m.PollRuns.Inc()
	m.PollDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}
