package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks HTTP traffic through the gateway.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// OutboxMetrics tracks the durable event log.
type OutboxMetrics struct {
	transitions *prometheus.CounterVec
	pendingAge  prometheus.Gauge
	handlerTime *prometheus.HistogramVec
}

// SchedulerMetrics tracks job dispatch.
type SchedulerMetrics struct {
	claims *prometheus.CounterVec
	idle   *prometheus.CounterVec
	reaped prometheus.Counter
}

// VerifierMetrics tracks the verification gateway.
type VerifierMetrics struct {
	backlog  prometheus.Gauge
	claims   *prometheus.CounterVec
	verdicts *prometheus.CounterVec
}

// PayoutMetrics tracks the settlement pipeline.
type PayoutMetrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	railCalls   *prometheus.CounterVec
	broadcast   prometheus.Histogram
}

// BillingMetrics tracks funding webhooks and ledger writes.
type BillingMetrics struct {
	webhooks *prometheus.CounterVec
}

var (
	requestOnce     sync.Once
	requestRegistry *RequestMetrics

	outboxOnce     sync.Once
	outboxRegistry *OutboxMetrics

	schedulerOnce     sync.Once
	schedulerRegistry *SchedulerMetrics

	verifierOnce     sync.Once
	verifierRegistry *VerifierMetrics

	payoutOnce     sync.Once
	payoutRegistry *PayoutMetrics

	billingOnce     sync.Once
	billingRegistry *BillingMetrics
)

// Requests returns the lazily-initialised HTTP metrics registry.
func Requests() *RequestMetrics {
	requestOnce.Do(func() {
		requestRegistry = &RequestMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(requestRegistry.requests, requestRegistry.latency)
	})
	return requestRegistry
}

// Observe records one served request.
func (m *RequestMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// Outbox returns the lazily-initialised outbox metrics registry.
func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outboxRegistry = &OutboxMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "transitions_total",
				Help:      "Outbox event transitions segmented by topic and transition.",
			}, []string{"topic", "transition"}),
			pendingAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "pending_age_seconds",
				Help:      "Age of the oldest pending outbox event.",
			}),
			handlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "handler_duration_seconds",
				Help:      "Handler latency per topic.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic"}),
		}
		prometheus.MustRegister(
			outboxRegistry.transitions,
			outboxRegistry.pendingAge,
			outboxRegistry.handlerTime,
		)
	})
	return outboxRegistry
}

// RecordTransition counts one outbox state change.
func (m *OutboxMetrics) RecordTransition(topic, transition string) {
	if m == nil {
		return
	}
	if topic == "" {
		topic = "unknown"
	}
	m.transitions.WithLabelValues(topic, transition).Inc()
}

// SetPendingAge publishes the oldest-pending gauge.
func (m *OutboxMetrics) SetPendingAge(age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.pendingAge.Set(age.Seconds())
}

// ObserveHandler records handler latency for one topic.
func (m *OutboxMetrics) ObserveHandler(topic string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handlerTime.WithLabelValues(topic).Observe(duration.Seconds())
}

// Scheduler returns the lazily-initialised scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerRegistry = &SchedulerMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "scheduler",
				Name:      "claims_total",
				Help:      "Job claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			idle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "scheduler",
				Name:      "idle_total",
				Help:      "Idle scheduler responses segmented by reason.",
			}, []string{"reason"}),
			reaped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "scheduler",
				Name:      "leases_reaped_total",
				Help:      "Expired leases returned to the open pool.",
			}),
		}
		prometheus.MustRegister(
			schedulerRegistry.claims,
			schedulerRegistry.idle,
			schedulerRegistry.reaped,
		)
	})
	return schedulerRegistry
}

// RecordClaim counts one claim attempt outcome.
func (m *SchedulerMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RecordIdle counts one idle response by reason.
func (m *SchedulerMetrics) RecordIdle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "no_eligible_jobs"
	}
	m.idle.WithLabelValues(reason).Inc()
}

// RecordReaped counts leases returned to open.
func (m *SchedulerMetrics) RecordReaped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reaped.Add(float64(count))
}

// Verifier returns the lazily-initialised verifier metrics registry.
func Verifier() *VerifierMetrics {
	verifierOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Name:      "verifier_backlog",
				Help:      "Submissions awaiting a verifier claim.",
			}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "verifier",
				Name:      "claims_total",
				Help:      "Verifier claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "verifier",
				Name:      "verdicts_total",
				Help:      "Verdicts recorded segmented by result.",
			}, []string{"verdict"}),
		}
		prometheus.MustRegister(
			verifierRegistry.backlog,
			verifierRegistry.claims,
			verifierRegistry.verdicts,
		)
	})
	return verifierRegistry
}

// SetBacklog publishes the verifier backlog gauge.
func (m *VerifierMetrics) SetBacklog(count int64) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(count))
}

// RecordClaim counts one verifier claim outcome.
func (m *VerifierMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RecordVerdict counts one recorded verdict.
func (m *VerifierMetrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

// Payouts returns the lazily-initialised payout metrics registry.
func Payouts() *PayoutMetrics {
	payoutOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payouts",
				Name:      "transitions_total",
				Help:      "Payout state transitions.",
			}, []string{"status"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payouts",
				Name:      "failures_total",
				Help:      "Terminal payout failures segmented by reason.",
			}, []string{"reason"}),
			railCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payouts",
				Name:      "rail_requests_total",
				Help:      "Rail RPC calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			broadcast: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "payouts",
				Name:      "broadcast_duration_seconds",
				Help:      "Time from payout request to broadcast.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.transitions,
			payoutRegistry.failures,
			payoutRegistry.railCalls,
			payoutRegistry.broadcast,
		)
	})
	return payoutRegistry
}

// RecordTransition counts one payout state change.
func (m *PayoutMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordFailure counts one terminal failure by reason.
func (m *PayoutMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

// RecordRailCall counts one rail RPC.
func (m *PayoutMetrics) RecordRailCall(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.railCalls.WithLabelValues(method, outcome).Inc()
}

// ObserveBroadcast records request-to-broadcast latency.
func (m *PayoutMetrics) ObserveBroadcast(duration time.Duration) {
	if m == nil {
		return
	}
	m.broadcast.Observe(duration.Seconds())
}

// Billing returns the lazily-initialised billing metrics registry.
func Billing() *BillingMetrics {
	billingOnce.Do(func() {
		billingRegistry = &BillingMetrics{
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Inbound billing webhook deliveries segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
		}
		prometheus.MustRegister(billingRegistry.webhooks)
	})
	return billingRegistry
}

// RecordWebhook counts one webhook delivery outcome.
func (m *BillingMetrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}
