package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/payments"
)

// Metrics is the process's prometheus registry. It observes reconciliation
// passes and admin actions, deposit flows, and HTTP traffic.
type Metrics struct {
	registry           *prometheus.Registry
	passesTotal        *prometheus.CounterVec
	passDuration       prometheus.Histogram
	skippedLogs        prometheus.Gauge
	paymentsByStatus   *prometheus.GaugeVec
	adminActionsTotal  *prometheus.CounterVec
	depositFlowsTotal  *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	authRejectionTotal prometheus.Counter
	idempotentReplays  prometheus.Counter
}

func NewMetrics() *Metrics {
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_escrow_reconciliation_passes_total",
		Help: "Reconciliation passes applied, by result",
	}, []string{"result"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tuition_escrow_reconciliation_pass_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	skipped := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tuition_escrow_skipped_deposit_logs",
		Help: "Deposit logs that failed to decode in the last pass",
	})

	byStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuition_escrow_payments",
		Help: "Payments in the collection, by status",
	}, []string{"status"})

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_escrow_admin_actions_total",
		Help: "Admin release and refund actions, by outcome",
	}, []string{"kind", "outcome"})

	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_escrow_deposit_flows_total",
		Help: "Finished deposit flows, by outcome",
	}, []string{"outcome"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_escrow_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"route", "code"})

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_escrow_auth_rejections_total",
		Help: "Write requests rejected by signature or origin checks",
	})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_escrow_idempotent_replays_total",
		Help: "Write requests answered from the idempotency store",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(passes, duration, skipped, byStatus, actions, deposits, requests, rejections, replays)

	return &Metrics{
		registry:           r,
		passesTotal:        passes,
		passDuration:       duration,
		skippedLogs:        skipped,
		paymentsByStatus:   byStatus,
		adminActionsTotal:  actions,
		depositFlowsTotal:  deposits,
		httpRequestsTotal:  requests,
		authRejectionTotal: rejections,
		idempotentReplays:  replays,
	}
}

var _ payments.Observer = (*Metrics)(nil)

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PassFinished(d time.Duration, skipped int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.passDuration.Observe(d.Seconds())
	if err == nil {
		m.skippedLogs.Set(float64(skipped))
	}
}

func (m *Metrics) PaymentsByStatus(counts map[contracts.PaymentStatus]int) {
	for status, n := range counts {
		m.paymentsByStatus.WithLabelValues(status.String()).Set(float64(n))
	}
}

func (m *Metrics) ActionFinished(kind payments.ActionKind, outcome string) {
	m.adminActionsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// DepositFinished matches the deposit controller's outcome hook.
func (m *Metrics) DepositFinished(outcome string) {
	m.depositFlowsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incRequest(route string, code int) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) incAuthRejection() {
	m.authRejectionTotal.Inc()
}

func (m *Metrics) incReplay() {
	m.idempotentReplays.Inc()
}
