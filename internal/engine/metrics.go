package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/domain"
)

type Metrics struct {
	// Latency: сколько времени заняла стадия (включая facilitator)
	StageDuration *prometheus.HistogramVec

	// Traffic: общее кол-во вызовов по стадиям
	TotalRequests *prometheus.CounterVec

	// Decisions: решения движка политик
	Decisions *prometheus.CounterVec

	// Settlements: терминальные статусы транзакций
	Settlements *prometheus.CounterVec

	// Errors: классификация отказов facilitator
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - open, 2 - half-open)
	CircuitBreakerState *prometheus.GaugeVec

	Alerts *prometheus.CounterVec

	// Provenance: заполненность буфера (backpressure) и потери при перегрузке
	ProvenanceBufferFill prometheus.Gauge
	ProvenanceDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_stage_duration_seconds",
			Help:    "Histogram of payment lifecycle stage latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage", "outcome"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_requests_total",
			Help: "Total number of lifecycle calls by stage.",
		}, []string{"stage"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_policy_decisions_total",
			Help: "Policy decisions by action.",
		}, []string{"action"}),

		Settlements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_transactions_total",
			Help: "Transactions that reached a terminal status.",
		}, []string{"status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_errors_total",
			Help: "Total number of facilitator errors by kind.",
		}, []string{"kind"}), // типы: circuit_open, timeout, throttled, rejected ...

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "paygate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"endpoint"}),

		Alerts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_alerts_total",
			Help: "Alerts raised by type and severity.",
		}, []string{"type", "severity"}),

		ProvenanceBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paygate_provenance_buffer_utilization",
			Help: "Current number of records in provenance buffer.",
		}),

		ProvenanceDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "paygate_provenance_dropped_total",
			Help: "Provenance records dropped due to a full buffer.",
		}),
	}
}

// BreakerListener переносит переходы предохранителя в gauge
func (m *Metrics) BreakerListener() breaker.StateListener {
	return func(key string, _, to breaker.State) {
		var v float64
		switch to {
		case breaker.StateOpen:
			v = 1
		case breaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(key).Set(v)
	}
}

// CountAlert — подписчик движка алертов
func (m *Metrics) CountAlert(_ context.Context, a domain.Alert) {
	m.Alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}
