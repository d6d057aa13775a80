package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics the pipeline records.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SettledCost     *prometheus.CounterVec
	Reservations    *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics with the registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "requests_total",
				Help:      "Total requests processed by the pipeline",
			},
			[]string{"decision", "code"}, // code empty on success
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tollgate",
				Name:      "request_duration_seconds",
				Help:      "End-to-end pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		SettledCost: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "settled_cost_total",
				Help:      "Total settled cost by tenant",
			},
			[]string{"tenant"},
		),
		Reservations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "reservations_total",
				Help:      "Ledger reservations by outcome",
			},
			[]string{"outcome"}, // reserved/settled/voided/denied
		),
	}
}

func (m *Metrics) observeRequest(decision, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(decision, code).Inc()
	m.RequestDuration.WithLabelValues(decision).Observe(elapsed.Seconds())
}

func (m *Metrics) observeSettledCost(tenant string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.SettledCost.WithLabelValues(tenant).Add(cost)
}

func (m *Metrics) observeReservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}
