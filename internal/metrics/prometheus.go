package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/rollupsim/pkg/types"
)

// Operation statuses used as the "status" label.
const (
	StatusSubmitted    = "submitted"
	StatusSubmitFailed = "submit_failed"
	StatusSettled      = "settled"
	StatusRejected     = "rejected"
	StatusFinalized    = "finalized"
	StatusUnfinalized  = "unfinalized"
)

// PrometheusMetrics holds the Prometheus collectors for the simulator.
type PrometheusMetrics struct {
	OperationsTotal *prometheus.CounterVec
	InFlight        prometheus.Gauge

	TargetRate   prometheus.Gauge
	AchievedRate prometheus.Gauge
	State        *prometheus.GaugeVec

	SettlementLatency *prometheus.HistogramVec
	FinalityLatency   *prometheus.HistogramVec

	FundingTotal *prometheus.CounterVec
	FundedWei    *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	latencyBuckets := []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900}

	return &PrometheusMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollupsim_operations_total",
				Help: "Operations by status and kind",
			},
			[]string{"status", "kind"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rollupsim_inflight_operations",
				Help: "Submitted operations not yet resolved",
			},
		),

		TargetRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rollupsim_target_rate",
				Help: "Configured submissions per second",
			},
		),

		AchievedRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rollupsim_achieved_rate",
				Help: "Submissions per second achieved by the last run",
			},
		),

		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rollupsim_state",
				Help: "Coordinator state (1 if current, 0 otherwise)",
			},
			[]string{"state"},
		),

		SettlementLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rollupsim_settlement_latency_seconds",
				Help:    "Submission to settlement receipt latency",
				Buckets: latencyBuckets,
			},
			[]string{"kind"},
		),

		FinalityLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rollupsim_finality_latency_seconds",
				Help:    "Submission to verification receipt latency",
				Buckets: latencyBuckets,
			},
			[]string{"kind"},
		),

		FundingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollupsim_funding_transactions_total",
				Help: "Funding transactions sent by layer",
			},
			[]string{"layer"},
		),

		FundedWei: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollupsim_funded_wei_total",
				Help: "Amount moved by funding transactions, in wei",
			},
			[]string{"layer"},
		),
	}
}

// RecordOperation increments the operation counter.
func (m *PrometheusMetrics) RecordOperation(status, kind string) {
	m.OperationsTotal.WithLabelValues(status, kind).Inc()
}

// RecordSettlementLatency observes a settlement latency.
func (m *PrometheusMetrics) RecordSettlementLatency(kind string, d time.Duration) {
	m.SettlementLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFinalityLatency observes a finality latency.
func (m *PrometheusMetrics) RecordFinalityLatency(kind string, d time.Duration) {
	m.FinalityLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFunding counts one funding transaction.
func (m *PrometheusMetrics) RecordFunding(layer string, amount *big.Int) {
	m.FundingTotal.WithLabelValues(layer).Inc()
	if amount != nil {
		f, _ := new(big.Float).SetInt(amount).Float64()
		m.FundedWei.WithLabelValues(layer).Add(f)
	}
}

// SetState marks state as the current coordinator state.
func (m *PrometheusMetrics) SetState(state types.State) {
	for _, s := range types.States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(string(s)).Set(v)
	}
}

// Reset clears the per-run counters and gauges. Histograms are cumulative.
func (m *PrometheusMetrics) Reset() {
	m.OperationsTotal.Reset()
	m.InFlight.Set(0)
	m.TargetRate.Set(0)
	m.AchievedRate.Set(0)
}
