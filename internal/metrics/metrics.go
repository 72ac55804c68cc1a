// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "confluence"

// Recorder holds every collector the engine updates.
type Recorder struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	familyScore     *prometheus.GaugeVec
	familyFaults    *prometheus.CounterVec
	confidence      prometheus.Gauge
	regime          prometheus.Gauge
	circuitBreaker  prometheus.Gauge
	dailyPnLPercent prometheus.Gauge
	orders          *prometheus.CounterVec
	stopAdjustments prometheus.Counter
	whaleAlerts     prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Decision cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a decision cycle",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		familyScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "family_score",
				Help:      "Latest score per signal family",
			},
			[]string{"family"},
		),
		familyFaults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "family_faults_total",
				Help:      "Signal family evaluations that were neutralised",
			},
			[]string{"family"},
		),
		confidence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decision_confidence",
			Help:      "Final confidence of the latest decision (0-100)",
		}),
		regime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regime",
			Help:      "Current regime (0 trending, 1 ranging, 2 volatile, 3 unknown)",
		}),
		circuitBreaker: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_active",
			Help:      "1 while trading is halted",
		}),
		dailyPnLPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_percent",
			Help:      "Daily P&L relative to the start-of-day balance",
		}),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Entry orders by result",
			},
			[]string{"result"},
		),
		stopAdjustments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_adjustments_total",
			Help:      "Trailing stop moves applied",
		}),
		whaleAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whale_alerts_total",
			Help:      "Bars flagged with large-order activity",
		}),
	}
}

// ObserveCycle records one cycle and its duration.
func (r *Recorder) ObserveCycle(outcome string, d time.Duration) {
	r.cycles.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

// SetFamilyScore records a family's latest score.
func (r *Recorder) SetFamilyScore(family string, score float64, faulted bool) {
	r.familyScore.WithLabelValues(family).Set(score)
	if faulted {
		r.familyFaults.WithLabelValues(family).Inc()
	}
}

// SetDecision records the latest confidence and regime.
func (r *Recorder) SetDecision(confidence float64, regimeOrdinal int) {
	r.confidence.Set(confidence)
	r.regime.Set(float64(regimeOrdinal))
}

// SetRisk records the breaker state and daily P&L.
func (r *Recorder) SetRisk(halted bool, dailyPnLPercent float64) {
	v := 0.0
	if halted {
		v = 1
	}
	r.circuitBreaker.Set(v)
	r.dailyPnLPercent.Set(dailyPnLPercent)
}

// RecordOrder counts an entry attempt.
func (r *Recorder) RecordOrder(result string) {
	r.orders.WithLabelValues(result).Inc()
}

// RecordStopAdjustment counts an applied trailing stop.
func (r *Recorder) RecordStopAdjustment() {
	r.stopAdjustments.Inc()
}

// RecordWhale counts a whale alert.
func (r *Recorder) RecordWhale() {
	r.whaleAlerts.Inc()
}
