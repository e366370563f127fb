// Package metrics exposes pipeline counters and gauges to Prometheus. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/reject"
)

const namespace = "transmission"

type Metrics struct {
	reg *prometheus.Registry

	stages        *prometheus.CounterVec
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	gear          *prometheus.GaugeVec
	gearShifts    *prometheus.CounterVec
	orders        *prometheus.CounterVec
	tradesClosed  *prometheus.CounterVec
	tradeR        prometheus.Histogram
	dailyR        prometheus.Gauge
	weeklyR       prometheus.Gauge
	riskUnit      prometheus.Gauge
	panics        prometheus.Counter
	flattens      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_outcomes_total",
				Help:      "Pipeline stage outcomes by stage and rejection code (empty code means pass)",
			},
			[]string{"stage", "code"},
		),
		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Evaluation cycles run",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one evaluation cycle across all instruments",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		gear: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gear",
				Help:      "Current gear; the active gear reads 1, all others 0",
			},
			[]string{"gear"},
		),
		gearShifts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gear_shifts_total",
				Help:      "Gear transitions by source, destination and reason",
			},
			[]string{"from", "to", "reason"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Entry orders accepted by the broker",
			},
			[]string{"instrument", "side", "type"},
		),
		tradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_closed_total",
				Help:      "Closed trades by exit reason",
			},
			[]string{"reason"},
		),
		tradeR: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trade_r_multiple",
				Help:      "Realized R multiple per closed trade",
				Buckets:   []float64{-3, -2, -1.5, -1, -0.5, 0, 0.5, 1, 1.5, 2, 3, 5},
			},
		),
		dailyR: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_r", Help: "Realized R for the current trading day",
		}),
		weeklyR: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "weekly_r", Help: "Realized R for the current week",
		}),
		riskUnit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_unit_dollars", Help: "Current $R after performance scaling",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_panics_total", Help: "Recovered per-instrument worker panics",
		}),
		flattens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flatten_all_total", Help: "Flatten-all invocations",
		}),
	}
	m.reg.MustRegister(
		m.stages, m.cycles, m.cycleDuration, m.gear, m.gearShifts, m.orders,
		m.tradesClosed, m.tradeR, m.dailyR, m.weeklyR, m.riskUnit, m.panics, m.flattens,
	)
	return m
}

// Registry is the registry every collector is registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) StagePassed(stage reject.Stage) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(string(stage), "").Inc()
}

func (m *Metrics) StageRejected(r *reject.Rejection) {
	if m == nil || r == nil {
		return
	}
	m.stages.WithLabelValues(string(r.Stage), string(r.Code)).Inc()
}

func (m *Metrics) CycleDone(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetGear(g gear.Gear) {
	if m == nil {
		return
	}
	for _, x := range gear.All() {
		v := 0.0
		if x == g {
			v = 1
		}
		m.gear.WithLabelValues(string(x)).Set(v)
	}
}

func (m *Metrics) GearShift(t gear.Transition) {
	if m == nil {
		return
	}
	m.gearShifts.WithLabelValues(string(t.From), string(t.To), string(t.Reason)).Inc()
	m.SetGear(t.To)
}

func (m *Metrics) OrderSubmitted(instrument, side, typ string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(instrument, side, typ).Inc()
}

func (m *Metrics) TradeClosed(reason string, r float64) {
	if m == nil {
		return
	}
	m.tradesClosed.WithLabelValues(reason).Inc()
	m.tradeR.Observe(r)
}

func (m *Metrics) SetLedger(dailyR, weeklyR, riskUnit float64) {
	if m == nil {
		return
	}
	m.dailyR.Set(dailyR)
	m.weeklyR.Set(weeklyR)
	m.riskUnit.Set(riskUnit)
}

func (m *Metrics) WorkerPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

func (m *Metrics) Flatten() {
	if m == nil {
		return
	}
	m.flattens.Inc()
}
