package backtest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics counts backtest runs and simulated days.
type RunMetrics struct {
	runs     *prometheus.CounterVec
	days     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewRunMetrics creates the counters and registers them with reg when it
// is non-nil.
func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	m := &RunMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symphony_backtest_runs_total",
			Help: "Backtest runs by outcome.",
		}, []string{"outcome"}),
		days: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symphony_backtest_days_total",
			Help: "Simulated trading days by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symphony_backtest_run_seconds",
			Help:    "Wall time of completed backtest runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.days, m.duration)
	}
	return m
}

func (m *RunMetrics) day(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.days.WithLabelValues("ok").Inc()
	} else {
		m.days.WithLabelValues("error").Inc()
	}
}

func (m *RunMetrics) run(err error, seconds float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("failed").Inc()
		return
	}
	m.runs.WithLabelValues("completed").Inc()
	m.duration.Observe(seconds)
}
