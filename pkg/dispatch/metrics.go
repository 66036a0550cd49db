package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LabelMethod  = "method"
	LabelOutcome = "outcome"
	LabelResult  = "result"
)

type Metrics struct {
	Attempts *prometheus.CounterVec
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "attempts_total",
			Help:      "Attempts issued, by method and outcome.",
		}, []string{LabelMethod, LabelOutcome}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "calls_total",
			Help:      "Calls completed, by method and result.",
		}, []string{LabelMethod, LabelResult}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Time from the first attempt to resolution, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelMethod}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Attempts, m.Calls, m.Duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observeCall(method string, state State, begin time.Time) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(method, state.String()).Inc()
	m.Duration.WithLabelValues(method).Observe(time.Since(begin).Seconds())
}
