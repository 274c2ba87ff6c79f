package reporting

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/prometheus/client_golang/prometheus"
)

var errWriteMetrics = errors.New("failed to write metrics textfile")

// Metrics holds the collectors describing one run.
type Metrics struct {
	registry *prometheus.Registry

	casesTotal   *prometheus.CounterVec
	caseDuration *prometheus.HistogramVec
	runTimestamp prometheus.Gauge
	runSuccess   prometheus.Gauge
}

// NewMetrics registers the run collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		casesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtcase_cases_total",
				Help: "Number of cases run, by status.",
			},
			[]string{"status"},
		),
		caseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virtcase_case_duration_seconds",
				Help:    "Wall time of a case including cleanup.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		runTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtcase_last_run_timestamp_seconds",
			Help: "End of the last run since unix epoch in seconds.",
		}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtcase_last_run_success",
			Help: "1 if no case of the last run failed or errored.",
		}),
	}
	m.registry.MustRegister(m.casesTotal, m.caseDuration, m.runTimestamp, m.runSuccess)

	// Every status is exported, even at zero.
	for _, status := range testcase.Statuses {
		m.casesTotal.WithLabelValues(string(status))
	}
	return m
}

// Registry exposes the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records report.
func (m *Metrics) Observe(report *Report) {
	for _, res := range report.Cases {
		m.casesTotal.WithLabelValues(string(res.Status)).Inc()
		m.caseDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	}
	if !report.EndTime.IsZero() {
		m.runTimestamp.Set(float64(report.EndTime.Unix()))
	}
	if report.Summary.Ok() {
		m.runSuccess.Set(1)
	} else {
		m.runSuccess.Set(0)
	}
}

// WriteTextfile writes the metrics in the text exposition format, for the node
// exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteMetrics)
	}
	return nil
}

// WriteMetrics observes report on a fresh Metrics and writes it to path.
func WriteMetrics(path string, report *Report) error {
	m := NewMetrics()
	m.Observe(report)
	return m.WriteTextfile(path)
}
