// Package utils holds the small helpers shared by every kvhandle package: logging setup, build info and invariants.
//
// Invariants are conditions in code that must be true; otherwise, there is a bug in code.
// Think of what you'd `panic()` on, but you don't want to take the whole process down because of it.
// A violated invariant is logged, counted in a monitoring counter, and panics only in test builds.
// The caller is still responsible for handling the erroneous case, e.g. with an early return.
//
// Do not use invariants for conditions that depend on external factors; a storage engine failing to open
// a directory is an error, not an invariant violation. A handle holding an engine while reporting itself
// closed, or a negative cursor count, is.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of the given `invariantType` inside `module`.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of invariant metric with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads the current value of a Prometheus counter; mostly useful in tests.
func CounterValue(counter prometheus.Counter) float64 {
	metric := &promclient.Metric{}
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}

// GaugeValue reads the current value of a Prometheus gauge; mostly useful in tests.
func GaugeValue(gauge prometheus.Gauge) float64 {
	metric := &promclient.Metric{}
	if err := gauge.Write(metric); err != nil {
		slog.Error("Failed to read gauge value.", "error", err)
		return 0
	}
	return metric.GetGauge().GetValue()
}
