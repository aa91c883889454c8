package utils

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRaiseInvariant(t *testing.T) {
	invariantsMetric.Reset() // Reset the metric to ensure a clean state for the test
	RaiseInvariant("invariant", "test", "This is a test invariant violation")
	gotInvariants := GetMetricValue("invariant" /*module*/, "test" /*invariantType*/)
	assert.Equal(t, 1, gotInvariants)
	assert.Zero(t, GetMetricValue("invariant" /*module*/, "other" /*invariantType*/))
}

func TestGaugeValue(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "Test gauge."})
	gauge.Add(3)
	gauge.Dec()
	assert.Equal(t, float64(2), GaugeValue(gauge))
}
