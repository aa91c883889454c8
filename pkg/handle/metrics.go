package handle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handle_operations_total",
		Help: "Total number of handle operations by outcome.",
	}, []string{
		"op",     // open | close | get | set | delete | list
		"result", // ok | not_found | invalid_state | invalid_argument | engine_error
	})
	openEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handle_open_engines",
		Help: "The number of engine instances currently owned by handles.",
	})
	openCursors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handle_open_cursors",
		Help: "The number of scan cursors currently held by handles.",
	})
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handle_read_cache_lookups_total",
		Help: "Total number of read cache lookups.",
	}, []string{"status" /* hit | miss */})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handle_read_cache_evictions_total",
		Help: "Total number of read cache evictions.",
	})
)

// record counts the outcome of `op` and hands `err` back to the caller.
func record(op string, err error) error {
	operations.WithLabelValues(op, resultLabel(err)).Inc()
	return err
}
