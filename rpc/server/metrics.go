package server

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"sync/atomic"
	"time"
)

var (
	unknownCalls     = metrics.GetOrCreateCounter("tinyrpc_server_unknown_calls_total")
	handlerPanics    = metrics.GetOrCreateCounter("tinyrpc_server_handler_panics_total")
	droppedReplies   = metrics.GetOrCreateCounter("tinyrpc_server_dropped_replies_total")
	oversizedReplies = metrics.GetOrCreateCounter("tinyrpc_server_oversized_replies_total")

	openConnections atomic.Int64
	_               = metrics.GetOrCreateGauge("tinyrpc_server_open_connections", func() float64 {
		return float64(openConnections.Load())
	})
)

// kindMetrics are the per kind call counter and duration histogram
type kindMetrics struct {
	calls    *metrics.Counter
	duration *metrics.Histogram
}

var byKind = func() [3]kindMetrics {
	var m [3]kindMetrics
	for _, k := range []Kind{KindSync, KindAsync, KindBlocking} {
		m[k] = kindMetrics{
			calls:    metrics.GetOrCreateCounter(fmt.Sprintf(`tinyrpc_server_calls_total{kind=%q}`, k)),
			duration: metrics.GetOrCreateHistogram(fmt.Sprintf(`tinyrpc_server_handler_duration_seconds{kind=%q}`, k)),
		}
	}
	return m
}()

// observe records a finished handler invocation
func observe(k Kind, start time.Time) {
	m := byKind[k]
	m.calls.Inc()
	m.duration.UpdateDuration(start)
}
