// Package metrics collects bus-domain health and performance metrics and
// exposes them as Prometheus collectors, per SPEC_FULL.md §6.2.
// file: internal/metrics/server_metrics.go
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wiremux"

// Collector owns the process's Prometheus metrics plus a small in-memory
// snapshot for a lightweight /status endpoint that doesn't require a
// Prometheus scraper.
type Collector struct {
	startTime time.Time

	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	connectionFailures prometheus.Counter

	messagesIn  prometheus.Counter
	messagesOut prometheus.Counter

	dispatchLatency *prometheus.HistogramVec
	dispatchErrors  *prometheus.CounterVec

	throttleEvents prometheus.Counter
	timeouts       prometheus.Counter

	mu         sync.Mutex
	errorBuffer []ErrorInfo
	bufferSize  int
}

// ErrorInfo records a single error event for the in-memory status buffer.
type ErrorInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// NewCollector creates a Collector and registers its metrics with reg. Pass
// prometheus.DefaultRegisterer in production, or a fresh prometheus.NewRegistry()
// in tests that don't want to touch the global registry.
func NewCollector(reg prometheus.Registerer, errorBufferSize int) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		bufferSize: errorBufferSize,
		errorBuffer: make([]ErrorInfo, 0, errorBufferSize),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections", Help: "Currently open connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Connections accepted since start.",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_failures_total", Help: "Connections that failed before becoming ready.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_in_total", Help: "Messages read from any connection.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_out_total", Help: "Messages written to any connection.",
		}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Handler dispatch latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_errors_total", Help: "Dispatch errors by domain error code.",
		}, []string{"code"}),
		throttleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttle_events_total", Help: "Times a connection's read watch was disabled due to a full incoming queue.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_timeouts_total", Help: "Outstanding calls that were resolved by a timeout instead of a reply.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.activeConnections,
			c.connectionsTotal,
			c.connectionFailures,
			c.messagesIn,
			c.messagesOut,
			c.dispatchLatency,
			c.dispatchErrors,
			c.throttleEvents,
			c.timeouts,
		)
	}
	return c
}

// RecordConnection tracks a connection becoming active or closing.
func (c *Collector) RecordConnection(active bool) {
	if active {
		c.activeConnections.Inc()
		c.connectionsTotal.Inc()
	} else {
		c.activeConnections.Dec()
	}
}

// RecordConnectionFailure increments the failed-connection counter.
func (c *Collector) RecordConnectionFailure() {
	c.connectionFailures.Inc()
}

// RecordMessageIn increments the inbound message counter.
func (c *Collector) RecordMessageIn() { c.messagesIn.Inc() }

// RecordMessageOut increments the outbound message counter.
func (c *Collector) RecordMessageOut() { c.messagesOut.Inc() }

// RecordDispatch records how long a handler took to run and, on failure,
// the domain error code it returned.
func (c *Collector) RecordDispatch(method string, latency time.Duration, errCode string) {
	c.dispatchLatency.WithLabelValues(method).Observe(latency.Seconds())
	if errCode != "" {
		c.dispatchErrors.WithLabelValues(errCode).Inc()
	}
}

// RecordThrottle marks a read-watch disable event.
func (c *Collector) RecordThrottle() { c.throttleEvents.Inc() }

// RecordTimeout marks an outstanding call resolved by its timer.
func (c *Collector) RecordTimeout() { c.timeouts.Inc() }

// MessagesInTotal exposes the inbound message counter for tests and a
// lightweight status endpoint that doesn't want to stand up a full
// Prometheus scrape.
func (c *Collector) MessagesInTotal() prometheus.Counter { return c.messagesIn }

// MessagesOutTotal exposes the outbound message counter, mirroring
// MessagesInTotal.
func (c *Collector) MessagesOutTotal() prometheus.Counter { return c.messagesOut }

// DispatchLatency exposes the per-method dispatch latency histogram.
func (c *Collector) DispatchLatency() *prometheus.HistogramVec { return c.dispatchLatency }

// ThrottleEventsTotal exposes the read-watch-disable counter for tests.
func (c *Collector) ThrottleEventsTotal() prometheus.Counter { return c.throttleEvents }

// RecordError appends to the bounded in-memory error buffer used by the
// lightweight status snapshot, independent of Prometheus.
func (c *Collector) RecordError(component, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errorBuffer) >= c.bufferSize {
		c.errorBuffer = c.errorBuffer[1:]
	}
	c.errorBuffer = append(c.errorBuffer, ErrorInfo{
		Timestamp: time.Now(),
		Component: component,
		Message:   message,
	})
}

// Status is a process-health snapshot for a plain JSON status endpoint,
// independent of the Prometheus scrape surface.
type Status struct {
	StartTime     time.Time     `json:"startTime"`
	Uptime        time.Duration `json:"uptime"`
	GoVersion     string        `json:"goVersion"`
	NumGoroutines int           `json:"numGoroutines"`
	LastErrors    []ErrorInfo   `json:"lastErrors,omitempty"`
}

// Snapshot returns the current Status.
func (c *Collector) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		StartTime:     c.startTime,
		Uptime:        time.Since(c.startTime),
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
	}
	if len(c.errorBuffer) > 0 {
		s.LastErrors = make([]ErrorInfo, len(c.errorBuffer))
		copy(s.LastErrors, c.errorBuffer)
	}
	return s
}
