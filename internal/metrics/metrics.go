// Package metrics provides Prometheus metrics for the host and workbench processes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lzy_dispatch_total",
			Help: "Total number of capability dispatches",
		},
		[]string{"op", "result"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lzy_dispatch_duration_seconds",
			Help:    "Capability handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Call channel metrics
	ipcConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lzy_ipc_connections_active",
			Help: "Number of connected presentation processes",
		},
	)

	ipcCallsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lzy_ipc_calls_in_flight",
			Help: "Number of calls currently being handled",
		},
	)

	ipcFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lzy_ipc_frames_total",
			Help: "Frames received on the call channel",
		},
		[]string{"type"},
	)

	// Scheme metrics
	schemeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lzy_scheme_requests_total",
			Help: "Total number of intercepted scheme requests",
		},
		[]string{"scheme", "route", "status"},
	)

	schemeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lzy_scheme_request_duration_seconds",
			Help:    "Intercepted scheme request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lzy_notifications_total",
			Help: "Notifications published by channel",
		},
		[]string{"channel"},
	)

	notificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lzy_notifications_dropped_total",
			Help: "Notifications dropped for slow subscribers",
		},
	)

	// Resource metrics
	terminalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lzy_terminals_active",
			Help: "Number of live terminal processes",
		},
	)

	fileBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lzy_file_bytes_read_total",
			Help: "Bytes read from disk by file capabilities",
		},
	)

	fileBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lzy_file_bytes_written_total",
			Help: "Bytes written to disk by file capabilities",
		},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lzy_tree_nodes",
			Help: "Number of nodes in the last parsed workspace tree",
		},
	)

	// Presentation-side cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lzy_filecache_entries",
			Help: "Number of file models held in the cache",
		},
	)

	cacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lzy_filecache_events_total",
			Help: "File cache hits, misses, loads and evictions",
		},
		[]string{"event"},
	)

	authFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lzy_auth_failures_total",
			Help: "Rejected connections with a missing or invalid session token",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records a capability dispatch.
func RecordDispatch(op, result string, d time.Duration) {
	dispatchTotal.WithLabelValues(op, result).Inc()
	dispatchDuration.WithLabelValues(op).Observe(d.Seconds())
}

// IPCConnectionOpened increments the active connection gauge.
func IPCConnectionOpened() {
	ipcConnectionsActive.Inc()
}

// IPCConnectionClosed decrements the active connection gauge.
func IPCConnectionClosed() {
	ipcConnectionsActive.Dec()
}

// IPCCallStarted increments the in-flight call gauge.
func IPCCallStarted() {
	ipcCallsInFlight.Inc()
}

// IPCCallFinished decrements the in-flight call gauge.
func IPCCallFinished() {
	ipcCallsInFlight.Dec()
}

// RecordFrame counts a received frame by type.
func RecordFrame(frameType string) {
	ipcFramesTotal.WithLabelValues(frameType).Inc()
}

// RecordSchemeRequest records an intercepted scheme request.
func RecordSchemeRequest(scheme, route string, status int, d time.Duration) {
	schemeRequestsTotal.WithLabelValues(scheme, route, strconv.Itoa(status)).Inc()
	schemeRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordNotification counts a published notification.
func RecordNotification(channel string) {
	notificationsTotal.WithLabelValues(channel).Inc()
}

// RecordNotificationDropped counts a notification dropped for a slow subscriber.
func RecordNotificationDropped() {
	notificationsDropped.Inc()
}

// SetTerminalsActive sets the live terminal gauge.
func SetTerminalsActive(n int) {
	terminalsActive.Set(float64(n))
}

// AddBytesRead counts bytes read from disk.
func AddBytesRead(n int) {
	fileBytesRead.Add(float64(n))
}

// AddBytesWritten counts bytes written to disk.
func AddBytesWritten(n int) {
	fileBytesWritten.Add(float64(n))
}

// SetTreeNodes records the size of the last parsed tree.
func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// RecordAuthFailure counts a rejected session token.
func RecordAuthFailure() {
	authFailures.Inc()
}

// SetCacheEntries sets the file cache size gauge.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordCacheEvent counts a file cache event (hit, miss, load, evict).
func RecordCacheEvent(event string) {
	cacheEvents.WithLabelValues(event).Inc()
}
