// Package metrics holds the prometheus collectors for the coordination
// server. Collectors register themselves via promauto; the exposition
// endpoint is mounted by pkg/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "squawk_http_requests_total",
	Help: "counter of handled HTTP requests by route and status code",
}, []string{"method", "path", "status"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "squawk_http_request_duration_seconds",
	Help:    "histogram of HTTP request latency by route",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path"})

var EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "squawk_events_appended_total",
	Help: "counter of events appended to streams by stream type and event type",
}, []string{"stream_type", "event_type"})

var LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "squawk_lock_acquisitions_total",
	Help: "counter of lock acquisition attempts by outcome (acquired, queued, conflict)",
}, []string{"outcome"})

var LocksExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "squawk_locks_expired_total",
	Help: "counter of locks reclaimed by the expiry sweeper",
})

var CheckpointsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "squawk_checkpoints_created_total",
	Help: "counter of checkpoints created by trigger",
}, []string{"trigger"})

var SpecialistsSpawned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "squawk_specialists_spawned_total",
	Help: "counter of specialist agents spawned by orchestrators",
})

var MissionsRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "squawk_missions_recovered_total",
	Help: "counter of successful checkpoint restores",
})
