package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketstream"

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions_active",
		Help: "Upstream sessions currently held by the registry",
	})
	SessionStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "session_starts_total",
		Help: "Upstream session start attempts by result",
	}, []string{"result"})
	Teardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "teardowns_total",
		Help: "Grace-period teardown timers by action (scheduled, cancelled, fired, swept)",
	}, []string{"action"})

	ListenerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "listener_events_total",
		Help: "Upstream events processed by listener loops",
	}, []string{"category"})
	ListenerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "listener_errors_total",
		Help: "Malformed or failed upstream events skipped by listener loops",
	}, []string{"category"})
	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "dropped_events_total",
		Help: "Upstream events dropped by a full demultiplexer buffer",
	}, []string{"category"})

	CacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_ops_total",
		Help: "Cache operations by op and result (hit, miss, stale, ok, error)",
	}, []string{"op", "result"})
	CacheLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "cache_op_seconds",
		Help:    "Cache operation latency including retries",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	Subscriptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "subscriptions_total",
		Help: "Subscription changes by action (added, evicted, expired, rolled_back)",
	}, []string{"action"})

	ClientConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "client_connections",
		Help: "Downstream client connections currently attached",
	})
	ClientsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "clients_evicted_total",
		Help: "Downstream clients disconnected for falling behind",
	})
	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "broadcasts_total",
		Help: "Events broadcast to downstream groups by type",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive, SessionStarts, Teardowns,
		ListenerEvents, ListenerErrors, DroppedEvents,
		CacheOps, CacheLatency,
		Subscriptions,
		ClientConnections, ClientsEvicted, Broadcasts,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
