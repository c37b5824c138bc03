package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	fanoutSubscriptions prometheus.Gauge
	fanoutDroppedTotal  prometheus.Counter
	chatMessagesTotal   *prometheus.CounterVec
	votesCastTotal      *prometheus.CounterVec
	votesClosedTotal    *prometheus.CounterVec
	chatFlushedTotal    prometheus.Counter
	realtimeConnections prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestLatency  *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors for the realtime layer.
func RegisterMetrics() {
	registerOnce.Do(func() {
		fanoutSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_subscriptions",
			Help: "Number of live (key, subscriber) registrations in the fanout router.",
		})

		fanoutDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_dropped_total",
			Help: "Deliveries dropped because a subscriber queue was full.",
		})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages accepted into the channel ring.",
		}, []string{"actor"})

		votesCastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votes_cast_total",
			Help: "Vote casts that produced a net state change.",
		}, []string{"actor"})

		votesClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votes_closed_total",
			Help: "Votes folded back into the durable store.",
		}, []string{"reason"})

		chatFlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_flushed_total",
			Help: "Buffered chat messages persisted by the flush worker.",
		})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime websocket connections.",
		})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests handled, by method, route and status.",
		}, []string{"method", "route", "status"})

		httpRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		prometheus.MustRegister(fanoutSubscriptions, fanoutDroppedTotal,
			chatMessagesTotal, votesCastTotal, votesClosedTotal,
			chatFlushedTotal, realtimeConnections,
			httpRequestsTotal, httpRequestLatency)
	})
}

// FanoutSubscriptions exposes the live subscription gauge.
func FanoutSubscriptions() prometheus.Gauge {
	RegisterMetrics()
	return fanoutSubscriptions
}

// FanoutDropped exposes the dropped-delivery counter.
func FanoutDropped() prometheus.Counter {
	RegisterMetrics()
	return fanoutDroppedTotal
}

// ChatMessages exposes the accepted chat message counter.
func ChatMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// VotesCast exposes the vote cast counter.
func VotesCast() *prometheus.CounterVec {
	RegisterMetrics()
	return votesCastTotal
}

// VotesClosed exposes the vote close counter.
func VotesClosed() *prometheus.CounterVec {
	RegisterMetrics()
	return votesClosedTotal
}

// ChatFlushed exposes the persisted chat message counter.
func ChatFlushed() prometheus.Counter {
	RegisterMetrics()
	return chatFlushedTotal
}

// RealtimeConnections exposes the open connection gauge.
func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

// HTTPRequests exposes the HTTP request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the HTTP latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpRequestLatency
}
