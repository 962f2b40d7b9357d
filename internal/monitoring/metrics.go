package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of one broker instance.
//
// Each instance owns its own prometheus.Registry so several brokers can
// live in one process (tests start many).
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	Disconnects         *prometheus.CounterVec

	FramesReceived *prometheus.CounterVec
	FramesSent     prometheus.Counter
	ErrorFrames    *prometheus.CounterVec
	BytesReceived  prometheus.Counter
	BytesSent      prometheus.Counter

	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	Subscriptions     prometheus.Gauge

	LoginAttempts *prometheus.CounterVec

	WorkerQueueDepth    prometheus.Gauge
	WorkerQueueCapacity prometheus.Gauge
	WorkerPanics        prometheus.Counter

	BridgePublished prometheus.Counter
	BridgeReceived  prometheus.Counter

	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
}

// NewMetrics registers all broker collectors on a fresh registry, together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_connections_total",
			Help: "Total number of connections accepted",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_connections_active",
			Help: "Current number of open connections",
		}),
		ConnectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_connections_rejected_total",
			Help: "Connections refused at admission by reason",
		}, []string{"reason"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_disconnects_total",
			Help: "Connections closed by reason",
		}, []string{"reason"}),

		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_frames_received_total",
			Help: "Client frames processed by command",
		}, []string{"command"}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_frames_sent_total",
			Help: "Frames written to clients",
		}),
		ErrorFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_error_frames_total",
			Help: "ERROR frames sent by message",
		}, []string{"message"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_bytes_received_total",
			Help: "Bytes read from client sockets",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_bytes_sent_total",
			Help: "Bytes written to client sockets",
		}),

		MessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_messages_published_total",
			Help: "SEND frames accepted for fan-out",
		}),
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_messages_delivered_total",
			Help: "MESSAGE frames handed to subscriber connections",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_subscriptions_active",
			Help: "Current number of subscriptions",
		}),

		LoginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_login_attempts_total",
			Help: "CONNECT attempts by outcome",
		}, []string{"status"}),

		WorkerQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_worker_queue_depth",
			Help: "Tasks waiting in the reactor worker pool queue",
		}),
		WorkerQueueCapacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_worker_queue_capacity",
			Help: "Capacity of the reactor worker pool queue",
		}),
		WorkerPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_worker_panics_total",
			Help: "Panics recovered in worker goroutines",
		}),

		BridgePublished: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_bridge_published_total",
			Help: "Broadcasts relayed to peer nodes",
		}),
		BridgeReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "stomp_bridge_received_total",
			Help: "Broadcasts received from peer nodes",
		}),

		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_cpu_percent",
			Help: "Process CPU usage sampled by the resource guard",
		}),
		MemoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_memory_bytes",
			Help: "Process resident memory sampled by the resource guard",
		}),
	}
}

// Handler returns an HTTP handler exposing this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
