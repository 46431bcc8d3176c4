package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's Prometheus metrics.
//
// Tracked series:
//   - message outcomes by service and terminal status
//   - per-service connection state gauge (1 = connected)
//   - reconnect attempts and storm halts
//   - HTTP request counts by path and status code
type Metrics struct {
	// MessagesTotal counts delivery attempts by service and terminal status.
	// Labels: service (whatsapp|telegram|mattermost), status (sent|failed)
	MessagesTotal *prometheus.CounterVec

	// ConnectionState is 1 while a provider session reports connected.
	// Labels: service
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttemptsTotal counts automatic reconnect schedules.
	// Labels: service
	ReconnectAttemptsTotal *prometheus.CounterVec

	// ReconnectionLoopsTotal counts storm-ceiling halts.
	// Labels: service
	ReconnectionLoopsTotal *prometheus.CounterVec

	// SendDuration measures the delivery attempt latency in seconds.
	// Labels: service
	SendDuration *prometheus.HistogramVec

	// HTTPRequestsTotal counts API requests.
	// Labels: method, path, status_code
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_messages_total",
				Help: "Delivery attempts by service and terminal status",
			},
			[]string{"service", "status"},
		),
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_connection_state",
				Help: "1 while the provider session reports connected",
			},
			[]string{"service"},
		),
		ReconnectAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_reconnect_attempts_total",
				Help: "Automatic reconnect attempts scheduled",
			},
			[]string{"service"},
		),
		ReconnectionLoopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_reconnection_loops_total",
				Help: "Reconnection storms halted at the attempt ceiling",
			},
			[]string{"service"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_send_duration_seconds",
				Help:    "Delivery attempt latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "API requests by method, path and status code",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
