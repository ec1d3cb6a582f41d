package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobsTotal counts jobs by terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of automation jobs by terminal status.",
		},
		[]string{"status"},
	)

	// DeviceExecutionsTotal counts per-device outcomes by region and status.
	DeviceExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_executions_total",
			Help: "Total number of device executions by region and terminal status.",
		},
		[]string{"region", "status"},
	)

	// OpenSessions tracks live device sessions. It never exceeds the
	// active batch size.
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "open_sessions",
			Help: "Number of currently open device sessions.",
		},
	)
)
