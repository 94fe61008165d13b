// Package metrics метрики шлюза в формате Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stream_gateway"

// Metrics набор метрик. Каждый экземпляр регистрируется в своем реестре.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	Connections     *prometheus.CounterVec
	FramesReceived  prometheus.Counter
	FramesRejected  *prometheus.CounterVec
	FramesForwarded prometheus.Counter
	FramesProcessed prometheus.Counter
	FrameBytes      prometheus.Counter
	StreamEvents    *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	Resolutions     *prometheus.CounterVec
	ProxyRequests   *prometheus.CounterVec

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New создает метрики
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.ActiveSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "active_sessions",
		Help:      "Number of active WebSocket sessions",
	})
	m.Connections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections_total",
		Help:      "WebSocket connection attempts by result",
	}, []string{"result"})
	m.FramesReceived = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "received_total",
		Help:      "Video frames received from clients",
	})
	m.FramesRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "rejected_total",
		Help:      "Video frames rejected by reason",
	}, []string{"reason"})
	m.FramesForwarded = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "forwarded_total",
		Help:      "Video frames forwarded to the processing service",
	})
	m.FramesProcessed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "processed_total",
		Help:      "Processed frames delivered to clients",
	})
	m.FrameBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "received_bytes_total",
		Help:      "Decoded bytes of received frames",
	})
	m.StreamEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "stream_events_total",
		Help:      "Stream bridge lifecycle events",
	}, []string{"event"})
	m.BreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"service"})
	m.Resolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "resolutions_total",
		Help:      "Service target resolutions by source",
	}, []string{"service", "source"})
	m.ProxyRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Reverse proxy requests by service and result",
	}, []string{"service", "result"})

	m.requestCounter = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	m.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method", "path"})

	return m
}

// SetBreakerState переводит состояние выключателя в значение метрики
func (m *Metrics) SetBreakerState(service, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(service).Set(v)
}

// Registry реестр метрик
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler HTTP обработчик /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware собирает метрики HTTP запросов. Путь берется из шаблона маршрута.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.requestCounter.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
