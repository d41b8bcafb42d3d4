package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veloquent_ws_connections",
		Help: "Current number of active notification connections",
	})
	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veloquent_notifications_sent_total",
		Help: "Total number of notifications pushed to connected clients",
	})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veloquent_notifications_dropped_total",
		Help: "Total number of notifications dropped (offline or send failure)",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veloquent_messages_total",
		Help: "Total number of chat messages stored",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, NotificationsSent, NotificationsDropped, MessagesTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
