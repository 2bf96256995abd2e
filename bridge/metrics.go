package bridge

import (
	"errors"
	"strings"
	"time"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector receives one call per bridged message
type MetricsCollector interface {
	IncrementMessageCount(direction Direction, address string)
	RecordProcessingTime(direction Direction, address string, duration time.Duration)
	IncrementErrorCount(direction Direction, address string, errorType string)
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) IncrementMessageCount(Direction, string)               {}
func (NoOpMetricsCollector) RecordProcessingTime(Direction, string, time.Duration) {}
func (NoOpMetricsCollector) IncrementErrorCount(Direction, string, string)         {}

// PrometheusMetrics exports bridge metrics to a prometheus registerer
type PrometheusMetrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the bridge metrics on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_bridge_messages_total",
			Help: "Total number of messages bridged, by direction and bus address.",
		}, []string{"direction", "address"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_bridge_processing_seconds",
			Help:    "Time from receiving a message until its exchange or reply completed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction", "address"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_bridge_errors_total",
			Help: "Total number of failed bridged messages, by direction, bus address and error type.",
		}, []string{"direction", "address", "type"}),
	}
}

// IncrementMessageCount implements MetricsCollector
func (m *PrometheusMetrics) IncrementMessageCount(direction Direction, address string) {
	m.messages.WithLabelValues(direction.String(), address).Inc()
}

// RecordProcessingTime implements MetricsCollector
func (m *PrometheusMetrics) RecordProcessingTime(direction Direction, address string, duration time.Duration) {
	m.duration.WithLabelValues(direction.String(), address).Observe(duration.Seconds())
}

// IncrementErrorCount implements MetricsCollector
func (m *PrometheusMetrics) IncrementErrorCount(direction Direction, address string, errorType string) {
	m.errors.WithLabelValues(direction.String(), address, errorType).Inc()
}

// errorType classifies err for the error counter
func errorType(err error) string {
	var replyErr *eventbus.ReplyError
	var convErr *router.ConversionError
	var codecErr *eventbus.CodecNotFoundError
	switch {
	case errors.As(err, &replyErr):
		return strings.ToLower(replyErr.Failure.String())
	case errors.As(err, &convErr):
		return "conversion"
	case errors.As(err, &codecErr):
		return "codec"
	default:
		return "delivery"
	}
}
