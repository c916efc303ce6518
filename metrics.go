package mqttasync

import (
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return &noOpHistogram{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Add(_ float64)  {}
func (n *noOpGauge) Sub(_ float64)  {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)            {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                { return 0 }
func (n *noOpHistogram) Sum() float64                 { return 0 }

// Standard metric names for the client.
const (
	// MetricConnected is 1 while the client is connected, 0 otherwise.
	MetricConnected = "mqtt_client_connected"

	// MetricConnectsTotal is the total number of successful connects.
	MetricConnectsTotal = "mqtt_client_connects_total"

	// MetricConnectionLostTotal is the total number of unexpected disconnections.
	MetricConnectionLostTotal = "mqtt_client_connection_lost_total"

	// MetricReconnectAttempts is the total number of automatic reconnect attempts.
	MetricReconnectAttempts = "mqtt_client_reconnect_attempts_total"

	// MetricMessagesPublished is the total number of messages handed to the engine.
	MetricMessagesPublished = "mqtt_client_messages_published_total"

	// MetricMessagesReceived is the total number of messages delivered by the engine.
	MetricMessagesReceived = "mqtt_client_messages_received_total"

	// MetricMessagesDropped is the total number of inbound messages that could
	// not be delivered to a consumer.
	MetricMessagesDropped = "mqtt_client_messages_dropped_total"

	// MetricTokensFailed is the total number of failed operations.
	MetricTokensFailed = "mqtt_client_tokens_failed_total"

	// MetricTokenLatency is the time from request to completion.
	MetricTokenLatency = "mqtt_client_token_latency_seconds"

	// MetricInflight is the current number of outstanding requests.
	MetricInflight = "mqtt_client_inflight"
)

// Standard metric labels.
const (
	// LabelRequest is the request kind label.
	LabelRequest = "request"

	// LabelQoS is the QoS level label.
	LabelQoS = "qos"

	// LabelResultCode is the result code label.
	LabelResultCode = "result_code"
)

// clientMetrics provides convenience methods for the client's metrics.
type clientMetrics struct {
	metrics Metrics
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &clientMetrics{metrics: m}
}

func (c *clientMetrics) connected() {
	c.metrics.Gauge(MetricConnected, nil).Set(1)
	c.metrics.Counter(MetricConnectsTotal, nil).Inc()
}

func (c *clientMetrics) disconnected() {
	c.metrics.Gauge(MetricConnected, nil).Set(0)
}

func (c *clientMetrics) connectionLost() {
	c.metrics.Gauge(MetricConnected, nil).Set(0)
	c.metrics.Counter(MetricConnectionLostTotal, nil).Inc()
}

func (c *clientMetrics) reconnectAttempt() {
	c.metrics.Counter(MetricReconnectAttempts, nil).Inc()
}

func (c *clientMetrics) messagePublished(qos byte) {
	labels := MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
	c.metrics.Counter(MetricMessagesPublished, labels).Inc()
}

func (c *clientMetrics) messageReceived(qos byte) {
	labels := MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
	c.metrics.Counter(MetricMessagesReceived, labels).Inc()
}

func (c *clientMetrics) messageDropped() {
	c.metrics.Counter(MetricMessagesDropped, nil).Inc()
}

func (c *clientMetrics) requestStarted() {
	c.metrics.Gauge(MetricInflight, nil).Inc()
}

// requestFinished records the outcome of a request that was handed to the engine.
func (c *clientMetrics) requestFinished(kind RequestKind, code ResultCode, d time.Duration) {
	c.metrics.Gauge(MetricInflight, nil).Dec()
	c.metrics.Histogram(MetricTokenLatency, MetricLabels{LabelRequest: kind.String()}).ObserveDuration(d)
	if code != ResultSuccess {
		c.tokenFailed(kind, code)
	}
}

func (c *clientMetrics) tokenFailed(kind RequestKind, code ResultCode) {
	labels := MetricLabels{LabelRequest: kind.String(), LabelResultCode: strconv.Itoa(int(code))}
	c.metrics.Counter(MetricTokensFailed, labels).Inc()
}
