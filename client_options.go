package mqttasync

import (
	"crypto/tls"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MQTT protocol versions.
const (
	ProtocolV311 byte = 4
	ProtocolV5   byte = 5
)

const (
	defaultKeepAlive        = 60
	defaultConnectTimeout   = 10 * time.Second
	defaultMinRetryInterval = 1 * time.Second
	defaultMaxRetryInterval = 60 * time.Second
)

// ConnectOptions is the connect configuration handed to the engine. The
// client keeps a private copy of the last options passed to Connect and
// replays it on every reconnect.
type ConnectOptions struct {
	// Servers are broker URIs (scheme://host:port) tried in order.
	Servers []string

	ClientID   string
	Username   string
	Password   []byte
	CleanStart bool

	// KeepAlive is the keep-alive interval in seconds.
	KeepAlive uint16

	// ProtocolVersion is ProtocolV311 or ProtocolV5.
	ProtocolVersion byte

	ConnectTimeout time.Duration

	// Will is published by the broker if the connection drops uncleanly.
	Will *Message

	// AutoReconnect makes the client reconnect on connection loss, waiting
	// MinRetryInterval after the first failure and doubling the wait up to
	// MaxRetryInterval.
	AutoReconnect    bool
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	BackoffStrategy  BackoffStrategy

	// SendWhileDisconnected lets the engine buffer up to MaxBufferedMessages
	// publishes while offline instead of rejecting them.
	SendWhileDisconnected bool
	MaxBufferedMessages   int

	TLSConfig *tls.Config

	// Proxy routes the connection through an HTTP CONNECT or SOCKS5 proxy.
	Proxy *ProxyConfig

	// ProxyFromEnvironment picks the proxy from HTTP_PROXY, HTTPS_PROXY and
	// NO_PROXY when Proxy is nil.
	ProxyFromEnvironment bool

	// Properties are the v5 CONNECT properties.
	Properties *Properties
}

// ConnectOption configures ConnectOptions.
type ConnectOption func(*ConnectOptions)

// NewConnectOptions returns options with defaults applied, then opts.
// The client identifier defaults to a random UUID.
func NewConnectOptions(opts ...ConnectOption) *ConnectOptions {
	o := &ConnectOptions{
		ClientID:         uuid.New().String(),
		CleanStart:       true,
		KeepAlive:        defaultKeepAlive,
		ProtocolVersion:  ProtocolV5,
		ConnectTimeout:   defaultConnectTimeout,
		MinRetryInterval: defaultMinRetryInterval,
		MaxRetryInterval: defaultMaxRetryInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Clone returns a deep copy of the options.
func (o *ConnectOptions) Clone() *ConnectOptions {
	if o == nil {
		return nil
	}

	c := *o
	c.Servers = slices.Clone(o.Servers)
	c.Password = slices.Clone(o.Password)
	c.Will = o.Will.Clone()
	c.Properties = o.Properties.Clone()
	if o.TLSConfig != nil {
		c.TLSConfig = o.TLSConfig.Clone()
	}
	if o.Proxy != nil {
		p := *o.Proxy
		c.Proxy = &p
	}
	return &c
}

// WithServers sets the broker URIs, e.g. "tcp://broker:1883", replacing
// any set earlier. They are tried in order.
func WithServers(servers ...string) ConnectOption {
	return func(o *ConnectOptions) {
		o.Servers = slices.Clone(servers)
	}
}

// WithClientID sets the client identifier.
func WithClientID(id string) ConnectOption {
	return func(o *ConnectOptions) {
		o.ClientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) ConnectOption {
	return func(o *ConnectOptions) {
		o.Username = username
		o.Password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds.
func WithKeepAlive(seconds uint16) ConnectOption {
	return func(o *ConnectOptions) {
		o.KeepAlive = seconds
	}
}

// WithCleanStart sets whether to start with a clean session.
func WithCleanStart(clean bool) ConnectOption {
	return func(o *ConnectOptions) {
		o.CleanStart = clean
	}
}

// WithProtocolVersion selects MQTT 3.1.1 (4) or 5.
func WithProtocolVersion(version byte) ConnectOption {
	return func(o *ConnectOptions) {
		o.ProtocolVersion = version
	}
}

// WithTLS sets the TLS configuration for secure connections.
func WithTLS(config *tls.Config) ConnectOption {
	return func(o *ConnectOptions) {
		o.TLSConfig = config
	}
}

// WithConnectTimeout sets the timeout for establishing a connection.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(o *ConnectOptions) {
		o.ConnectTimeout = d
	}
}

// WithWill sets the Will message that will be published if the client disconnects unexpectedly.
func WithWill(will *Message) ConnectOption {
	return func(o *ConnectOptions) {
		o.Will = will.Clone()
	}
}

// WithAutoReconnect enables automatic reconnection with a retry interval
// between minInterval and maxInterval.
func WithAutoReconnect(minInterval, maxInterval time.Duration) ConnectOption {
	return func(o *ConnectOptions) {
		o.AutoReconnect = true
		o.MinRetryInterval = minInterval
		o.MaxRetryInterval = maxInterval
	}
}

// WithBackoffStrategy sets a custom backoff strategy for reconnection attempts.
// If not set, uses exponential backoff (doubling) up to the maximum interval.
func WithBackoffStrategy(strategy BackoffStrategy) ConnectOption {
	return func(o *ConnectOptions) {
		o.BackoffStrategy = strategy
	}
}

// WithOfflineBuffering lets the engine queue up to maxMessages publishes
// while disconnected.
func WithOfflineBuffering(maxMessages int) ConnectOption {
	return func(o *ConnectOptions) {
		o.SendWhileDisconnected = maxMessages > 0
		o.MaxBufferedMessages = maxMessages
	}
}

// WithSessionExpiryInterval sets the session expiry interval in seconds.
func WithSessionExpiryInterval(seconds uint32) ConnectOption {
	return func(o *ConnectOptions) {
		_ = o.connectProps().Set(PropSessionExpiryInterval, seconds)
	}
}

// WithUserProperties adds user properties to the CONNECT packet, in key order.
func WithUserProperties(props map[string]string) ConnectOption {
	return func(o *ConnectOptions) {
		p := o.connectProps()
		for _, k := range slices.Sorted(maps.Keys(props)) {
			_ = p.Push(PropUserProperty, StringPair{Key: k, Value: props[k]})
		}
	}
}

// WithConnectProperties appends arbitrary CONNECT properties.
func WithConnectProperties(props ...Property) ConnectOption {
	return func(o *ConnectOptions) {
		p := o.connectProps()
		for _, prop := range props {
			p.PushProperty(prop)
		}
	}
}

// WithProxy sets an explicit proxy for the connection.
func WithProxy(config ProxyConfig) ConnectOption {
	return func(o *ConnectOptions) {
		o.Proxy = &config
	}
}

// WithProxyFromEnvironment enables proxy selection from environment variables.
func WithProxyFromEnvironment() ConnectOption {
	return func(o *ConnectOptions) {
		o.ProxyFromEnvironment = true
	}
}

func (o *ConnectOptions) connectProps() *Properties {
	if o.Properties == nil {
		o.Properties = &Properties{}
	}
	return o.Properties
}

// ResubscribePolicy decides which subscriptions the client replays after an
// automatic reconnect.
type ResubscribePolicy int

const (
	// ResubscribeWhenNoSession replays subscriptions only when the broker
	// reports no session present. A resumed session is trusted as is.
	ResubscribeWhenNoSession ResubscribePolicy = iota

	// ResubscribeAlways replays every recorded subscription after each
	// reconnect, even into a resumed session.
	ResubscribeAlways

	// ResubscribeNever leaves resubscribing to the application.
	ResubscribeNever
)

func (p ResubscribePolicy) String() string {
	switch p {
	case ResubscribeWhenNoSession:
		return "when-no-session"
	case ResubscribeAlways:
		return "always"
	case ResubscribeNever:
		return "never"
	default:
		return "unknown"
	}
}

// clientOptions holds the client-level configuration.
type clientOptions struct {
	logger               Logger
	metrics              Metrics
	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor
	resubscribe          ResubscribePolicy
	publishLimiter       *rate.Limiter
	userData             any
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		logger:  NewNoOpLogger(),
		metrics: &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Nil keeps the no-op sink.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithProducerInterceptors sets the producer interceptors for outgoing messages.
// Interceptors are called in order before a message is published.
// Each interceptor can modify the message before passing it to the next.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors sets the consumer interceptors for incoming messages.
// Interceptors are called in order before a message is delivered.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithResubscribePolicy sets what happens to recorded subscriptions after
// an automatic reconnect.
func WithResubscribePolicy(policy ResubscribePolicy) Option {
	return func(o *clientOptions) {
		o.resubscribe = policy
	}
}

// WithPublishRateLimit limits publishes to limit per second with the given
// burst. TryPublish fails with ErrRateLimited when the budget is exhausted.
func WithPublishRateLimit(limit rate.Limit, burst int) Option {
	return func(o *clientOptions) {
		o.publishLimiter = rate.NewLimiter(limit, burst)
	}
}

// WithUserData attaches application data reachable through Client.UserData.
func WithUserData(data any) Option {
	return func(o *clientOptions) {
		o.userData = data
	}
}

func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
