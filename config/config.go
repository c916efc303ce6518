// Package config loads the YAML configuration used by mqttctl and turns it
// into mqttasync client and connect options.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttasync"
)

// Config holds the client configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	TLS        TLSConfig        `yaml:"tls"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Publish    PublishConfig    `yaml:"publish"`
	Log        LogConfig        `yaml:"log"`
}

// ConnectionConfig holds the broker connection settings.
type ConnectionConfig struct {
	Servers  []string `yaml:"servers"`
	ClientID string   `yaml:"client_id"` // random UUID when empty
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// ProtocolVersion is 4 (MQTT 3.1.1) or 5.
	ProtocolVersion byte          `yaml:"protocol_version"`
	KeepAlive       uint16        `yaml:"keep_alive"`
	CleanStart      bool          `yaml:"clean_start"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	SessionExpiryInterval uint32            `yaml:"session_expiry_interval"`
	UserProperties        map[string]string `yaml:"user_properties,omitempty"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"` // client certificate for mutual TLS
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ReconnectConfig holds automatic reconnect settings.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`

	// Resubscribe is "when-no-session", "always" or "never".
	Resubscribe string `yaml:"resubscribe"`
}

// ProxyConfig holds proxy settings.
type ProxyConfig struct {
	mqttasync.ProxyConfig `yaml:",inline"`

	// FromEnvironment uses HTTP_PROXY, HTTPS_PROXY and NO_PROXY when URL
	// is empty.
	FromEnvironment bool `yaml:"from_environment"`
}

// PublishConfig holds publish side settings.
type PublishConfig struct {
	// RateLimit is the sustained publishes per second, zero for unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// OfflineBuffer is the number of publishes queued while disconnected.
	OfflineBuffer int `yaml:"offline_buffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error, none
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Servers:         []string{"tcp://localhost:1883"},
			ProtocolVersion: mqttasync.ProtocolV311,
			KeepAlive:       60,
			CleanStart:      true,
			ConnectTimeout:  10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MinInterval: time.Second,
			MaxInterval: time.Minute,
			Resubscribe: mqttasync.ResubscribeWhenNoSession.String(),
		},
		Publish: PublishConfig{
			Burst: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Connection.Servers) == 0 {
		return fmt.Errorf("connection.servers cannot be empty")
	}
	for _, s := range c.Connection.Servers {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("connection.servers: invalid server URI %q", s)
		}
	}
	switch c.Connection.ProtocolVersion {
	case mqttasync.ProtocolV311, mqttasync.ProtocolV5:
	default:
		return fmt.Errorf("connection.protocol_version must be 4 or 5")
	}
	if c.Connection.ProtocolVersion == mqttasync.ProtocolV311 {
		if c.Connection.SessionExpiryInterval > 0 || len(c.Connection.UserProperties) > 0 {
			return fmt.Errorf("connection.session_expiry_interval and user_properties require protocol_version 5")
		}
	}
	if c.Connection.ConnectTimeout < 0 {
		return fmt.Errorf("connection.connect_timeout cannot be negative")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.MinInterval <= 0 {
			return fmt.Errorf("reconnect.min_interval must be positive")
		}
		if c.Reconnect.MaxInterval < c.Reconnect.MinInterval {
			return fmt.Errorf("reconnect.max_interval cannot be less than min_interval")
		}
	}
	if _, err := ParseResubscribePolicy(c.Reconnect.Resubscribe); err != nil {
		return fmt.Errorf("reconnect.resubscribe: %w", err)
	}

	if c.Proxy.URL != "" {
		d, err := mqttasync.NewProxyDialer(c.Proxy.URL, c.Proxy.Username, c.Proxy.Password)
		if err != nil {
			return fmt.Errorf("proxy.url: %w", err)
		}
		switch d.URL().Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("proxy.url: unsupported scheme %q", d.URL().Scheme)
		}
	}

	if c.Publish.RateLimit < 0 {
		return fmt.Errorf("publish.rate_limit cannot be negative")
	}
	if c.Publish.RateLimit > 0 && c.Publish.Burst < 1 {
		return fmt.Errorf("publish.burst must be at least 1 when rate_limit is set")
	}
	if c.Publish.OfflineBuffer < 0 {
		return fmt.Errorf("publish.offline_buffer cannot be negative")
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ParseLogLevel parses a level name. Empty means info.
func ParseLogLevel(s string) (mqttasync.LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return mqttasync.LogLevelDebug, nil
	case "", "info":
		return mqttasync.LogLevelInfo, nil
	case "warn", "warning":
		return mqttasync.LogLevelWarn, nil
	case "error":
		return mqttasync.LogLevelError, nil
	case "none", "off":
		return mqttasync.LogLevelNone, nil
	default:
		return mqttasync.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ParseResubscribePolicy parses a resubscribe policy name. Empty means
// when-no-session.
func ParseResubscribePolicy(s string) (mqttasync.ResubscribePolicy, error) {
	for _, p := range []mqttasync.ResubscribePolicy{
		mqttasync.ResubscribeWhenNoSession,
		mqttasync.ResubscribeAlways,
		mqttasync.ResubscribeNever,
	} {
		if s == p.String() {
			return p, nil
		}
	}
	if s == "" {
		return mqttasync.ResubscribeWhenNoSession, nil
	}
	return mqttasync.ResubscribeWhenNoSession, fmt.Errorf("unknown policy %q", s)
}

// Logger returns a standard logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) mqttasync.Logger {
	level, _ := ParseLogLevel(c.Log.Level)
	return mqttasync.NewStdLogger(w, level)
}

// ClientOptions returns the client-level options.
func (c *Config) ClientOptions(logger mqttasync.Logger) []mqttasync.Option {
	policy, _ := ParseResubscribePolicy(c.Reconnect.Resubscribe)
	opts := []mqttasync.Option{
		mqttasync.WithResubscribePolicy(policy),
	}
	if logger != nil {
		opts = append(opts, mqttasync.WithLogger(logger))
	}
	if c.Publish.RateLimit > 0 {
		opts = append(opts, mqttasync.WithPublishRateLimit(rate.Limit(c.Publish.RateLimit), c.Publish.Burst))
	}
	return opts
}

// ConnectOptions builds the connect options, loading TLS material from disk.
func (c *Config) ConnectOptions() (*mqttasync.ConnectOptions, error) {
	conn := c.Connection
	opts := []mqttasync.ConnectOption{
		mqttasync.WithServers(conn.Servers...),
		mqttasync.WithProtocolVersion(conn.ProtocolVersion),
		mqttasync.WithKeepAlive(conn.KeepAlive),
		mqttasync.WithCleanStart(conn.CleanStart),
	}
	if conn.ClientID != "" {
		opts = append(opts, mqttasync.WithClientID(conn.ClientID))
	}
	if conn.Username != "" {
		opts = append(opts, mqttasync.WithCredentials(conn.Username, conn.Password))
	}
	if conn.ConnectTimeout > 0 {
		opts = append(opts, mqttasync.WithConnectTimeout(conn.ConnectTimeout))
	}
	if conn.SessionExpiryInterval > 0 {
		opts = append(opts, mqttasync.WithSessionExpiryInterval(conn.SessionExpiryInterval))
	}
	if len(conn.UserProperties) > 0 {
		opts = append(opts, mqttasync.WithUserProperties(conn.UserProperties))
	}
	if c.Reconnect.Enabled {
		opts = append(opts, mqttasync.WithAutoReconnect(c.Reconnect.MinInterval, c.Reconnect.MaxInterval))
	}
	if c.Publish.OfflineBuffer > 0 {
		opts = append(opts, mqttasync.WithOfflineBuffering(c.Publish.OfflineBuffer))
	}

	switch {
	case c.Proxy.URL != "":
		opts = append(opts, mqttasync.WithProxy(c.Proxy.ProxyConfig))
	case c.Proxy.FromEnvironment:
		opts = append(opts, mqttasync.WithProxyFromEnvironment())
	}

	if c.TLS.Enabled {
		tlsConfig, err := c.TLS.Build()
		if err != nil {
			return nil, err
		}
		opts = append(opts, mqttasync.WithTLS(tlsConfig))
	}

	return mqttasync.NewConnectOptions(opts...), nil
}

// Build creates a *tls.Config from the configured files.
func (t TLSConfig) Build() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		config.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
