package config

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttasync"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"tcp://localhost:1883"}, cfg.Connection.Servers)
	assert.Equal(t, mqttasync.ProtocolV311, cfg.Connection.ProtocolVersion)
	assert.Equal(t, uint16(60), cfg.Connection.KeepAlive)
	assert.True(t, cfg.Connection.CleanStart)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, time.Second, cfg.Reconnect.MinInterval)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default config is valid", func(*Config) {}, false},
		{"no servers", func(c *Config) { c.Connection.Servers = nil }, true},
		{"server without scheme", func(c *Config) { c.Connection.Servers = []string{"localhost"} }, true},
		{"bad protocol version", func(c *Config) { c.Connection.ProtocolVersion = 3 }, true},
		{"v5 protocol", func(c *Config) { c.Connection.ProtocolVersion = mqttasync.ProtocolV5 }, false},
		{
			"session expiry needs v5",
			func(c *Config) { c.Connection.SessionExpiryInterval = 60 },
			true,
		},
		{
			"user properties on v5",
			func(c *Config) {
				c.Connection.ProtocolVersion = mqttasync.ProtocolV5
				c.Connection.UserProperties = map[string]string{"site": "a"}
			},
			false,
		},
		{"negative connect timeout", func(c *Config) { c.Connection.ConnectTimeout = -time.Second }, true},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "client.pem" }, true},
		{"zero min interval", func(c *Config) { c.Reconnect.MinInterval = 0 }, true},
		{
			"zero min interval with reconnect disabled",
			func(c *Config) {
				c.Reconnect.Enabled = false
				c.Reconnect.MinInterval = 0
			},
			false,
		},
		{"max below min", func(c *Config) { c.Reconnect.MaxInterval = time.Millisecond }, true},
		{"unknown resubscribe policy", func(c *Config) { c.Reconnect.Resubscribe = "sometimes" }, true},
		{"socks proxy", func(c *Config) { c.Proxy.URL = "socks5://proxy:1080" }, false},
		{"unsupported proxy scheme", func(c *Config) { c.Proxy.URL = "ftp://proxy" }, true},
		{"negative rate limit", func(c *Config) { c.Publish.RateLimit = -1 }, true},
		{
			"rate limit without burst",
			func(c *Config) {
				c.Publish.RateLimit = 10
				c.Publish.Burst = 0
			},
			true,
		},
		{"negative offline buffer", func(c *Config) { c.Publish.OfflineBuffer = -1 }, true},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty filename returns default", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file returns default", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mqttctl.yaml")
		data := `
connection:
  servers: ["ssl://broker.example.com:8883", "tcp://backup:1883"]
  client_id: sensor-1
  username: user
  password: secret
  protocol_version: 5
  connect_timeout: 5s
  session_expiry_interval: 300
reconnect:
  min_interval: 500ms
  max_interval: 30s
  resubscribe: always
proxy:
  url: http://proxy:3128
  username: proxy-user
publish:
  rate_limit: 20
  burst: 5
  offline_buffer: 100
log:
  level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"ssl://broker.example.com:8883", "tcp://backup:1883"}, cfg.Connection.Servers)
		assert.Equal(t, "sensor-1", cfg.Connection.ClientID)
		assert.Equal(t, mqttasync.ProtocolV5, cfg.Connection.ProtocolVersion)
		assert.Equal(t, 5*time.Second, cfg.Connection.ConnectTimeout)
		assert.Equal(t, uint16(60), cfg.Connection.KeepAlive, "unset keys keep defaults")
		assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.MinInterval)
		assert.Equal(t, "always", cfg.Reconnect.Resubscribe)
		assert.Equal(t, "http://proxy:3128", cfg.Proxy.URL)
		assert.Equal(t, "proxy-user", cfg.Proxy.Username)
		assert.Equal(t, 20.0, cfg.Publish.RateLimit)
		assert.Equal(t, 100, cfg.Publish.OfflineBuffer)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("connection: [\n"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("connection:\n  protocol_version: 6\n"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Connection.ClientID = "saved"
	cfg.Proxy.URL = "socks5://proxy:1080"
	cfg.Proxy.FromEnvironment = true

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want mqttasync.LogLevel
	}{
		{"debug", mqttasync.LogLevelDebug},
		{"", mqttasync.LogLevelInfo},
		{"INFO", mqttasync.LogLevelInfo},
		{"warning", mqttasync.LogLevelWarn},
		{"error", mqttasync.LogLevelError},
		{"off", mqttasync.LogLevelNone},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLogLevel("trace")
	assert.Error(t, err)
}

func TestParseResubscribePolicy(t *testing.T) {
	for _, p := range []mqttasync.ResubscribePolicy{
		mqttasync.ResubscribeWhenNoSession,
		mqttasync.ResubscribeAlways,
		mqttasync.ResubscribeNever,
	} {
		got, err := ParseResubscribePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParseResubscribePolicy("")
	require.NoError(t, err)
	assert.Equal(t, mqttasync.ResubscribeWhenNoSession, got)
}

func TestConnectOptions(t *testing.T) {
	cfg := Default()
	cfg.Connection.ClientID = "cli"
	cfg.Connection.Username = "user"
	cfg.Connection.Password = "pass"
	cfg.Connection.ProtocolVersion = mqttasync.ProtocolV5
	cfg.Connection.SessionExpiryInterval = 120
	cfg.Publish.OfflineBuffer = 10
	cfg.Proxy.URL = "socks5://proxy:1080"

	opts, err := cfg.ConnectOptions()
	require.NoError(t, err)

	assert.Equal(t, []string{"tcp://localhost:1883"}, opts.Servers)
	assert.Equal(t, "cli", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, []byte("pass"), opts.Password)
	assert.Equal(t, mqttasync.ProtocolV5, opts.ProtocolVersion)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, time.Second, opts.MinRetryInterval)
	assert.True(t, opts.SendWhileDisconnected)
	assert.Equal(t, 10, opts.MaxBufferedMessages)
	assert.Equal(t, uint32(120), opts.Properties.GetUint32(mqttasync.PropSessionExpiryInterval))
	require.NotNil(t, opts.Proxy)
	assert.Equal(t, "socks5://proxy:1080", opts.Proxy.URL)
	assert.Nil(t, opts.TLSConfig)

	t.Run("generated client id", func(t *testing.T) {
		opts, err := Default().ConnectOptions()
		require.NoError(t, err)
		assert.NotEmpty(t, opts.ClientID)
	})

	t.Run("proxy from environment", func(t *testing.T) {
		cfg := Default()
		cfg.Proxy.FromEnvironment = true

		opts, err := cfg.ConnectOptions()
		require.NoError(t, err)
		assert.Nil(t, opts.Proxy)
		assert.True(t, opts.ProxyFromEnvironment)
	})
}

func writeTestCertificate(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mqttctl"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestTLSBuild(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertificate(t, dir)

	t.Run("ca and client certificate", func(t *testing.T) {
		cfg := Default()
		cfg.TLS = TLSConfig{
			Enabled:    true,
			CAFile:     certFile,
			CertFile:   certFile,
			KeyFile:    keyFile,
			ServerName: "broker.local",
		}

		opts, err := cfg.ConnectOptions()
		require.NoError(t, err)
		require.NotNil(t, opts.TLSConfig)
		assert.NotNil(t, opts.TLSConfig.RootCAs)
		assert.Len(t, opts.TLSConfig.Certificates, 1)
		assert.Equal(t, "broker.local", opts.TLSConfig.ServerName)
	})

	t.Run("missing ca file", func(t *testing.T) {
		_, err := TLSConfig{CAFile: filepath.Join(dir, "none.pem")}.Build()
		assert.ErrorContains(t, err, "failed to read CA file")
	})

	t.Run("ca file without certificates", func(t *testing.T) {
		_, err := TLSConfig{CAFile: keyFile}.Build()
		assert.ErrorContains(t, err, "no certificates")
	})

	t.Run("bad key pair", func(t *testing.T) {
		_, err := TLSConfig{CertFile: certFile, KeyFile: certFile}.Build()
		assert.ErrorContains(t, err, "failed to load client certificate")
	})
}

func TestLoggerAndClientOptions(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Publish.RateLimit = 5
	cfg.Publish.Burst = 2

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	assert.Equal(t, mqttasync.LogLevelWarn, logger.Level())

	logger.Info("hidden", nil)
	logger.Warn("shown", nil)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Len(t, cfg.ClientOptions(logger), 3)
	assert.Len(t, Default().ClientOptions(nil), 1)
}
