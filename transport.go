package mqttasync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// ErrUnsupportedScheme is returned when a server URI names a transport
// that no dialer handles.
var ErrUnsupportedScheme = errors.New("unsupported server scheme")

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer connects to brokers over plain TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration. Nil means TLS 1.2 with system roots.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config:    tlsConfigOrDefault(d.Config),
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// UnixDialer connects to brokers over Unix domain sockets.
// The address is the socket file path.
type UnixDialer struct{}

// Dial connects to the socket at the given path.
func (UnixDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}

func tlsConfigOrDefault(config *tls.Config) *tls.Config {
	if config == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return config
}

// defaultPort returns the conventional broker port for a scheme.
func defaultPort(scheme string) string {
	switch scheme {
	case "tcp", "mqtt":
		return "1883"
	case "ssl", "tls", "mqtts", "quic":
		return "8883"
	case "ws":
		return "80"
	case "wss":
		return "443"
	default:
		return ""
	}
}

// hostPort returns the dial address of u, filling in the default port.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := defaultPort(u.Scheme)
	if port == "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// DialServer opens a network connection to a broker URI using the transport,
// TLS and proxy settings in opts. Supported schemes are tcp, mqtt, ssl, tls,
// mqtts, ws, wss, unix and quic.
func DialServer(ctx context.Context, server string, opts *ConnectOptions) (net.Conn, error) {
	if opts == nil {
		opts = NewConnectOptions()
	}

	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server %q: %w", server, err)
	}

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	proxyDialer, err := resolveProxy(opts, server)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	host := hostPort(u)

	var conn net.Conn
	switch u.Scheme {
	case "tcp", "mqtt":
		if proxyDialer != nil {
			conn, err = proxyDialer.DialContext(ctx, "tcp", host)
		} else {
			conn, err = (&TCPDialer{}).Dial(ctx, host)
		}
	case "ssl", "tls", "mqtts":
		if proxyDialer != nil {
			conn, err = dialTLSThroughProxy(ctx, proxyDialer, host, opts.TLSConfig)
		} else {
			conn, err = (&TLSDialer{Config: opts.TLSConfig}).Dial(ctx, host)
		}
	case "ws", "wss":
		d := NewWSDialer()
		if opts.TLSConfig != nil {
			d.Dialer.TLSClientConfig = opts.TLSConfig
		}
		d.useProxy(proxyDialer, opts.ProxyFromEnvironment)
		if opts.Username != "" {
			d.Header.Set("Authorization", basicAuth(opts.Username, string(opts.Password)))
		}
		conn, err = d.Dial(ctx, u.String())
	case "unix":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		conn, err = UnixDialer{}.Dial(ctx, path)
	case "quic":
		conn, err = NewQUICDialer(opts.TLSConfig).Dial(ctx, host)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", server, err)
	}
	return conn, nil
}

func dialTLSThroughProxy(ctx context.Context, d *ProxyDialer, host string, config *tls.Config) (net.Conn, error) {
	raw, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	config = tlsConfigOrDefault(config)
	if config.ServerName == "" {
		h, _, splitErr := net.SplitHostPort(host)
		if splitErr == nil {
			config = config.Clone()
			config.ServerName = h
		}
	}

	tlsConn := tls.Client(raw, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}
