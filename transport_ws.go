package mqttasync

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// ErrUnexpectedFrame is returned when a WebSocket peer sends a non-binary frame.
var ErrUnexpectedFrame = errors.New("unexpected websocket frame type")

// WSConn adapts a WebSocket connection to net.Conn. MQTT bytes travel in
// binary frames; a single Read may drain part of a frame.
type WSConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	buf    []byte

	writeMu sync.Mutex
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read reads data from the connection.
func (c *WSConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.buf) == 0 {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrUnexpectedFrame
		}
		c.buf = data
	}

	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write writes b as one binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is sent with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer that negotiates the MQTT subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
		Header: http.Header{},
	}
}

// Dial connects to a ws:// or wss:// URL.
func (d *WSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return NewWSConn(conn), nil
}

// useProxy routes the handshake through p, or through the environment's
// HTTP proxy when fromEnv is set and p is nil. HTTP proxies are handed to
// the WebSocket dialer directly; SOCKS5 goes through its net dialer hook.
func (d *WSDialer) useProxy(p *ProxyDialer, fromEnv bool) {
	switch {
	case p != nil && (p.URL().Scheme == "http" || p.URL().Scheme == "https"):
		proxyURL := *p.URL()
		if p.username != "" {
			proxyURL.User = url.UserPassword(p.username, p.password)
		}
		d.Dialer.Proxy = http.ProxyURL(&proxyURL)
	case p != nil:
		d.Dialer.NetDialContext = p.DialContext
	case fromEnv:
		d.Dialer.Proxy = http.ProxyFromEnvironment
	}
}
