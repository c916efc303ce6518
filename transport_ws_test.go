package mqttasync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsServer struct {
	*httptest.Server
	subprotocol chan string
	auth        chan string
}

// newWSServer starts a WebSocket endpoint that echoes binary frames. When
// text is set it answers every frame with a text frame instead.
func newWSServer(t *testing.T, text bool) *wsServer {
	t.Helper()

	s := &wsServer{
		subprotocol: make(chan string, 1),
		auth:        make(chan string, 1),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.subprotocol <- conn.Subprotocol()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			kind := websocket.BinaryMessage
			if text {
				kind = websocket.TextMessage
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *wsServer) uri() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/mqtt"
}

func TestWSDialer(t *testing.T) {
	srv := newWSServer(t, false)

	conn, err := NewWSDialer().Dial(context.Background(), srv.uri())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, WebSocketSubprotocol, <-srv.subprotocol)
	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())

	assertEcho(t, conn, "frame")
}

func TestWSConnPartialReads(t *testing.T) {
	srv := newWSServer(t, false)

	conn, err := NewWSDialer().Dial(context.Background(), srv.uri())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestWSConnRejectsTextFrames(t *testing.T) {
	srv := newWSServer(t, true)

	conn, err := NewWSDialer().Dial(context.Background(), srv.uri())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)

	_, err = io.ReadFull(conn, make([]byte, 1))
	assert.ErrorIs(t, err, ErrUnexpectedFrame)
}

func TestDialServerWebSocket(t *testing.T) {
	srv := newWSServer(t, false)

	opts := NewConnectOptions(WithCredentials("user", "pass"))
	conn, err := DialServer(context.Background(), srv.uri(), opts)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Basic dXNlcjpwYXNz", <-srv.auth)
	assertEcho(t, conn, "over websocket")
}

func TestWSDialerUseProxy(t *testing.T) {
	t.Run("http proxy", func(t *testing.T) {
		p, err := NewProxyDialer("http://proxy:3128", "u", "p")
		require.NoError(t, err)

		d := NewWSDialer()
		d.useProxy(p, false)
		require.NotNil(t, d.Dialer.Proxy)

		req, err := http.NewRequest(http.MethodGet, "http://broker/mqtt", nil)
		require.NoError(t, err)
		proxyURL, err := d.Dialer.Proxy(req)
		require.NoError(t, err)
		assert.Equal(t, "proxy:3128", proxyURL.Host)
		assert.Equal(t, "u", proxyURL.User.Username())
		assert.Nil(t, d.Dialer.NetDialContext)
	})

	t.Run("socks5 proxy", func(t *testing.T) {
		p, err := NewProxyDialer("socks5://proxy:1080", "", "")
		require.NoError(t, err)

		d := NewWSDialer()
		d.useProxy(p, false)
		assert.Nil(t, d.Dialer.Proxy)
		assert.NotNil(t, d.Dialer.NetDialContext)
	})

	t.Run("environment", func(t *testing.T) {
		d := NewWSDialer()
		d.useProxy(nil, true)
		assert.NotNil(t, d.Dialer.Proxy)
	})

	t.Run("direct", func(t *testing.T) {
		d := NewWSDialer()
		d.useProxy(nil, false)
		assert.Nil(t, d.Dialer.Proxy)
		assert.Nil(t, d.Dialer.NetDialContext)
	})
}
