package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttasync"
	"github.com/vitalvas/mqttasync/extensions/router"
)

// connectClient connects a client to broker whose messages go through the
// returned router.
func connectClient(t *testing.T, broker *mqttasync.MemoryBroker, id string) (*mqttasync.Client, *router.Router) {
	t.Helper()

	engine := mqttasync.NewMemoryEngine(broker)
	client := mqttasync.NewClient(engine)
	r := router.New()
	client.SetMessageCallback(r.MessageHandler(nil))

	_, err := client.Connect(mqttasync.NewConnectOptions(mqttasync.WithClientID(id))).WaitTimeout(time.Second)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		engine.Close()
	})
	return client, r
}

// newRequester returns a handler registered on a fresh client's router.
func newRequester(t *testing.T, broker *mqttasync.MemoryBroker, opts *HandlerOptions) *Handler {
	t.Helper()

	client, r := connectClient(t, broker, "requester")
	h, err := NewHandler(client, opts)
	require.NoError(t, err)
	h.Register(r)
	return h
}

// serve starts a dispatcher for methods on a fresh client.
func serve(t *testing.T, broker *mqttasync.MemoryBroker, methods map[string]Method) *Dispatcher {
	t.Helper()

	client, r := connectClient(t, broker, "responder")
	d, err := NewDispatcher(client, methods, nil)
	require.NoError(t, err)
	d.Register(r)

	_, err = d.Subscribe().WaitTimeout(time.Second)
	require.NoError(t, err)
	return d
}

func echo(_ context.Context, req *Request) (*Response, error) {
	return &Response{Payload: req.Payload, ContentType: req.ContentType, Headers: req.Headers}, nil
}

func TestNewHandler(t *testing.T) {
	t.Run("nil client returns error", func(t *testing.T) {
		h, err := NewHandler(nil, nil)
		assert.Nil(t, h)
		assert.Error(t, err)
	})

	t.Run("creates handler with default options", func(t *testing.T) {
		broker := mqttasync.NewMemoryBroker()
		client, _ := connectClient(t, broker, "test-client")

		h, err := NewHandler(client, nil)
		require.NoError(t, err)
		defer h.Close()

		assert.Equal(t, "rpc/response/test-client", h.ResponseTopic())

		subs := broker.SessionSubscriptions("test-client")
		require.Len(t, subs, 1)
		assert.Equal(t, "rpc/response/test-client", subs[0].TopicFilter)
	})

	t.Run("creates handler with custom response topic", func(t *testing.T) {
		broker := mqttasync.NewMemoryBroker()
		client, _ := connectClient(t, broker, "test-client")

		h, err := NewHandler(client, &HandlerOptions{
			ResponseTopic: "custom/response/topic",
			QoS:           1,
		})
		require.NoError(t, err)
		defer h.Close()

		assert.Equal(t, "custom/response/topic", h.ResponseTopic())
	})

	t.Run("rejects wildcard response topic", func(t *testing.T) {
		broker := mqttasync.NewMemoryBroker()
		client, _ := connectClient(t, broker, "test-client")

		_, err := NewHandler(client, &HandlerOptions{ResponseTopic: "replies/#"})
		assert.Error(t, err)
	})

	t.Run("subscribe failure", func(t *testing.T) {
		client := mqttasync.NewClient(mqttasync.NewMemoryEngine(mqttasync.NewMemoryBroker()))
		defer client.Close()

		_, err := NewHandler(client, &HandlerOptions{ResponseTopic: "replies/x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to subscribe")
	})
}

func TestRequestResponse(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	serve(t, broker, map[string]Method{
		"svc/echo": echo,
		"svc/+/upper": func(_ context.Context, req *Request) (*Response, error) {
			return &Response{Payload: bytes.ToUpper(req.Payload)}, nil
		},
	})
	h := newRequester(t, broker, nil)
	defer h.Close()

	t.Run("exact topic", func(t *testing.T) {
		resp, err := h.RequestWithTimeout("svc/echo", []byte("ping"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), resp.Payload)
		assert.NotEmpty(t, resp.CorrelationData)
	})

	t.Run("wildcard method", func(t *testing.T) {
		resp, err := h.Request(context.Background(), "svc/text/upper", []byte("shout"))
		require.NoError(t, err)
		assert.Equal(t, []byte("SHOUT"), resp.Payload)
	})

	t.Run("sequential requests", func(t *testing.T) {
		for i := range 5 {
			payload := fmt.Appendf(nil, "msg-%d", i)
			resp, err := h.RequestWithTimeout("svc/echo", payload, time.Second)
			require.NoError(t, err)
			assert.Equal(t, payload, resp.Payload)
		}
		assert.Zero(t, h.Pending())
	})

	t.Run("concurrent requests", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 10 {
			wg.Go(func() {
				payload := fmt.Appendf(nil, "concurrent-%d", i)
				resp, err := h.RequestWithTimeout("svc/echo", payload, 2*time.Second)
				if assert.NoError(t, err) {
					assert.Equal(t, payload, resp.Payload)
				}
			})
		}
		wg.Wait()
	})

	t.Run("nil request", func(t *testing.T) {
		resp, err := h.CallWithTimeout("svc/echo", nil, time.Second)
		require.NoError(t, err)
		assert.Empty(t, resp.Payload)
	})
}

func TestCallWithHeaders(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	serve(t, broker, map[string]Method{"svc/echo": echo})
	h := newRequester(t, broker, &HandlerOptions{QoS: 1})
	defer h.Close()

	resp, err := h.CallWithTimeout("svc/echo", &Request{
		Payload:     []byte(`{"id":1}`),
		ContentType: "application/json",
		Headers:     Headers{"trace-id": "abc", "tenant": "t1"},
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "application/json", resp.ContentType)
	assert.Equal(t, Headers{"trace-id": "abc", "tenant": "t1"}, resp.Headers)
}

func TestCallRemoteError(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	serve(t, broker, map[string]Method{
		"svc/fail": func(context.Context, *Request) (*Response, error) {
			return nil, errors.New("no such account")
		},
		"svc/panic": func(context.Context, *Request) (*Response, error) {
			panic("boom")
		},
	})
	h := newRequester(t, broker, nil)
	defer h.Close()

	_, err := h.RequestWithTimeout("svc/fail", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "svc/fail", remote.Topic)
	assert.Equal(t, "no such account", remote.Message)

	_, err = h.RequestWithTimeout("svc/panic", nil, time.Second)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "boom")
}

func TestCallWithTimeout(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, nil)
	defer h.Close()

	_, err := h.RequestWithTimeout("nobody/listens", []byte("hello"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, h.Pending())
}

func TestCallCancelled(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Request(ctx, "nobody/listens", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, &HandlerOptions{
		Breaker: &BreakerSettings{FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	defer h.Close()

	for range 2 {
		_, err := h.RequestWithTimeout("svc/down", nil, 20*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
	}

	start := time.Now()
	_, err := h.RequestWithTimeout("svc/down", nil, time.Second)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Other topics have their own breaker.
	_, err = h.RequestWithTimeout("svc/other", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, &HandlerOptions{
		Breaker: &BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Minute},
	})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Request(ctx, "svc/down", nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.RequestWithTimeout("svc/down", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallDisconnectedClient(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	client, r := connectClient(t, broker, "requester")
	h, err := NewHandler(client, nil)
	require.NoError(t, err)
	h.Register(r)

	require.NoError(t, client.Disconnect(0).WaitTimeout(time.Second))

	_, err = h.RequestWithTimeout("svc/echo", nil, time.Second)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.NoError(t, h.Close())
}

func TestHandlerClose(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, nil)

	require.NoError(t, h.Close())
	assert.Empty(t, broker.SessionSubscriptions("requester"))
	assert.NoError(t, h.Close())

	_, err := h.RequestWithTimeout("svc/echo", nil, time.Second)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestCloseWithPendingRequests(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.RequestWithTimeout("nobody/listens", nil, 10*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Close")
	}
}

func TestHandleResponseEdgeCases(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	h := newRequester(t, broker, nil)
	defer h.Close()

	t.Run("nil message", func(_ *testing.T) {
		h.HandleResponse(nil)
	})

	t.Run("no correlation data", func(_ *testing.T) {
		h.HandleResponse(mqttasync.NewMessage(h.ResponseTopic(), []byte("x"), 0))
	})

	t.Run("unknown correlation data", func(_ *testing.T) {
		msg := mqttasync.NewMessage(h.ResponseTopic(), []byte("x"), 0)
		msg.SetCorrelationData([]byte("unknown"))
		h.HandleResponse(msg)
	})

	t.Run("duplicate response", func(t *testing.T) {
		ch := make(chan *Response, 1)
		require.True(t, h.addPending("dup", ch))
		defer h.removePending("dup")

		msg := mqttasync.NewMessage(h.ResponseTopic(), []byte("first"), 0)
		msg.SetCorrelationData([]byte("dup"))
		h.HandleResponse(msg)

		msg = mqttasync.NewMessage(h.ResponseTopic(), []byte("second"), 0)
		msg.SetCorrelationData([]byte("dup"))
		h.HandleResponse(msg)

		resp := <-ch
		assert.Equal(t, []byte("first"), resp.Payload)
	})
}

func TestNewDispatcher(t *testing.T) {
	client := mqttasync.NewClient(mqttasync.NewMemoryEngine(mqttasync.NewMemoryBroker()))
	defer client.Close()

	tests := []struct {
		name    string
		client  Client
		methods map[string]Method
	}{
		{"nil client", nil, map[string]Method{"a": echo}},
		{"no methods", client, nil},
		{"invalid filter", client, map[string]Method{"a/#/b": echo}},
		{"nil method", client, map[string]Method{"a": nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(tt.client, tt.methods, nil)
			assert.Error(t, err)
		})
	}
}

func TestDispatcherMethodTableIsCopied(t *testing.T) {
	client := mqttasync.NewClient(mqttasync.NewMemoryEngine(mqttasync.NewMemoryBroker()))
	defer client.Close()

	methods := map[string]Method{"svc/b": echo, "svc/a": echo}
	d, err := NewDispatcher(client, methods, nil)
	require.NoError(t, err)

	methods["svc/c"] = echo
	delete(methods, "svc/a")

	assert.Equal(t, []string{"svc/a", "svc/b"}, d.Filters())
}

func TestDispatcherDropsRequestWithoutResponseTopic(t *testing.T) {
	client := mqttasync.NewClient(mqttasync.NewMemoryEngine(mqttasync.NewMemoryBroker()))
	defer client.Close()

	var buf bytes.Buffer
	var called bool
	d, err := NewDispatcher(client, map[string]Method{
		"svc/echo": func(ctx context.Context, req *Request) (*Response, error) {
			called = true
			return echo(ctx, req)
		},
	}, &DispatcherOptions{Logger: mqttasync.NewStdLogger(&buf, mqttasync.LogLevelWarn)})
	require.NoError(t, err)

	d.Handle(mqttasync.NewMessage("svc/echo", []byte("x"), 0))
	d.Handle(mqttasync.NewMessage("svc/unknown", []byte("x"), 0))
	d.Handle(nil)

	assert.False(t, called)
	assert.Equal(t, 1, strings.Count(buf.String(), "rpc request dropped"))
}

func TestDispatcherMethodTimeout(t *testing.T) {
	broker := mqttasync.NewMemoryBroker()
	client, r := connectClient(t, broker, "responder")
	d, err := NewDispatcher(client, map[string]Method{
		"svc/slow": func(ctx context.Context, _ *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, &DispatcherOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	d.Register(r)
	_, err = d.Subscribe().WaitTimeout(time.Second)
	require.NoError(t, err)

	h := newRequester(t, broker, nil)
	defer h.Close()

	_, err = h.RequestWithTimeout("svc/slow", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, context.DeadlineExceeded.Error(), remote.Message)
}
