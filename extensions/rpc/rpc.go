// Package rpc provides request/response on top of an mqttasync client.
// Requests carry a response topic and correlation data; the responder
// publishes its answer to that topic with the same correlation data.
// MQTT v5.0 spec: Section 4.10 (Request / Response)
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/vitalvas/mqttasync"
	"github.com/vitalvas/mqttasync/extensions/router"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the client is closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrNoResponseTopic is returned when a request carries no response topic.
	ErrNoResponseTopic = errors.New("rpc: no response topic")

	// ErrCircuitOpen is returned when requests to a topic are failing fast.
	ErrCircuitOpen = errors.New("rpc: circuit open")
)

// HeaderError is the header a Dispatcher sets when a method fails.
const HeaderError = "rpc-error"

// RemoteError is a method failure reported by the responder.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.Topic, e.Message)
}

// Headers represents RPC headers as key-value pairs.
// Headers are transmitted using MQTT v5.0 User Properties.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	// Payload is the request body.
	Payload []byte

	// Headers are transmitted as MQTT v5.0 User Properties.
	Headers Headers

	// ContentType is the MIME type of the payload (optional).
	ContentType string
}

// Response represents an RPC response with headers.
type Response struct {
	Payload         []byte
	Headers         Headers
	ContentType     string
	CorrelationData []byte
}

// Client is the part of mqttasync.Client used for RPC.
type Client interface {
	ClientID() string
	IsConnected() bool
	Subscribe(filter string, qos byte) *mqttasync.SubscribeToken
	SubscribeMany(filters []string, qos []byte) *mqttasync.SubscribeManyToken
	Unsubscribe(filter string) *mqttasync.Token
	Publish(msg *mqttasync.Message) *mqttasync.DeliveryToken
}

// BreakerSettings configures the per-topic circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the circuit. Defaults to 5.
	FailureThreshold uint32

	// ResetTimeout is how long the circuit stays open before a single
	// probe call is let through. Defaults to 30s.
	ResetTimeout time.Duration
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ResponseTopic is the topic where responses will be received.
	// If empty, defaults to "rpc/response/{clientID}".
	ResponseTopic string

	// QoS is the quality of service level for requests and subscriptions.
	QoS byte

	// SubscribeTimeout bounds the response topic subscription. Defaults to 10s.
	SubscribeTimeout time.Duration

	// Breaker configures fail-fast per request topic. Nil uses the defaults.
	Breaker *BreakerSettings

	Logger mqttasync.Logger
}

// Handler sends requests and matches responses by correlation data.
type Handler struct {
	client        Client
	responseTopic string
	qos           byte
	logger        mqttasync.Logger
	breaker       BreakerSettings

	mu       sync.Mutex
	pending  map[string]chan *Response
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool
}

// NewHandler creates a new RPC handler and subscribes to the response topic.
// Responses reach the handler through HandleResponse, typically by
// registering it on a router with Register.
func NewHandler(client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = fmt.Sprintf("rpc/response/%s", client.ClientID())
	}
	if err := mqttasync.ValidateTopicName(responseTopic); err != nil {
		return nil, fmt.Errorf("rpc: invalid response topic: %w", err)
	}

	timeout := opts.SubscribeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = mqttasync.NewNoOpLogger()
	}

	h := &Handler{
		client:        client,
		responseTopic: responseTopic,
		qos:           opts.QoS,
		logger:        logger.WithFields(mqttasync.LogFields{"component": "rpc"}),
		breaker:       breakerDefaults(opts.Breaker),
		pending:       make(map[string]chan *Response),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}

	if _, err := client.Subscribe(responseTopic, opts.QoS).WaitTimeout(timeout); err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to response topic: %w", err)
	}

	return h, nil
}

func breakerDefaults(s *BreakerSettings) BreakerSettings {
	out := BreakerSettings{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
	if s != nil {
		if s.FailureThreshold > 0 {
			out.FailureThreshold = s.FailureThreshold
		}
		if s.ResetTimeout > 0 {
			out.ResetTimeout = s.ResetTimeout
		}
	}
	return out
}

// ResponseTopic returns the configured response topic.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Register routes messages on the response topic to the handler.
func (h *Handler) Register(r *router.Router) {
	r.Handle(h.HandleResponse, router.WithTopic(h.responseTopic))
}

// breakerFor returns the circuit breaker for a request topic.
func (h *Handler) breakerFor(topic string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, ok := h.breakers[topic]
	if ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        topic,
		MaxRequests: 1,
		Timeout:     h.breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.breaker.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about the responder.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("rpc circuit breaker state changed", mqttasync.LogFields{
				mqttasync.LogFieldTopic: name,
				"from":                  from.String(),
				"to":                    to.String(),
			})
		},
	})
	h.breakers[topic] = cb
	return cb
}

// Call sends an RPC request with headers and waits for a response or for
// ctx to be done. Consecutive timeouts and remote errors for the same topic
// open its circuit, after which calls fail with ErrCircuitOpen until the
// reset timeout passes.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, ErrClientClosed
	}

	out, err := h.breakerFor(topic).Execute(func() (any, error) {
		return h.call(ctx, topic, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, topic)
	}
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (h *Handler) call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if req == nil {
		req = &Request{}
	}

	correlID := uuid.New().String()

	respChan := make(chan *Response, 1)
	if !h.addPending(correlID, respChan) {
		return nil, ErrClientClosed
	}
	defer h.removePending(correlID)

	msg := mqttasync.NewMessage(topic, req.Payload, h.qos)
	msg.SetResponseTopic(h.responseTopic)
	msg.SetCorrelationData([]byte(correlID))
	if req.ContentType != "" {
		msg.SetContentType(req.ContentType)
	}
	for k, v := range req.Headers {
		msg.AddUserProperty(k, v)
	}

	if err := h.client.Publish(msg).WaitContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrClientClosed
		}
		if msg, failed := resp.Headers[HeaderError]; failed {
			return resp, &RemoteError{Topic: topic, Message: msg}
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// CallWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends a simple request without headers and waits for a response.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// RequestWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) RequestWithTimeout(topic string, payload []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Request(ctx, topic, payload)
}

// Close fails outstanding calls with ErrClientClosed and unsubscribes from
// the response topic.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !h.client.IsConnected() {
		return nil
	}
	return h.client.Unsubscribe(h.responseTopic).Wait()
}

// Pending returns the number of calls waiting for a response.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Handler) addPending(id string, ch chan *Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.pending[id] = ch
	return true
}

func (h *Handler) removePending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// HandleResponse completes the call whose correlation data msg carries.
// Messages without a waiting call are ignored.
func (h *Handler) HandleResponse(msg *mqttasync.Message) {
	if msg == nil {
		return
	}
	correlData := msg.CorrelationData()
	if len(correlData) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.pending[string(correlData)]
	if !ok {
		h.logger.Debug("rpc response without waiting call", mqttasync.LogFields{
			mqttasync.LogFieldTopic: msg.Topic,
		})
		return
	}

	// Non-blocking: a duplicate response finds the buffer full.
	select {
	case ch <- responseFrom(msg):
	default:
	}
}

func responseFrom(msg *mqttasync.Message) *Response {
	resp := &Response{
		Payload:         msg.Payload,
		ContentType:     msg.ContentType(),
		CorrelationData: msg.CorrelationData(),
	}
	if props := msg.Properties.UserProperties(); len(props) > 0 {
		resp.Headers = make(Headers, len(props))
		for _, p := range props {
			resp.Headers[p.Key] = p.Value
		}
	}
	return resp
}
