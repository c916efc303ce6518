package mqttasync

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectedHandler is called when a connection is established. cause is
// "connect", "automatic reconnect" or a reason reported by the engine.
type ConnectedHandler func(c *Client, cause string)

// ConnectionLostHandler is called when the connection drops unexpectedly.
// err is a *ConnectionLostError.
type ConnectionLostHandler func(c *Client, err error)

// DisconnectedHandler is called when the broker sends a DISCONNECT.
type DisconnectedHandler func(c *Client, props *Properties, reason ReasonCode)

// MessageHandler receives arrived messages. A nil message means the
// connection was lost; no more messages arrive until it is re-established.
type MessageHandler func(c *Client, msg *Message)

// Client is an asynchronous MQTT client.
//
// Every request method returns at once with a token that completes when the
// engine reports the outcome. Requests the engine refuses synchronously
// return a token that is already complete with the error.
//
// Arrived messages are delivered in exactly one way at a time: a message
// callback, a queue from StartConsuming or a stream from GetStream.
type Client struct {
	engine  Engine
	options *clientOptions
	logger  Logger
	metrics *clientMetrics
	chain   *interceptorChain

	handles *handleTable
	self    Handle

	state stateMachine

	// Last connect options and the reconnect schedule derived from them.
	connMu      sync.Mutex
	connectOpts *ConnectOptions
	backoff     *Backoff

	// Callback table and the active consumer.
	cbMu             sync.Mutex
	onConnected      ConnectedHandler
	onConnectionLost ConnectionLostHandler
	onDisconnected   DisconnectedHandler
	onMessage        MessageHandler
	queue            *MessageQueue

	// Subscriptions granted by the broker, replayed after reconnects.
	subsMu sync.Mutex
	subs   map[string]Subscription

	// Connect request in flight, so either engine callback reporting the
	// connection can name its cause.
	pendingConnect atomic.Pointer[request]

	reconnectMu   sync.Mutex
	reconnectStop chan struct{}
	reconnecting  atomic.Bool

	userMu   sync.RWMutex
	userData any

	closed atomic.Bool
}

// request is the value behind a request handle.
type request struct {
	kind    RequestKind
	token   *Token
	started time.Time
	auto    bool
	subs    []Subscription
	filters []string
}

// NewClient creates a client driving engine. The engine is bound to the
// client immediately; it must not be shared with another client.
func NewClient(engine Engine, opts ...Option) *Client {
	options := applyOptions(opts...)

	c := &Client{
		engine:   engine,
		options:  options,
		logger:   options.logger,
		metrics:  newClientMetrics(options.metrics),
		handles:  newHandleTable(),
		subs:     make(map[string]Subscription),
		userData: options.userData,
	}
	c.chain = &interceptorChain{
		producers: options.producerInterceptors,
		consumers: options.consumerInterceptors,
		logger:    c.logger,
	}

	c.self = c.handles.leak(c)
	engine.Bind(&callbacks{client: c}, c.self)

	return c
}

// Connect starts connecting with opts and returns at once. A copy of opts
// is kept for Reconnect and automatic reconnects. Nil opts selects the
// defaults of NewConnectOptions.
func (c *Client) Connect(opts *ConnectOptions) *ConnectToken {
	if opts == nil {
		opts = NewConnectOptions()
	}
	stored := opts.Clone()

	c.connMu.Lock()
	c.connectOpts = stored
	c.backoff = NewBackoff(stored.MinRetryInterval, stored.MaxRetryInterval, stored.BackoffStrategy)
	c.connMu.Unlock()

	c.stopReconnect()

	c.logger.Info("connecting", LogFields{
		LogFieldClientID: stored.ClientID,
		LogFieldServer:   stored.Servers,
	})

	return c.connect(stored.Clone(), false)
}

// Reconnect connects again with the options of the last Connect call.
func (c *Client) Reconnect() *ConnectToken {
	opts, _ := c.storedOptions()
	if opts == nil {
		return &ConnectToken{newFailedToken(RequestConnect, c.logger, ErrNoConnectOptions)}
	}

	c.stopReconnect()
	return c.connect(opts, false)
}

func (c *Client) connect(opts *ConnectOptions, auto bool) *ConnectToken {
	tok := &ConnectToken{newToken(RequestConnect, c.logger)}

	if auto {
		if !c.state.transition(StateReconnecting, StateConnecting) {
			tok.fail(NewEngineRejectedError(ResultCommandIgnored))
			return tok
		}
	} else {
		c.state.set(StateConnecting)
	}

	req := &request{kind: RequestConnect, token: tok.Token, auto: auto}
	c.pendingConnect.Store(req)
	if err := c.submit(req, func(h Handle) error { return c.engine.Connect(opts, h) }); err != nil {
		c.connectFailed(req)
		tok.fail(err)
	}
	return tok
}

// Disconnect closes the connection, letting the engine spend up to linger
// finishing in-flight work. It stops automatic reconnects and pushes the
// end-of-messages marker into an active queue or stream.
func (c *Client) Disconnect(linger time.Duration) *Token {
	return c.DisconnectWithOptions(&DisconnectRequest{Linger: linger})
}

// DisconnectWithOptions is like Disconnect but sends a v5 reason code and
// properties.
func (c *Client) DisconnectWithOptions(req *DisconnectRequest) *Token {
	if req == nil {
		req = &DisconnectRequest{}
	}

	prev := c.state.set(StateDisconnected)
	c.stopReconnect()
	c.clearSubscriptions()

	if prev != StateDisconnected {
		c.pushMarker()
		c.metrics.disconnected()
		c.logger.Info("disconnecting", LogFields{LogFieldState: prev.String()})
	}

	if !c.engine.IsConnected() {
		return newCompletedToken(RequestDisconnect, c.logger)
	}

	tok := newToken(RequestDisconnect, c.logger)
	r := &request{kind: RequestDisconnect, token: tok}
	if err := c.submit(r, func(h Handle) error { return c.engine.Disconnect(req, h) }); err != nil {
		tok.fail(err)
	}
	return tok
}

// TryPublish hands msg to the engine. If that is not possible right now,
// because the engine is offline without buffering, its buffer is full, the
// rate limit is exhausted or an interceptor dropped the message, it returns
// a *PublishError holding msg so the caller can retry.
func (c *Client) TryPublish(msg *Message) (*DeliveryToken, error) {
	if msg == nil {
		return nil, &PublishError{Err: ErrNilMessage}
	}

	if l := c.options.publishLimiter; l != nil && !l.Allow() {
		return nil, &PublishError{Err: ErrRateLimited, Message: msg}
	}

	out := c.chain.onSend(msg)
	if out == nil {
		return nil, &PublishError{Err: ErrMessageDropped, Message: msg}
	}

	tok := &DeliveryToken{Token: newToken(RequestPublish, c.logger), msg: out}
	req := &request{kind: RequestPublish, token: tok.Token}
	if err := c.submit(req, func(h Handle) error { return c.engine.Publish(out, h) }); err != nil {
		return nil, &PublishError{Err: err, Message: msg}
	}

	c.metrics.messagePublished(out.QoS)
	c.logger.Debug("publish", LogFields{LogFieldTopic: out.Topic, LogFieldQoS: out.QoS})
	return tok, nil
}

// Publish is TryPublish with a synchronous failure turned into a token that
// is already complete with the error.
func (c *Client) Publish(msg *Message) *DeliveryToken {
	tok, err := c.TryPublish(msg)
	if err != nil {
		return &DeliveryToken{Token: newFailedToken(RequestPublish, c.logger, err), msg: msg}
	}
	return tok
}

// Subscribe subscribes to one topic filter.
func (c *Client) Subscribe(filter string, qos byte) *SubscribeToken {
	return c.SubscribeWithOptions(filter, qos, SubscribeOptions{}, nil)
}

// SubscribeWithOptions subscribes with v5 subscription options and
// SUBSCRIBE properties. Engines speaking MQTT 3.1.1 reject v5-only options.
func (c *Client) SubscribeWithOptions(filter string, qos byte, opts SubscribeOptions, props *Properties) *SubscribeToken {
	tok := &SubscribeToken{newToken(RequestSubscribe, c.logger)}
	subs := []Subscription{{TopicFilter: filter, QoS: qos, Options: opts}}
	c.subscribe(tok.Token, RequestSubscribe, subs, props)
	return tok
}

// SubscribeMany subscribes to several filters in one request. filters[i]
// is requested with qos[i]; when the slices differ in length the shorter
// one bounds the request.
func (c *Client) SubscribeMany(filters []string, qos []byte) *SubscribeManyToken {
	n := min(len(filters), len(qos))
	subs := make([]Subscription, n)
	for i := range n {
		subs[i] = Subscription{TopicFilter: filters[i], QoS: qos[i]}
	}
	return c.SubscribeManyWithOptions(subs, nil)
}

// SubscribeManyWithOptions subscribes to several filters, each with its
// own options, sharing one set of SUBSCRIBE properties.
func (c *Client) SubscribeManyWithOptions(subs []Subscription, props *Properties) *SubscribeManyToken {
	tok := &SubscribeManyToken{newToken(RequestSubscribeMany, c.logger)}
	c.subscribe(tok.Token, RequestSubscribeMany, slices.Clone(subs), props)
	return tok
}

func (c *Client) subscribe(tok *Token, kind RequestKind, subs []Subscription, props *Properties) {
	if len(subs) == 0 {
		tok.fail(NewEngineRejectedError(ResultNullParameter))
		return
	}

	sr := &SubscribeRequest{Kind: kind, Subscriptions: subs, Properties: props.Clone()}
	req := &request{kind: kind, token: tok, subs: subs}
	if err := c.submit(req, func(h Handle) error { return c.engine.Subscribe(sr, h) }); err != nil {
		tok.fail(err)
	}
}

// Unsubscribe removes one subscription.
func (c *Client) Unsubscribe(filter string) *Token {
	return c.unsubscribe(RequestUnsubscribe, []string{filter}, nil)
}

// UnsubscribeMany removes several subscriptions in one request.
func (c *Client) UnsubscribeMany(filters []string) *Token {
	return c.unsubscribe(RequestUnsubscribeMany, filters, nil)
}

// UnsubscribeWithProperties removes subscriptions, sending v5 UNSUBSCRIBE
// properties.
func (c *Client) UnsubscribeWithProperties(filters []string, props *Properties) *Token {
	return c.unsubscribe(RequestUnsubscribeMany, filters, props)
}

func (c *Client) unsubscribe(kind RequestKind, filters []string, props *Properties) *Token {
	tok := newToken(kind, c.logger)
	if len(filters) == 0 {
		tok.fail(NewEngineRejectedError(ResultNullParameter))
		return tok
	}

	filters = slices.Clone(filters)
	ur := &UnsubscribeRequest{TopicFilters: filters, Properties: props.Clone()}
	req := &request{kind: kind, token: tok, filters: filters}
	if err := c.submit(req, func(h Handle) error { return c.engine.Unsubscribe(ur, h) }); err != nil {
		tok.fail(err)
	}
	return tok
}

// submit registers req under a fresh handle and calls the engine. On a
// synchronous rejection the handle is released at once and the normalised
// error returned.
func (c *Client) submit(req *request, call func(Handle) error) error {
	req.started = time.Now()
	h := c.handles.leak(req)
	c.metrics.requestStarted()

	err := call(h)
	if err == nil {
		return nil
	}

	c.handles.reclaim(h)
	err = asRejection(err)
	c.metrics.requestFinished(req.kind, resultCodeOf(err), time.Since(req.started))
	c.logger.Warn("request rejected by engine", LogFields{
		LogFieldRequest: req.kind.String(),
		LogFieldError:   err.Error(),
	})
	return err
}

// SetConnectedCallback sets the connected handler. Nil removes it.
func (c *Client) SetConnectedCallback(fn ConnectedHandler) {
	c.cbMu.Lock()
	c.onConnected = fn
	c.cbMu.Unlock()
}

// SetConnectionLostCallback sets the connection lost handler. Nil removes it.
func (c *Client) SetConnectionLostCallback(fn ConnectionLostHandler) {
	c.cbMu.Lock()
	c.onConnectionLost = fn
	c.cbMu.Unlock()
}

// SetDisconnectedCallback sets the handler for server disconnects. Nil
// removes it.
func (c *Client) SetDisconnectedCallback(fn DisconnectedHandler) {
	c.cbMu.Lock()
	c.onDisconnected = fn
	c.cbMu.Unlock()
}

// SetMessageCallback delivers arrived messages to fn, replacing and closing
// any active queue or stream. Nil removes the handler.
func (c *Client) SetMessageCallback(fn MessageHandler) {
	c.cbMu.Lock()
	old := c.queue
	c.queue = nil
	c.onMessage = fn
	c.cbMu.Unlock()

	if old != nil {
		old.close()
	}
}

// StartConsuming delivers arrived messages to a new queue holding up to
// capacity messages, zero meaning unbounded. It replaces the message
// callback or any previous queue or stream, which is closed.
func (c *Client) StartConsuming(capacity int) *MessageQueue {
	q := newMessageQueue(capacity)
	c.installQueue(q)
	return q
}

// GetStream is like StartConsuming but returns an iterator style stream.
func (c *Client) GetStream(capacity int) *MessageStream {
	q := newMessageQueue(capacity)
	c.installQueue(q)
	return &MessageStream{queue: q}
}

// StopConsuming closes the active queue or stream. Messages arriving
// afterwards are dropped until a new delivery mode is installed.
func (c *Client) StopConsuming() {
	c.cbMu.Lock()
	old := c.queue
	c.queue = nil
	c.cbMu.Unlock()

	if old != nil {
		old.close()
	}
}

func (c *Client) installQueue(q *MessageQueue) {
	c.cbMu.Lock()
	old := c.queue
	c.queue = q
	c.onMessage = nil
	c.cbMu.Unlock()

	if old != nil {
		old.close()
	}
}

// pushMarker puts the end-of-messages marker into the active queue.
func (c *Client) pushMarker() {
	c.cbMu.Lock()
	q := c.queue
	c.cbMu.Unlock()

	if q != nil {
		_ = q.push(nil)
	}
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.get() == StateConnected && c.engine.IsConnected()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// ClientID returns the client identifier of the last Connect call.
func (c *Client) ClientID() string {
	opts, _ := c.storedOptions()
	if opts == nil {
		return ""
	}
	return opts.ClientID
}

// UserData returns the application data attached to the client.
func (c *Client) UserData() any {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userData
}

// SetUserData replaces the application data attached to the client.
func (c *Client) SetUserData(data any) {
	c.userMu.Lock()
	c.userData = data
	c.userMu.Unlock()
}

// Subscriptions returns the subscriptions the broker granted, in filter order.
func (c *Client) Subscriptions() []Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	out := make([]Subscription, 0, len(c.subs))
	for _, f := range slices.Sorted(maps.Keys(c.subs)) {
		out = append(out, c.subs[f])
	}
	return out
}

// Close stops automatic reconnects, closes the active consumer and detaches
// the client from the engine. Callbacks arriving afterwards are ignored.
// It does not disconnect; call Disconnect first for a graceful close.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.stopReconnect()
	c.StopConsuming()
	c.handles.reclaim(c.self)
}

// storedOptions returns a copy of the last connect options and the backoff.
func (c *Client) storedOptions() (*ConnectOptions, *Backoff) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectOpts.Clone(), c.backoff
}

// connectSucceeded moves to Connected and replays subscriptions when the
// resubscribe policy asks for it.
func (c *Client) connectSucceeded(req *request, res *ConnectResult) {
	c.pendingConnect.CompareAndSwap(req, nil)

	c.logger.Info("connected", LogFields{
		LogFieldClientID:  c.ClientID(),
		LogFieldServer:    res.ServerURI,
		"session_present": res.SessionPresent,
	})

	if c.state.transitionFrom(StateConnected, StateConnecting, StateReconnecting) {
		c.markConnected(connectCause(req))
	} else if c.state.get() == StateDisconnected {
		// Disconnect was called while the connect was in flight.
		c.logger.Info("closing connection established after disconnect", nil)
		c.DisconnectWithOptions(nil)
		return
	}

	c.resubscribe(res.SessionPresent)
}

func (c *Client) connectFailed(req *request) {
	c.pendingConnect.CompareAndSwap(req, nil)
	if req.auto {
		c.state.transition(StateConnecting, StateReconnecting)
		return
	}
	c.state.transition(StateConnecting, StateDisconnected)
}

func connectCause(req *request) string {
	if req.auto {
		return "automatic reconnect"
	}
	return "connect"
}

// markConnected runs once per established connection, after the state has
// moved to Connected.
func (c *Client) markConnected(cause string) {
	if _, backoff := c.storedOptions(); backoff != nil {
		backoff.Reset()
	}

	c.cbMu.Lock()
	fn := c.onConnected
	q := c.queue
	c.cbMu.Unlock()

	if q != nil {
		q.resume()
	}
	c.metrics.connected()
	if fn != nil {
		fn(c, cause)
	}
}

// handleDisruption reacts to a lost connection. Only the first report per
// connection has an effect: the engine may signal the same loss through
// both the connection lost callback and the message marker.
func (c *Client) handleDisruption(cause string) {
	opts, _ := c.storedOptions()
	auto := opts != nil && opts.AutoReconnect

	target := StateDisconnected
	if auto {
		target = StateReconnecting
	}
	if !c.state.transition(StateConnected, target) {
		return
	}

	c.metrics.connectionLost()
	c.logger.Warn("connection lost", LogFields{
		LogFieldCause: cause,
		LogFieldState: target.String(),
	})

	c.cbMu.Lock()
	onMessage := c.onMessage
	onLost := c.onConnectionLost
	q := c.queue
	c.cbMu.Unlock()

	if q != nil {
		_ = q.push(nil)
	}
	if onMessage != nil {
		onMessage(c, nil)
	}
	if onLost != nil {
		onLost(c, &ConnectionLostError{Cause: cause})
	}

	if auto {
		c.startReconnect()
	}
}

// startReconnect runs reconnectLoop on its own goroutine. The loop outlives
// the engine callback that started it, so it holds its own reference to the
// client's handle until it returns.
func (c *Client) startReconnect() {
	if !c.handles.retain(c.self) {
		return
	}
	go func() {
		defer c.handles.reclaim(c.self)
		c.reconnectLoop()
	}()
}

// reconnectLoop retries the stored connect options until one succeeds,
// automatic reconnect is switched off or the user disconnects.
func (c *Client) reconnectLoop() {
	if c.closed.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return // Already reconnecting
	}
	defer func() {
		c.reconnecting.Store(false)
		// A loss reported while this loop was finishing found it busy.
		if c.state.get() == StateReconnecting && !c.closed.Load() {
			c.startReconnect()
		}
	}()

	c.reconnectMu.Lock()
	stop := make(chan struct{})
	c.reconnectStop = stop
	c.reconnectMu.Unlock()

	// Close or Disconnect may have run before stop was installed.
	if c.closed.Load() || c.state.get() != StateReconnecting {
		return
	}

	var lastErr error
	for {
		opts, backoff := c.storedOptions()
		if opts == nil || !opts.AutoReconnect || backoff == nil {
			return
		}

		delay := backoff.Next(lastErr)
		c.logger.Info("reconnect scheduled", LogFields{
			LogFieldAttempt: backoff.Attempt(),
			LogFieldDelay:   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.state.get() != StateReconnecting {
			return
		}

		c.metrics.reconnectAttempt()
		tok := c.connect(opts, true)
		select {
		case <-stop:
			return
		case <-tok.Done():
		}

		lastErr = tok.Error()
		if lastErr == nil {
			return
		}
		c.logger.Warn("reconnect failed", LogFields{LogFieldError: lastErr.Error()})

		if c.state.get() != StateReconnecting {
			return
		}
	}
}

func (c *Client) stopReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnectStop != nil {
		select {
		case <-c.reconnectStop:
			// Already closed
		default:
			close(c.reconnectStop)
		}
		c.reconnectStop = nil
	}
}

// recordSubscriptions remembers the filters the broker granted.
func (c *Client) recordSubscriptions(req *request, res Result) {
	var granted []ReasonCode
	switch r := res.(type) {
	case *SubscribeResult:
		granted = []ReasonCode{r.GrantedQoS}
	case *SubscribeManyResult:
		granted = r.GrantedQoS
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, sub := range req.subs {
		if i >= len(granted) || granted[i].IsError() {
			continue
		}
		c.subs[sub.TopicFilter] = sub
	}
}

func (c *Client) forgetSubscriptions(filters []string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, f := range filters {
		delete(c.subs, f)
	}
}

func (c *Client) clearSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	clear(c.subs)
}

// resubscribe replays recorded subscriptions according to the policy.
func (c *Client) resubscribe(sessionPresent bool) {
	switch c.options.resubscribe {
	case ResubscribeNever:
		return
	case ResubscribeWhenNoSession:
		if sessionPresent {
			return
		}
	}

	subs := c.Subscriptions()
	if len(subs) == 0 {
		return
	}

	c.logger.Info("restoring subscriptions", LogFields{
		"count":           len(subs),
		"policy":          c.options.resubscribe.String(),
		"session_present": sessionPresent,
	})

	tok := c.SubscribeManyWithOptions(subs, nil)
	tok.OnComplete(func(t *Token) {
		if err := t.Error(); err != nil {
			c.logger.Error("restoring subscriptions failed", LogFields{LogFieldError: err.Error()})
		}
	})
}

// takeRequest exchanges a request handle for its request, releasing the
// handle. Unknown and foreign handles are logged and refused.
func (c *Client) takeRequest(h Handle, callback string) (*request, bool) {
	v, ok := c.handles.borrow(h)
	if !ok {
		c.logger.Warn("callback for unknown handle", LogFields{LogFieldHandle: uint64(h), "callback": callback})
		return nil, false
	}

	req, ok := v.(*request)
	if !ok {
		c.logger.Error("malformed handle", LogFields{
			LogFieldHandle: uint64(h),
			"callback":     callback,
			"type":         fmt.Sprintf("%T", v),
		})
		return nil, false
	}

	if _, ok := c.handles.reclaim(h); !ok {
		c.logger.Warn("handle already released", LogFields{LogFieldHandle: uint64(h), "callback": callback})
		return nil, false
	}
	return req, true
}

// owns reports whether h is this client's own context handle.
func (c *Client) owns(h Handle, callback string) bool {
	v, ok := c.handles.borrow(h)
	if ok && v == c {
		return true
	}
	c.logger.Warn("connection callback with foreign handle", LogFields{LogFieldHandle: uint64(h), "callback": callback})
	return false
}

// callbacks adapts the client to EngineCallbacks.
type callbacks struct {
	client *Client
}

func (cb *callbacks) OnSuccess(ctx Handle, resp *Response) {
	c := cb.client
	req, ok := c.takeRequest(ctx, "success")
	if !ok {
		return
	}

	if err := checkResponse(req.kind, resp); err != nil {
		c.logger.Error("malformed response", LogFields{
			LogFieldRequest: req.kind.String(),
			LogFieldError:   err.Error(),
		})
		if req.kind == RequestConnect {
			c.connectFailed(req)
		}
		c.metrics.requestFinished(req.kind, resultCodeOf(err), time.Since(req.started))
		req.token.fail(err)
		return
	}

	switch req.kind {
	case RequestConnect:
		c.connectSucceeded(req, resp.Result.(*ConnectResult))
	case RequestSubscribe, RequestSubscribeMany:
		c.recordSubscriptions(req, resp.Result)
	case RequestUnsubscribe, RequestUnsubscribeMany:
		c.forgetSubscriptions(req.filters)
	}

	c.metrics.requestFinished(req.kind, ResultSuccess, time.Since(req.started))
	req.token.complete(ResultSuccess, "", resp)
}

func (cb *callbacks) OnFailure(ctx Handle, code ResultCode, detail string) {
	c := cb.client
	req, ok := c.takeRequest(ctx, "failure")
	if !ok {
		return
	}

	if code == ResultSuccess {
		code = ResultFailure
	}
	if req.kind == RequestConnect {
		c.connectFailed(req)
	}

	c.logger.Debug("request failed", LogFields{
		LogFieldRequest:    req.kind.String(),
		LogFieldResultCode: int(code),
		LogFieldError:      detail,
	})
	c.metrics.requestFinished(req.kind, code, time.Since(req.started))
	req.token.complete(code, detail, nil)
}

func (cb *callbacks) OnConnected(ctx Handle, cause string) {
	c := cb.client
	if !c.owns(ctx, "connected") {
		return
	}

	if req := c.pendingConnect.Load(); req != nil {
		cause = connectCause(req)
	}
	if c.state.transitionFrom(StateConnected, StateConnecting, StateReconnecting) {
		c.markConnected(cause)
	}
}

func (cb *callbacks) OnConnectionLost(ctx Handle, cause string) {
	c := cb.client
	if !c.owns(ctx, "connection lost") {
		return
	}
	c.handleDisruption(cause)
}

func (cb *callbacks) OnDisconnected(ctx Handle, props *Properties, reason ReasonCode) {
	c := cb.client
	if !c.owns(ctx, "disconnected") {
		return
	}

	c.logger.Info("server disconnect", LogFields{LogFieldReasonCode: reason.String()})

	c.cbMu.Lock()
	fn := c.onDisconnected
	c.cbMu.Unlock()

	if fn != nil {
		fn(c, props.Clone(), reason)
	}

	c.handleDisruption(fmt.Sprintf("%v: %s", ErrServerDisconnect, reason))
}

func (cb *callbacks) OnMessageArrived(ctx Handle, msg *Message) bool {
	c := cb.client
	if !c.owns(ctx, "message arrived") {
		return false
	}

	if msg == nil {
		c.handleDisruption("disconnected marker")
		return true
	}
	if c.state.get() == StateDisconnected {
		c.metrics.messageDropped()
		c.logger.Debug("message after disconnect", LogFields{LogFieldTopic: msg.Topic})
		return true
	}

	msg = msg.Clone()
	c.metrics.messageReceived(msg.QoS)

	msg = c.chain.onConsume(msg)
	if msg == nil {
		return true
	}

	c.cbMu.Lock()
	fn := c.onMessage
	q := c.queue
	c.cbMu.Unlock()

	switch {
	case q != nil:
		if err := q.push(msg); err != nil {
			c.metrics.messageDropped()
			c.logger.Warn("message dropped", LogFields{LogFieldTopic: msg.Topic, LogFieldError: err.Error()})
		}
	case fn != nil:
		fn(c, msg)
	default:
		c.metrics.messageDropped()
		c.logger.Debug("no consumer for message", LogFields{LogFieldTopic: msg.Topic})
	}
	return true
}
