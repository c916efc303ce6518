// Package pahoengine implements the mqttasync protocol engine on top of the
// Eclipse Paho MQTT 3.1.1 client.
//
// The engine owns one paho client per connect request. Paho's own reconnect
// and subscription resume are disabled: session continuity is driven by the
// mqttasync client. Network connections are opened with mqttasync.DialServer,
// so every transport and proxy the client supports is available to paho.
package pahoengine

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitalvas/mqttasync"
)

// DialFunc opens the network connection to one broker URI.
type DialFunc func(ctx context.Context, server string, opts *mqttasync.ConnectOptions) (net.Conn, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger mqttasync.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDialer replaces mqttasync.DialServer as the connection opener.
func WithDialer(dial DialFunc) Option {
	return func(e *Engine) {
		if dial != nil {
			e.dial = dial
		}
	}
}

// WithClientOptions registers a hook that may adjust the paho options built
// for each connect, after the engine applied its own settings.
func WithClientOptions(hook func(*mqtt.ClientOptions)) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, hook)
	}
}

// Engine is an mqttasync.Engine backed by paho.mqtt.golang.
type Engine struct {
	logger mqttasync.Logger
	dial   DialFunc
	hooks  []func(*mqtt.ClientOptions)

	mu         sync.Mutex
	cb         mqttasync.EngineCallbacks
	ctx        mqttasync.Handle
	client     mqtt.Client
	gen        uint64
	opts       *mqttasync.ConnectOptions
	lastServer string
	buffered   []pendingPublish
}

type pendingPublish struct {
	msg    *mqttasync.Message
	handle mqttasync.Handle
}

// New creates an engine.
func New(opts ...Option) *Engine {
	installLoggers()
	e := &Engine{
		logger: mqttasync.NewNoOpLogger(),
		dial:   mqttasync.DialServer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bind implements mqttasync.Engine.
func (e *Engine) Bind(cb mqttasync.EngineCallbacks, ctx mqttasync.Handle) {
	e.mu.Lock()
	e.cb = cb
	e.ctx = ctx
	e.mu.Unlock()
}

// IsConnected implements mqttasync.Engine.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

func reject(code mqttasync.ResultCode) error {
	return mqttasync.NewEngineRejectedError(code)
}

// validateConnect checks what paho cannot express. Paho speaks MQTT 3.1.1,
// so v5 sessions and v5 properties are refused up front.
func validateConnect(opts *mqttasync.ConnectOptions) error {
	switch {
	case opts == nil:
		return reject(mqttasync.ResultNullParameter)
	case opts.ProtocolVersion != mqttasync.ProtocolV311:
		return reject(mqttasync.ResultWrongMQTTVersion)
	case opts.Properties.Len() > 0:
		return reject(mqttasync.ResultWrongMQTTVersion)
	case len(opts.Servers) == 0:
		return reject(mqttasync.ResultNullParameter)
	}

	if opts.Will != nil {
		if opts.Will.Topic == "" {
			return reject(mqttasync.ResultZeroLengthWillTopic)
		}
		if opts.Will.Properties.Len() > 0 {
			return reject(mqttasync.ResultWrongMQTTVersion)
		}
		if opts.Will.QoS > 2 {
			return reject(mqttasync.ResultBadQoS)
		}
	}

	for _, server := range opts.Servers {
		if _, err := url.Parse(server); err != nil {
			return reject(mqttasync.ResultBadStructure)
		}
	}
	return nil
}

// Connect implements mqttasync.Engine.
func (e *Engine) Connect(opts *mqttasync.ConnectOptions, h mqttasync.Handle) error {
	if err := validateConnect(opts); err != nil {
		return err
	}
	opts = opts.Clone()

	e.mu.Lock()
	old := e.client
	e.gen++
	gen := e.gen
	e.opts = opts
	client := mqtt.NewClient(e.clientOptions(opts, gen))
	e.client = client
	e.mu.Unlock()

	if old != nil {
		go old.Disconnect(0)
	}

	e.logger.Debug("connecting", mqttasync.LogFields{
		mqttasync.LogFieldClientID: opts.ClientID,
		mqttasync.LogFieldServer:   opts.Servers,
	})

	tok := client.Connect()
	go e.awaitConnect(tok, h, gen)
	return nil
}

func (e *Engine) clientOptions(opts *mqttasync.ConnectOptions, gen uint64) *mqtt.ClientOptions {
	po := mqtt.NewClientOptions()
	for _, server := range opts.Servers {
		po.AddBroker(server)
	}
	po.SetClientID(opts.ClientID)
	po.SetCleanSession(opts.CleanStart)
	po.SetKeepAlive(time.Duration(opts.KeepAlive) * time.Second)
	po.SetProtocolVersion(uint(opts.ProtocolVersion))
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetResumeSubs(false)
	po.SetOrderMatters(true)

	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(string(opts.Password))
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.TLSConfig != nil {
		po.SetTLSConfig(opts.TLSConfig)
	}
	if will := opts.Will; will != nil {
		po.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retain)
	}

	po.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
		server := uri.String()
		conn, err := e.dial(context.Background(), server, opts)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.gen == gen {
			e.lastServer = server
		}
		e.mu.Unlock()
		return conn, nil
	})

	po.SetOnConnectHandler(func(mqtt.Client) {
		if cb, ctx, ok := e.current(gen); ok {
			cb.OnConnected(ctx, "connect")
		}
	})
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		cause := "connection lost"
		if err != nil {
			cause = err.Error()
		}
		if cb, ctx, ok := e.current(gen); ok {
			cb.OnConnectionLost(ctx, cause)
		}
	})
	po.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		e.arrived(gen, m)
	})

	for _, hook := range e.hooks {
		hook(po)
	}
	return po
}

// current returns the bound callbacks if gen is still the live connection.
func (e *Engine) current(gen uint64) (mqttasync.EngineCallbacks, mqttasync.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.cb == nil {
		return nil, 0, false
	}
	return e.cb, e.ctx, true
}

func (e *Engine) callbacks() mqttasync.EngineCallbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

func (e *Engine) awaitConnect(tok mqtt.Token, h mqttasync.Handle, gen uint64) {
	<-tok.Done()
	cb := e.callbacks()
	if cb == nil {
		return
	}

	if err := tok.Error(); err != nil {
		code := mqttasync.ResultFailure
		if ct, ok := tok.(*mqtt.ConnectToken); ok {
			code = connectFailureCode(ct.ReturnCode())
		}
		e.logger.Warn("connect failed", mqttasync.LogFields{
			mqttasync.LogFieldResultCode: code,
			mqttasync.LogFieldError:      err.Error(),
		})
		cb.OnFailure(h, code, err.Error())
		return
	}

	result := &mqttasync.ConnectResult{ProtocolVersion: mqttasync.ProtocolV311}
	if ct, ok := tok.(*mqtt.ConnectToken); ok {
		result.SessionPresent = ct.SessionPresent()
	}

	e.mu.Lock()
	result.ServerURI = e.lastServer
	var pending []pendingPublish
	if e.gen == gen {
		pending = e.buffered
		e.buffered = nil
	}
	client := e.client
	e.mu.Unlock()

	cb.OnSuccess(h, &mqttasync.Response{
		ReasonCode: mqttasync.ReasonSuccess,
		Result:     result,
	})

	if client == nil {
		e.failPending(cb, pending)
		return
	}
	for _, p := range pending {
		tok := client.Publish(p.msg.Topic, p.msg.QoS, p.msg.Retain, p.msg.Payload)
		go e.await(tok, p.handle, nil)
	}
}

// connectFailureCode separates a broker refusal from a failure to reach the
// broker. Only return codes 1 to 5 come from a CONNACK; paho reports network
// and protocol errors with its own codes above that.
func connectFailureCode(rc byte) mqttasync.ResultCode {
	if rc >= 1 && rc <= 5 {
		return mqttasync.ResultFromReason(mqttasync.ConnackFromV3(rc))
	}
	return mqttasync.ResultFailure
}

func (e *Engine) failPending(cb mqttasync.EngineCallbacks, pending []pendingPublish) {
	for _, p := range pending {
		cb.OnFailure(p.handle, mqttasync.ResultDisconnected, "disconnected before buffered publish was sent")
	}
}

// await completes h once tok finishes. result builds the response payload
// for requests that carry one.
func (e *Engine) await(tok mqtt.Token, h mqttasync.Handle, result func() mqttasync.Result) {
	<-tok.Done()
	cb := e.callbacks()
	if cb == nil {
		return
	}

	if err := tok.Error(); err != nil {
		cb.OnFailure(h, resultOf(err), err.Error())
		return
	}

	resp := &mqttasync.Response{ReasonCode: mqttasync.ReasonSuccess}
	if result != nil {
		resp.Result = result()
		switch r := resp.Result.(type) {
		case *mqttasync.SubscribeResult:
			resp.ReasonCode = r.GrantedQoS
		case *mqttasync.SubscribeManyResult:
			if len(r.GrantedQoS) > 0 {
				resp.ReasonCode = r.GrantedQoS[0]
			}
		}
	}
	cb.OnSuccess(h, resp)
}

func resultOf(err error) mqttasync.ResultCode {
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		return mqttasync.ResultDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return mqttasync.ResultOperationIncomplete
	default:
		return mqttasync.ResultFailure
	}
}

// live returns the connected paho client, or nil.
func (e *Engine) live() mqtt.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil || !e.client.IsConnectionOpen() {
		return nil
	}
	return e.client
}

// Publish implements mqttasync.Engine.
func (e *Engine) Publish(msg *mqttasync.Message, h mqttasync.Handle) error {
	switch {
	case msg == nil:
		return reject(mqttasync.ResultNullParameter)
	case mqttasync.ValidateTopicName(msg.Topic) != nil:
		return reject(mqttasync.ResultBadStructure)
	case msg.QoS > 2:
		return reject(mqttasync.ResultBadQoS)
	case msg.Properties.Len() > 0:
		return reject(mqttasync.ResultWrongMQTTVersion)
	}

	client := e.live()
	if client == nil {
		return e.buffer(msg, h)
	}

	tok := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	go e.await(tok, h, nil)
	return nil
}

func (e *Engine) buffer(msg *mqttasync.Message, h mqttasync.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts == nil || !e.opts.SendWhileDisconnected {
		return reject(mqttasync.ResultDisconnected)
	}
	if len(e.buffered) >= e.opts.MaxBufferedMessages {
		return reject(mqttasync.ResultMaxBufferedMessages)
	}

	e.buffered = append(e.buffered, pendingPublish{msg: msg.Clone(), handle: h})
	return nil
}

// Subscribe implements mqttasync.Engine.
func (e *Engine) Subscribe(req *mqttasync.SubscribeRequest, h mqttasync.Handle) error {
	if req == nil || len(req.Subscriptions) == 0 {
		return reject(mqttasync.ResultNullParameter)
	}
	if req.Properties.Len() > 0 {
		return reject(mqttasync.ResultWrongMQTTVersion)
	}

	filters := make(map[string]byte, len(req.Subscriptions))
	for _, sub := range req.Subscriptions {
		if err := mqttasync.ValidateTopicFilter(sub.TopicFilter); err != nil {
			return reject(mqttasync.ResultBadStructure)
		}
		if sub.QoS > 2 {
			return reject(mqttasync.ResultBadQoS)
		}
		if sub.Options.RequiresV5() {
			return reject(mqttasync.ResultWrongMQTTVersion)
		}
		filters[sub.TopicFilter] = sub.QoS
	}

	client := e.live()
	if client == nil {
		return reject(mqttasync.ResultDisconnected)
	}

	tok := client.SubscribeMultiple(filters, nil)
	subs := req.Subscriptions
	kind := req.Kind

	go e.await(tok, h, func() mqttasync.Result {
		var granted map[string]byte
		if st, ok := tok.(*mqtt.SubscribeToken); ok {
			granted = st.Result()
		}
		codes := make([]mqttasync.ReasonCode, len(subs))
		for i, sub := range subs {
			code, ok := granted[sub.TopicFilter]
			if !ok {
				code = sub.QoS
			}
			codes[i] = mqttasync.ReasonCode(code)
		}
		if kind == mqttasync.RequestSubscribe {
			return &mqttasync.SubscribeResult{GrantedQoS: codes[0]}
		}
		return &mqttasync.SubscribeManyResult{GrantedQoS: codes}
	})
	return nil
}

// Unsubscribe implements mqttasync.Engine.
func (e *Engine) Unsubscribe(req *mqttasync.UnsubscribeRequest, h mqttasync.Handle) error {
	if req == nil || len(req.TopicFilters) == 0 {
		return reject(mqttasync.ResultNullParameter)
	}
	if req.Properties.Len() > 0 {
		return reject(mqttasync.ResultWrongMQTTVersion)
	}
	for _, filter := range req.TopicFilters {
		if err := mqttasync.ValidateTopicFilter(filter); err != nil {
			return reject(mqttasync.ResultBadStructure)
		}
	}

	client := e.live()
	if client == nil {
		return reject(mqttasync.ResultDisconnected)
	}

	tok := client.Unsubscribe(req.TopicFilters...)
	go e.await(tok, h, nil)
	return nil
}

// Disconnect implements mqttasync.Engine. MQTT 3.1.1 has no disconnect
// reason, so anything but a normal disconnect is refused.
func (e *Engine) Disconnect(req *mqttasync.DisconnectRequest, h mqttasync.Handle) error {
	if req == nil {
		req = &mqttasync.DisconnectRequest{}
	}
	if req.ReasonCode != mqttasync.ReasonSuccess || req.Properties.Len() > 0 {
		return reject(mqttasync.ResultWrongMQTTVersion)
	}

	e.mu.Lock()
	client := e.client
	connected := client != nil && client.IsConnectionOpen()
	if connected {
		e.gen++
		e.client = nil
	}
	cb := e.cb
	e.mu.Unlock()

	if !connected {
		return reject(mqttasync.ResultDisconnected)
	}

	go func() {
		client.Disconnect(uint(req.Linger / time.Millisecond))
		e.logger.Debug("disconnected", mqttasync.LogFields{
			mqttasync.LogFieldHandle: h,
		})
		if cb != nil {
			cb.OnSuccess(h, &mqttasync.Response{ReasonCode: mqttasync.ReasonSuccess})
		}
	}()
	return nil
}

// arrived converts a paho message and hands it to the client.
func (e *Engine) arrived(gen uint64, m mqtt.Message) {
	cb, ctx, ok := e.current(gen)
	if !ok {
		return
	}

	msg := &mqttasync.Message{
		Topic:     m.Topic(),
		Payload:   m.Payload(),
		QoS:       m.Qos(),
		Retain:    m.Retained(),
		Duplicate: m.Duplicate(),
	}

	if !cb.OnMessageArrived(ctx, msg) {
		e.logger.Warn("message refused by client", mqttasync.LogFields{
			mqttasync.LogFieldTopic: msg.Topic,
		})
	}
}
