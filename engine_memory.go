package mqttasync

import (
	"sync"
)

// MemoryEngine is an Engine connected to a MemoryBroker. Requests are
// validated synchronously and carried out on the engine's own dispatcher
// goroutine, which is also where every callback runs.
type MemoryEngine struct {
	broker *MemoryBroker
	events *dispatcher

	mu         sync.Mutex
	cb         EngineCallbacks
	ctx        Handle
	connected  bool
	opts       *ConnectOptions
	buffered   []bufferedPublish
	failNext   map[RequestKind]ResultCode
	rejectNext map[RequestKind]ResultCode
}

type bufferedPublish struct {
	msg    *Message
	handle Handle
}

// NewMemoryEngine creates an engine attached to broker.
func NewMemoryEngine(broker *MemoryBroker) *MemoryEngine {
	return &MemoryEngine{
		broker:     broker,
		events:     newDispatcher(),
		failNext:   make(map[RequestKind]ResultCode),
		rejectNext: make(map[RequestKind]ResultCode),
	}
}

// Bind implements Engine.
func (e *MemoryEngine) Bind(cb EngineCallbacks, ctx Handle) {
	e.mu.Lock()
	e.cb = cb
	e.ctx = ctx
	e.mu.Unlock()
}

// FailNext makes the next request of kind complete through OnFailure
// with code.
func (e *MemoryEngine) FailNext(kind RequestKind, code ResultCode) {
	e.mu.Lock()
	e.failNext[kind] = code
	e.mu.Unlock()
}

// RejectNext makes the next request of kind fail synchronously with code.
func (e *MemoryEngine) RejectNext(kind RequestKind, code ResultCode) {
	e.mu.Lock()
	e.rejectNext[kind] = code
	e.mu.Unlock()
}

// Flush waits until every event queued so far has been dispatched. It must
// not be called from a callback.
func (e *MemoryEngine) Flush() {
	done := make(chan struct{})
	e.events.post(func() { close(done) })
	<-done
}

// Close stops the dispatcher. Pending events are discarded.
func (e *MemoryEngine) Close() {
	e.events.stop()
}

// IsConnected implements Engine.
func (e *MemoryEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Connect implements Engine.
func (e *MemoryEngine) Connect(opts *ConnectOptions, h Handle) error {
	if opts == nil {
		return NewEngineRejectedError(ResultNullParameter)
	}
	switch opts.ProtocolVersion {
	case ProtocolV311:
		if opts.Properties.Len() > 0 {
			return NewEngineRejectedError(ResultWrongMQTTVersion)
		}
	case ProtocolV5:
	default:
		return NewEngineRejectedError(ResultBadMQTTOption)
	}
	if opts.Will != nil && opts.Will.Topic == "" {
		return NewEngineRejectedError(ResultZeroLengthWillTopic)
	}
	if code, ok := e.take(e.rejectNext, RequestConnect); ok {
		return NewEngineRejectedError(code)
	}

	opts = opts.Clone()
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()

	e.events.post(func() { e.doConnect(opts, h) })
	return nil
}

func (e *MemoryEngine) doConnect(opts *ConnectOptions, h Handle) {
	cb, ctx := e.callbacks()

	if code, ok := e.take(e.failNext, RequestConnect); ok {
		cb.OnFailure(h, code, "injected failure")
		return
	}
	if code, detail := e.broker.admit(); code != ResultSuccess {
		cb.OnFailure(h, code, detail)
		return
	}

	e.mu.Lock()
	wasConnected := e.connected
	e.mu.Unlock()
	if wasConnected {
		e.broker.detach(e, opts.ClientID, false)
	}

	present, pending := e.broker.attach(e, opts)

	e.mu.Lock()
	e.connected = true
	buffered := e.buffered
	e.buffered = nil
	e.mu.Unlock()

	uri := e.broker.uri
	if len(opts.Servers) > 0 {
		uri = opts.Servers[0]
	}

	cb.OnSuccess(h, &Response{
		ReasonCode: ReasonSuccess,
		Result: &ConnectResult{
			ServerURI:       uri,
			ProtocolVersion: opts.ProtocolVersion,
			SessionPresent:  present,
		},
	})
	cb.OnConnected(ctx, "connect")

	for _, msg := range pending {
		cb.OnMessageArrived(ctx, msg)
	}

	id := opts.ClientID
	for _, b := range buffered {
		e.broker.route(b.msg, &id)
		cb.OnSuccess(b.handle, &Response{ReasonCode: ReasonSuccess})
	}
}

// Publish implements Engine. While disconnected it buffers up to
// MaxBufferedMessages publishes when offline buffering is enabled. Publishes
// to $SYS topics fail as not authorized.
func (e *MemoryEngine) Publish(msg *Message, h Handle) error {
	if msg == nil {
		return NewEngineRejectedError(ResultNullParameter)
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return NewEngineRejectedError(ResultBadStructure)
	}
	if msg.QoS > 2 {
		return NewEngineRejectedError(ResultBadQoS)
	}
	if code, ok := e.take(e.rejectNext, RequestPublish); ok {
		return NewEngineRejectedError(code)
	}

	msg = msg.Clone()

	e.mu.Lock()
	if !e.connected {
		defer e.mu.Unlock()
		if e.opts == nil || !e.opts.SendWhileDisconnected {
			return NewEngineRejectedError(ResultDisconnected)
		}
		if len(e.buffered) >= e.opts.MaxBufferedMessages {
			return NewEngineRejectedError(ResultMaxBufferedMessages)
		}
		e.buffered = append(e.buffered, bufferedPublish{msg: msg, handle: h})
		return nil
	}
	id := e.opts.ClientID
	e.mu.Unlock()

	e.events.post(func() {
		cb, _ := e.callbacks()
		if code, ok := e.take(e.failNext, RequestPublish); ok {
			cb.OnFailure(h, code, "injected failure")
			return
		}
		if IsSystemTopic(msg.Topic) {
			cb.OnFailure(h, ResultFromReason(ReasonNotAuthorized), "$SYS topics are reserved for the broker")
			return
		}
		e.broker.route(msg, &id)
		cb.OnSuccess(h, &Response{ReasonCode: ReasonSuccess})
	})
	return nil
}

// Subscribe implements Engine.
func (e *MemoryEngine) Subscribe(req *SubscribeRequest, h Handle) error {
	if req == nil || len(req.Subscriptions) == 0 {
		return NewEngineRejectedError(ResultNullParameter)
	}
	for _, sub := range req.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return NewEngineRejectedError(ResultBadStructure)
		}
		if sub.QoS > 2 {
			return NewEngineRejectedError(ResultBadQoS)
		}
	}

	id, version, err := e.session()
	if err != nil {
		return err
	}
	if version == ProtocolV311 {
		if req.Properties.Len() > 0 {
			return NewEngineRejectedError(ResultWrongMQTTVersion)
		}
		for _, sub := range req.Subscriptions {
			if sub.Options.RequiresV5() {
				return NewEngineRejectedError(ResultWrongMQTTVersion)
			}
		}
	}
	if code, ok := e.take(e.rejectNext, req.Kind); ok {
		return NewEngineRejectedError(code)
	}

	kind := req.Kind
	subs := append([]Subscription(nil), req.Subscriptions...)

	e.events.post(func() {
		cb, ctx := e.callbacks()
		if code, ok := e.take(e.failNext, kind); ok {
			cb.OnFailure(h, code, "injected failure")
			return
		}

		granted, retained := e.broker.subscribe(id, subs)
		if granted == nil {
			cb.OnFailure(h, ResultDisconnected, "no session")
			return
		}

		var res Result = &SubscribeManyResult{GrantedQoS: granted}
		if kind == RequestSubscribe {
			res = &SubscribeResult{GrantedQoS: granted[0]}
		}
		cb.OnSuccess(h, &Response{ReasonCode: granted[0], Result: res})

		for _, msg := range retained {
			cb.OnMessageArrived(ctx, msg)
		}
	})
	return nil
}

// Unsubscribe implements Engine.
func (e *MemoryEngine) Unsubscribe(req *UnsubscribeRequest, h Handle) error {
	if req == nil || len(req.TopicFilters) == 0 {
		return NewEngineRejectedError(ResultNullParameter)
	}
	for _, f := range req.TopicFilters {
		if err := ValidateTopicFilter(f); err != nil {
			return NewEngineRejectedError(ResultBadStructure)
		}
	}

	id, version, err := e.session()
	if err != nil {
		return err
	}
	if version == ProtocolV311 && req.Properties.Len() > 0 {
		return NewEngineRejectedError(ResultWrongMQTTVersion)
	}

	filters := append([]string(nil), req.TopicFilters...)
	e.events.post(func() {
		cb, _ := e.callbacks()
		if code, ok := e.take(e.failNext, RequestUnsubscribe); ok {
			cb.OnFailure(h, code, "injected failure")
			return
		}

		rc := ReasonSuccess
		if !e.broker.unsubscribe(id, filters) {
			rc = ReasonNoSubscriptionExisted
		}
		cb.OnSuccess(h, &Response{ReasonCode: rc})
	})
	return nil
}

// Disconnect implements Engine. A DisconnectWithWill reason makes the
// broker publish the will.
func (e *MemoryEngine) Disconnect(req *DisconnectRequest, h Handle) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return NewEngineRejectedError(ResultDisconnected)
	}
	e.connected = false
	id := e.opts.ClientID
	e.mu.Unlock()

	withWill := req != nil && req.ReasonCode == ReasonDisconnectWithWill
	e.events.post(func() {
		e.broker.detach(e, id, withWill)
		cb, _ := e.callbacks()
		cb.OnSuccess(h, &Response{ReasonCode: ReasonSuccess})
	})
	return nil
}

// session returns the connected client identifier and protocol version.
func (e *MemoryEngine) session() (string, byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return "", 0, NewEngineRejectedError(ResultDisconnected)
	}
	return e.opts.ClientID, e.opts.ProtocolVersion, nil
}

func (e *MemoryEngine) callbacks() (EngineCallbacks, Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb == nil {
		return nopCallbacks{}, e.ctx
	}
	return e.cb, e.ctx
}

func (e *MemoryEngine) take(m map[RequestKind]ResultCode, kind RequestKind) (ResultCode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	code, ok := m[kind]
	if ok {
		delete(m, kind)
	}
	return code, ok
}

// deliver queues an arrived message. Messages reaching a disconnected
// engine are dropped.
func (e *MemoryEngine) deliver(msg *Message) {
	e.events.post(func() {
		if !e.IsConnected() {
			return
		}
		cb, ctx := e.callbacks()
		cb.OnMessageArrived(ctx, msg)
	})
}

// lost reports an unexpected connection loss: the end-of-messages marker
// followed by connection lost.
func (e *MemoryEngine) lost(cause string) {
	if !e.markDisconnected() {
		return
	}
	e.events.post(func() {
		cb, ctx := e.callbacks()
		cb.OnMessageArrived(ctx, nil)
		cb.OnConnectionLost(ctx, cause)
	})
}

// kicked reports a server DISCONNECT. MQTT 3.1.1 has no server DISCONNECT,
// so those sessions see a plain connection loss.
func (e *MemoryEngine) kicked(reason ReasonCode, props *Properties) {
	if !e.markDisconnected() {
		return
	}

	e.mu.Lock()
	v5 := e.opts != nil && e.opts.ProtocolVersion == ProtocolV5
	e.mu.Unlock()

	props = props.Clone()
	e.events.post(func() {
		cb, ctx := e.callbacks()
		if v5 {
			cb.OnDisconnected(ctx, props, reason)
			return
		}
		cb.OnConnectionLost(ctx, reason.String())
	})
}

func (e *MemoryEngine) markDisconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return false
	}
	e.connected = false
	return true
}

// nopCallbacks swallows events raised before Bind.
type nopCallbacks struct{}

func (nopCallbacks) OnSuccess(Handle, *Response)                    {}
func (nopCallbacks) OnFailure(Handle, ResultCode, string)           {}
func (nopCallbacks) OnConnected(Handle, string)                     {}
func (nopCallbacks) OnConnectionLost(Handle, string)                {}
func (nopCallbacks) OnDisconnected(Handle, *Properties, ReasonCode) {}
func (nopCallbacks) OnMessageArrived(Handle, *Message) bool         { return true }

// dispatcher runs posted functions in order on a single goroutine. The
// queue is unbounded so posting never blocks, even from inside a
// dispatched function.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-d.quit:
				return
			default:
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
}
