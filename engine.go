package mqttasync

import "time"

// Engine is the protocol engine the client drives. It owns the wire codec
// and the transport, accepts structured requests and reports their outcome
// through the EngineCallbacks it was bound to.
//
// Each request method either returns a synchronous error, in which case no
// callback is invoked for that request, or returns nil and later invokes
// exactly one of OnSuccess or OnFailure with the request's Handle.
// Synchronous errors should be *EngineRejectedError values carrying a
// ResultCode; any other error is treated as ResultFailure.
//
// Callbacks may be invoked from any goroutine, including concurrently with
// request methods.
type Engine interface {
	// Bind installs the callbacks and the client context handle passed to
	// the connection-level callbacks. It is called once, before any request.
	Bind(cb EngineCallbacks, ctx Handle)

	Connect(opts *ConnectOptions, ctx Handle) error
	Publish(msg *Message, ctx Handle) error
	Subscribe(req *SubscribeRequest, ctx Handle) error
	Unsubscribe(req *UnsubscribeRequest, ctx Handle) error
	Disconnect(req *DisconnectRequest, ctx Handle) error

	IsConnected() bool
}

// EngineCallbacks is implemented by the client and invoked by the engine.
// A Handle is only meaningful for the duration of one invocation; the engine
// must not use a request handle again once OnSuccess or OnFailure returned.
type EngineCallbacks interface {
	// OnSuccess completes the request identified by ctx.
	OnSuccess(ctx Handle, resp *Response)

	// OnFailure fails the request identified by ctx.
	OnFailure(ctx Handle, code ResultCode, detail string)

	// OnConnected reports that a connection was established, either by an
	// explicit connect or by the engine itself.
	OnConnected(ctx Handle, cause string)

	// OnConnectionLost reports an unexpected loss of the connection.
	OnConnectionLost(ctx Handle, cause string)

	// OnDisconnected reports a DISCONNECT sent by the server.
	OnDisconnected(ctx Handle, props *Properties, reason ReasonCode)

	// OnMessageArrived delivers an inbound message. A nil message is the
	// disconnected marker. Returning false asks the engine to redeliver.
	OnMessageArrived(ctx Handle, msg *Message) bool
}

// RequestKind identifies the operation a token or response belongs to.
type RequestKind int

const (
	RequestConnect RequestKind = iota + 1
	RequestPublish
	RequestSubscribe
	RequestSubscribeMany
	RequestUnsubscribe
	RequestUnsubscribeMany
	RequestDisconnect
)

var requestKindNames = map[RequestKind]string{
	RequestConnect:         "connect",
	RequestPublish:         "publish",
	RequestSubscribe:       "subscribe",
	RequestSubscribeMany:   "subscribe-many",
	RequestUnsubscribe:     "unsubscribe",
	RequestUnsubscribeMany: "unsubscribe-many",
	RequestDisconnect:      "disconnect",
}

func (k RequestKind) String() string {
	if s, ok := requestKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Result is the request-specific payload of a Response. It is one of
// *ConnectResult, *SubscribeResult or *SubscribeManyResult; requests without
// a payload carry nil.
type Result interface {
	requestKind() RequestKind
}

// ConnectResult is the payload of a successful connect.
type ConnectResult struct {
	ServerURI       string
	ProtocolVersion byte
	SessionPresent  bool
}

func (*ConnectResult) requestKind() RequestKind { return RequestConnect }

// SubscribeResult is the payload of a single-filter subscribe.
type SubscribeResult struct {
	GrantedQoS ReasonCode
}

func (*SubscribeResult) requestKind() RequestKind { return RequestSubscribe }

// SubscribeManyResult is the payload of a multi-filter subscribe, one entry
// per requested filter in request order.
type SubscribeManyResult struct {
	GrantedQoS []ReasonCode
}

func (*SubscribeManyResult) requestKind() RequestKind { return RequestSubscribeMany }

// Response is what the engine reports on success.
type Response struct {
	ReasonCode ReasonCode
	Properties *Properties
	Result     Result
}

// checkResponse verifies that the payload variant matches the request kind.
func checkResponse(kind RequestKind, resp *Response) error {
	var got Result
	if resp != nil {
		got = resp.Result
	}

	var ok bool
	switch r := got.(type) {
	case nil:
		ok = kind != RequestConnect && kind != RequestSubscribe && kind != RequestSubscribeMany
	case *ConnectResult:
		ok = kind == RequestConnect && r != nil
	case *SubscribeResult:
		ok = kind == RequestSubscribe && r != nil
	case *SubscribeManyResult:
		ok = kind == RequestSubscribeMany && r != nil
	}

	if !ok {
		return &MalformedResponseError{Request: kind, Got: got}
	}
	return nil
}

// SubscribeOptions are the v5 per-subscription flags.
// MQTT v5.0 spec: Section 3.8.3.1
type SubscribeOptions struct {
	// NoLocal stops the server from sending the client its own publishes.
	NoLocal bool

	// RetainAsPublish keeps the retain flag as set by the publisher.
	RetainAsPublish bool

	// RetainHandling controls retained message delivery on subscribe:
	// 0 always, 1 only for new subscriptions, 2 never.
	RetainHandling byte
}

// RequiresV5 reports whether any flag needs an MQTT v5 session.
func (o SubscribeOptions) RequiresV5() bool {
	return o.NoLocal || o.RetainAsPublish || o.RetainHandling != 0
}

// Subscription is one topic filter of a subscribe request.
type Subscription struct {
	TopicFilter string
	QoS         byte
	Options     SubscribeOptions
}

// SubscribeRequest is handed to Engine.Subscribe. Kind tells the engine
// which payload variant to report.
type SubscribeRequest struct {
	Kind          RequestKind
	Subscriptions []Subscription
	Properties    *Properties
}

// UnsubscribeRequest is handed to Engine.Unsubscribe.
type UnsubscribeRequest struct {
	TopicFilters []string
	Properties   *Properties
}

// DisconnectRequest is handed to Engine.Disconnect.
type DisconnectRequest struct {
	// Linger is how long the engine may spend finishing in-flight work.
	Linger     time.Duration
	ReasonCode ReasonCode
	Properties *Properties
}
