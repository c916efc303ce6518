package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vitalvas/mqttasync"
	"github.com/vitalvas/mqttasync/extensions/router"
)

// Method answers one request. A returned error is reported to the caller
// through the HeaderError response header.
type Method func(ctx context.Context, req *Request) (*Response, error)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// QoS is used for the method subscriptions and the responses.
	QoS byte

	// Timeout bounds each method call. Defaults to 30s.
	Timeout time.Duration

	Logger mqttasync.Logger
}

// Dispatcher answers requests arriving on the topic filters of its method
// table. The table is copied at construction and never changes afterwards.
type Dispatcher struct {
	client  Client
	methods map[string]Method
	qos     byte
	timeout time.Duration
	logger  mqttasync.Logger
}

// NewDispatcher creates a dispatcher serving methods, keyed by topic filter.
func NewDispatcher(client Client, methods map[string]Method, opts *DispatcherOptions) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if len(methods) == 0 {
		return nil, errors.New("rpc: no methods")
	}
	for filter, m := range methods {
		if err := mqttasync.ValidateTopicFilter(filter); err != nil {
			return nil, fmt.Errorf("rpc: method %q: %w", filter, err)
		}
		if m == nil {
			return nil, fmt.Errorf("rpc: method %q is nil", filter)
		}
	}
	if opts == nil {
		opts = &DispatcherOptions{}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = mqttasync.NewNoOpLogger()
	}

	return &Dispatcher{
		client:  client,
		methods: maps.Clone(methods),
		qos:     opts.QoS,
		timeout: timeout,
		logger:  logger.WithFields(mqttasync.LogFields{"component": "rpc-dispatcher"}),
	}, nil
}

// Filters returns the method topic filters, sorted.
func (d *Dispatcher) Filters() []string {
	return slices.Sorted(maps.Keys(d.methods))
}

// Subscribe subscribes the client to every method filter.
func (d *Dispatcher) Subscribe() *mqttasync.SubscribeManyToken {
	filters := d.Filters()
	qos := make([]byte, len(filters))
	for i := range qos {
		qos[i] = d.qos
	}
	return d.client.SubscribeMany(filters, qos)
}

// Register routes messages on the method filters to the dispatcher.
func (d *Dispatcher) Register(r *router.Router) {
	for _, filter := range d.Filters() {
		r.Handle(d.Handle, router.WithTopic(filter))
	}
}

// Handle runs the method matching msg and publishes its response. When
// several filters match, the lowest sorted filter wins. Requests without a
// response topic are dropped.
func (d *Dispatcher) Handle(msg *mqttasync.Message) {
	if msg == nil {
		return
	}

	matched := mqttasync.FilterMatches(d.methods, msg.Topic)
	if len(matched) == 0 {
		return
	}

	responseTopic := msg.ResponseTopic()
	if responseTopic == "" {
		d.logger.Warn("rpc request dropped", mqttasync.LogFields{
			mqttasync.LogFieldTopic: msg.Topic,
			mqttasync.LogFieldError: ErrNoResponseTopic.Error(),
		})
		return
	}

	resp, err := d.invoke(matched[0], msg)
	if resp == nil {
		resp = &Response{}
	}

	out := mqttasync.NewMessage(responseTopic, resp.Payload, d.qos)
	if correlData := msg.CorrelationData(); len(correlData) > 0 {
		out.SetCorrelationData(correlData)
	}
	if resp.ContentType != "" {
		out.SetContentType(resp.ContentType)
	}
	for _, k := range slices.Sorted(maps.Keys(resp.Headers)) {
		out.AddUserProperty(k, resp.Headers[k])
	}
	if err != nil {
		out.AddUserProperty(HeaderError, err.Error())
	}

	d.client.Publish(out).OnComplete(func(t *mqttasync.Token) {
		if err := t.Error(); err != nil {
			d.logger.Warn("rpc response not delivered", mqttasync.LogFields{
				mqttasync.LogFieldTopic: responseTopic,
				mqttasync.LogFieldError: err.Error(),
			})
		}
	})
}

func (d *Dispatcher) invoke(m Method, msg *mqttasync.Message) (resp *Response, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("rpc method panicked", mqttasync.LogFields{
				mqttasync.LogFieldTopic: msg.Topic,
				"panic":                 fmt.Sprint(r),
			})
			resp, err = nil, fmt.Errorf("method panicked: %v", r)
		}
	}()

	return m(ctx, requestFrom(msg))
}

func requestFrom(msg *mqttasync.Message) *Request {
	req := &Request{
		Payload:     msg.Payload,
		ContentType: msg.ContentType(),
	}
	if props := msg.Properties.UserProperties(); len(props) > 0 {
		req.Headers = make(Headers, len(props))
		for _, p := range props {
			req.Headers[p.Key] = p.Value
		}
	}
	return req
}
