// Package router dispatches messages received by an mqttasync client to
// handlers selected by topic filter and message attributes.
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttasync"
)

// Handler processes a message.
type Handler func(msg *mqttasync.Message)

// userPropertyMatcher holds regexp patterns for matching user properties.
type userPropertyMatcher struct {
	keyPattern   *regexp.Regexp
	valuePattern *regexp.Regexp
}

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter         *string
	matchFilter         string
	qos                 *byte
	retained            *bool
	contentTypeRegexp   *regexp.Regexp
	responseTopicRegexp *regexp.Regexp
	userProperties      []userPropertyMatcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching. Shared subscription
// filters ($share/{group}/{filter}) match on their inner filter.
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
		c.matchFilter = filter
		if shared, err := mqttasync.ParseSharedSubscription(filter); err == nil && shared != nil {
			c.matchFilter = shared.TopicFilter
		}
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetained filters messages by their retain flag.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithContentType filters messages by content type regexp pattern.
func WithContentType(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.contentTypeRegexp = pattern
	}
}

// WithResponseTopic filters messages by response topic regexp pattern.
func WithResponseTopic(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.responseTopicRegexp = pattern
	}
}

// WithUserProperty filters messages by user property key/value patterns.
// Both must match the same property. Repeat to require several properties.
func WithUserProperty(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.userProperties = append(c.userProperties, userPropertyMatcher{
			keyPattern:   keyPattern,
			valuePattern: valuePattern,
		})
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopic("$share/workers/jobs/+"))
//	r.Handle(handler, WithContentType(regexp.MustCompile(`^application/json`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{handler: handler, condition: cond})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttasync.Message) bool {
	if c.topicFilter != nil && !mqttasync.TopicMatch(c.matchFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retained != nil && *c.retained != msg.Retain {
		return false
	}
	if c.contentTypeRegexp != nil && !c.contentTypeRegexp.MatchString(msg.ContentType()) {
		return false
	}
	if c.responseTopicRegexp != nil && !c.responseTopicRegexp.MatchString(msg.ResponseTopic()) {
		return false
	}
	if len(c.userProperties) > 0 && !c.matchUserProperties(msg.Properties.UserProperties()) {
		return false
	}
	return true
}

// matchUserProperties reports whether every matcher finds a property.
func (c *Condition) matchUserProperties(props []mqttasync.StringPair) bool {
	for _, matcher := range c.userProperties {
		found := slices.ContainsFunc(props, func(p mqttasync.StringPair) bool {
			return matcher.keyPattern.MatchString(p.Key) && matcher.valuePattern.MatchString(p.Value)
		})
		if !found {
			return false
		}
	}
	return true
}

// Route dispatches a message to all matching handlers, in registration
// order. It returns the number of handlers called. Handlers run outside the
// router lock, so they may register further handlers.
func (r *Router) Route(msg *mqttasync.Message) int {
	if msg == nil {
		return 0
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
	return len(matched)
}

// Filters returns the unique registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make([]string, 0, len(r.handlers))
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			filters = append(filters, *reg.condition.topicFilter)
		}
	}
	slices.Sort(filters)
	return slices.Compact(filters)
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}

// MessageHandler adapts the router to mqttasync.Client.SetMessageCallback.
// The disconnected marker is not routed; onMarker, if set, is called instead.
func (r *Router) MessageHandler(onMarker func(c *mqttasync.Client)) mqttasync.MessageHandler {
	return func(c *mqttasync.Client, msg *mqttasync.Message) {
		if msg == nil {
			if onMarker != nil {
				onMarker(c)
			}
			return
		}
		r.Route(msg)
	}
}

// Subscriber is the part of mqttasync.Client used by SubscribeAll.
type Subscriber interface {
	SubscribeMany(filters []string, qos []byte) *mqttasync.SubscribeManyToken
}

// SubscribeAll subscribes to every registered filter at qos. It returns nil
// when no handler has a topic filter.
func (r *Router) SubscribeAll(client Subscriber, qos byte) *mqttasync.SubscribeManyToken {
	filters := r.Filters()
	if len(filters) == 0 {
		return nil
	}

	levels := make([]byte, len(filters))
	for i := range levels {
		levels[i] = qos
	}
	return client.SubscribeMany(filters, levels)
}
