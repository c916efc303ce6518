package mqttasync

import (
	"maps"
	"slices"
	"sync"
)

// MemoryBroker is an in-process MQTT broker for MemoryEngine clients. It
// keeps retained messages and persistent sessions, honours v5 subscription
// options and can inject failures. It exists for tests and examples.
type MemoryBroker struct {
	mu            sync.Mutex
	uri           string
	available     bool
	connectReason ReasonCode
	maxQoS        byte
	sessions      map[string]*memorySession
	retained      map[string]*Message
	shareNext     map[string]int
	logger        Logger
}

// memorySession is the broker side of one client identifier.
type memorySession struct {
	clientID   string
	subs       map[string]Subscription
	persistent bool
	engine     *MemoryEngine
	will       *Message
	pending    []*Message
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithBrokerURI sets the server URI reported in connect results.
func WithBrokerURI(uri string) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.uri = uri
	}
}

// WithBrokerMaxQoS caps granted subscription QoS and delivered message QoS.
func WithBrokerMaxQoS(qos byte) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.maxQoS = min(qos, 2)
	}
}

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(logger Logger) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBroker creates an available broker granting QoS up to 2.
func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		uri:       "memory://broker",
		available: true,
		maxQoS:    2,
		sessions:  make(map[string]*memorySession),
		retained:  make(map[string]*Message),
		shareNext: make(map[string]int),
		logger:    NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAvailable makes new connection attempts fail at the transport level
// while false. Existing connections are not touched.
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()
}

// SetConnectReason makes the broker refuse connects with reason until it
// is set back to ReasonSuccess.
func (b *MemoryBroker) SetConnectReason(reason ReasonCode) {
	b.mu.Lock()
	b.connectReason = reason
	b.mu.Unlock()
}

// DropConnections severs every connection as if the network failed. Will
// messages are published.
func (b *MemoryBroker) DropConnections() {
	for _, e := range b.detachAll() {
		e.lost("connection reset by broker")
	}
}

// Kick sends a DISCONNECT with reason to the client and closes its
// connection. It reports whether the client was connected.
func (b *MemoryBroker) Kick(clientID string, reason ReasonCode, props *Properties) bool {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	if !ok || s.engine == nil {
		b.mu.Unlock()
		return false
	}
	e := s.engine
	will := b.detachLocked(s, true)
	b.mu.Unlock()

	e.kicked(reason, props)
	if will != nil {
		b.route(will, nil)
	}
	return true
}

// Publish delivers msg to subscribers as if another client published it.
func (b *MemoryBroker) Publish(msg *Message) error {
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	b.route(msg.Clone(), nil)
	return nil
}

// Retained returns a copy of the retained message for topic.
func (b *MemoryBroker) Retained(topic string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.retained[topic]
	return msg.Clone(), ok
}

// SessionSubscriptions returns the subscriptions the broker holds for
// clientID, in filter order.
func (b *MemoryBroker) SessionSubscriptions(clientID string) []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[clientID]
	if !ok {
		return nil
	}
	out := make([]Subscription, 0, len(s.subs))
	for _, f := range slices.Sorted(maps.Keys(s.subs)) {
		out = append(out, s.subs[f])
	}
	return out
}

// Connected reports whether clientID has a live connection.
func (b *MemoryBroker) Connected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[clientID]
	return ok && s.engine != nil
}

// admit checks whether a connect may proceed. It returns a non-zero result
// code and detail for refused connects.
func (b *MemoryBroker) admit() (ResultCode, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return ResultFailure, "connection refused"
	}
	if b.connectReason.IsError() {
		return ResultFromReason(b.connectReason), b.connectReason.String()
	}
	return ResultSuccess, ""
}

// attach binds e to the session for opts.ClientID, taking over any live
// connection. It returns whether a session was resumed and the messages
// queued for it while offline.
func (b *MemoryBroker) attach(e *MemoryEngine, opts *ConnectOptions) (bool, []*Message) {
	b.mu.Lock()

	s, ok := b.sessions[opts.ClientID]
	var takenOver *MemoryEngine
	if ok && s.engine != nil && s.engine != e {
		takenOver = s.engine
		s.engine = nil
	}

	present := ok && !opts.CleanStart
	if !present {
		s = &memorySession{clientID: opts.ClientID, subs: make(map[string]Subscription)}
		b.sessions[opts.ClientID] = s
	}

	s.engine = e
	s.will = opts.Will.Clone()
	s.persistent = sessionPersists(opts)
	pending := s.pending
	s.pending = nil
	b.mu.Unlock()

	if takenOver != nil {
		takenOver.kicked(ReasonSessionTakenOver, nil)
	}

	b.logger.Debug("client attached", LogFields{
		LogFieldClientID:  opts.ClientID,
		"session_present": present,
	})
	return present, pending
}

// sessionPersists reports whether the session outlives the connection.
func sessionPersists(opts *ConnectOptions) bool {
	if opts.ProtocolVersion == ProtocolV311 {
		return !opts.CleanStart
	}
	return opts.Properties.GetUint32(PropSessionExpiryInterval) > 0
}

// detach unbinds e after a normal DISCONNECT. withWill publishes the will.
func (b *MemoryBroker) detach(e *MemoryEngine, clientID string, withWill bool) {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	if !ok || s.engine != e {
		b.mu.Unlock()
		return
	}
	will := b.detachLocked(s, withWill)
	b.mu.Unlock()

	if will != nil {
		b.route(will, nil)
	}
}

// detachLocked unbinds the session's engine and returns the will to
// publish, if any. Caller holds mu.
func (b *MemoryBroker) detachLocked(s *memorySession, withWill bool) *Message {
	s.engine = nil
	will := s.will
	s.will = nil
	if !s.persistent {
		delete(b.sessions, s.clientID)
	}
	if !withWill {
		return nil
	}
	return will
}

func (b *MemoryBroker) detachAll() []*MemoryEngine {
	b.mu.Lock()
	var engines []*MemoryEngine
	var wills []*Message
	for _, s := range b.sessions {
		if s.engine == nil {
			continue
		}
		engines = append(engines, s.engine)
		if will := b.detachLocked(s, true); will != nil {
			wills = append(wills, will)
		}
	}
	b.mu.Unlock()

	for _, will := range wills {
		b.route(will, nil)
	}
	return engines
}

// subscribe adds subs to the session and returns the granted codes and the
// retained messages to deliver.
func (b *MemoryBroker) subscribe(clientID string, subs []Subscription) ([]ReasonCode, []*Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[clientID]
	if !ok {
		return nil, nil
	}

	granted := make([]ReasonCode, len(subs))
	var retained []*Message
	for i, sub := range subs {
		sub.QoS = min(sub.QoS, b.maxQoS)
		granted[i] = ReasonCode(sub.QoS)

		_, existed := s.subs[sub.TopicFilter]
		s.subs[sub.TopicFilter] = sub

		shared, _ := ParseSharedSubscription(sub.TopicFilter)
		if shared != nil {
			continue // No retained messages for shared subscriptions
		}
		switch sub.Options.RetainHandling {
		case 1:
			if existed {
				continue
			}
		case 2:
			continue
		}
		for _, topic := range slices.Sorted(maps.Keys(b.retained)) {
			if TopicMatch(sub.TopicFilter, topic) {
				msg := b.retained[topic].Clone()
				msg.QoS = min(msg.QoS, sub.QoS)
				msg.Retain = true
				retained = append(retained, msg)
			}
		}
	}
	return granted, retained
}

// unsubscribe removes filters and reports whether all of them existed.
func (b *MemoryBroker) unsubscribe(clientID string, filters []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[clientID]
	if !ok {
		return false
	}
	all := true
	for _, f := range filters {
		if _, ok := s.subs[f]; !ok {
			all = false
		}
		delete(s.subs, f)
	}
	return all
}

type delivery struct {
	engine *MemoryEngine
	msg    *Message
}

// route stores retained messages and delivers msg to every matching
// session. from is the publishing session's client identifier, nil for
// broker-originated messages.
func (b *MemoryBroker) route(msg *Message, from *string) {
	b.mu.Lock()

	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg.Clone()
		}
	}

	var out []delivery
	groups := make(map[string][]*memorySession)
	groupSubs := make(map[string][]Subscription)

	for _, id := range slices.Sorted(maps.Keys(b.sessions)) {
		s := b.sessions[id]
		for _, filter := range slices.Sorted(maps.Keys(s.subs)) {
			sub := s.subs[filter]

			if shared, err := ParseSharedSubscription(filter); err == nil && shared != nil {
				if TopicMatch(shared.TopicFilter, msg.Topic) {
					groups[filter] = append(groups[filter], s)
					groupSubs[filter] = append(groupSubs[filter], sub)
				}
				continue
			}

			if !TopicMatch(filter, msg.Topic) {
				continue
			}
			if sub.Options.NoLocal && from != nil && *from == s.clientID {
				continue
			}
			if d, ok := b.deliverLocked(s, sub, msg); ok {
				out = append(out, d)
			}
			break // One copy per session
		}
	}

	for _, key := range slices.Sorted(maps.Keys(groups)) {
		members := groups[key]
		i := b.shareNext[key] % len(members)
		b.shareNext[key] = i + 1
		if d, ok := b.deliverLocked(members[i], groupSubs[key][i], msg); ok {
			out = append(out, d)
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		d.engine.deliver(d.msg)
	}
}

// deliverLocked prepares the copy of msg for s. Offline persistent
// sessions queue QoS 1 and 2 messages. Caller holds mu.
func (b *MemoryBroker) deliverLocked(s *memorySession, sub Subscription, msg *Message) (delivery, bool) {
	c := msg.Clone()
	c.QoS = min(msg.QoS, sub.QoS, b.maxQoS)
	c.Duplicate = false
	if !sub.Options.RetainAsPublish {
		c.Retain = false
	}

	if s.engine == nil {
		if c.QoS > 0 {
			s.pending = append(s.pending, c)
		}
		return delivery{}, false
	}
	return delivery{engine: s.engine, msg: c}, true
}
