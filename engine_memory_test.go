package mqttasync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvN(t *testing.T, q *MessageQueue, n int) []*Message {
	t.Helper()
	out := make([]*Message, 0, n)
	for range n {
		msg, err := q.RecvTimeout(time.Second)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestMemoryEngineValidation(t *testing.T) {
	broker := NewMemoryBroker()
	e := NewMemoryEngine(broker)
	defer e.Close()

	tests := []struct {
		name string
		call func() error
		want ResultCode
	}{
		{"nil connect options", func() error { return e.Connect(nil, 1) }, ResultNullParameter},
		{"unknown protocol", func() error {
			return e.Connect(&ConnectOptions{ProtocolVersion: 3}, 1)
		}, ResultBadMQTTOption},
		{"v3 with properties", func() error {
			return e.Connect(NewConnectOptions(WithProtocolVersion(ProtocolV311), WithSessionExpiryInterval(10)), 1)
		}, ResultWrongMQTTVersion},
		{"empty will topic", func() error {
			return e.Connect(NewConnectOptions(WithWill(NewMessage("", []byte("bye"), 0))), 1)
		}, ResultZeroLengthWillTopic},
		{"wildcard publish", func() error { return e.Publish(NewMessage("a/+", nil, 0), 1) }, ResultBadStructure},
		{"bad qos", func() error { return e.Publish(NewMessage("a", nil, 3), 1) }, ResultBadQoS},
		{"publish offline", func() error { return e.Publish(NewMessage("a", nil, 0), 1) }, ResultDisconnected},
		{"subscribe offline", func() error {
			return e.Subscribe(&SubscribeRequest{Kind: RequestSubscribe, Subscriptions: []Subscription{{TopicFilter: "a"}}}, 1)
		}, ResultDisconnected},
		{"bad filter", func() error {
			return e.Subscribe(&SubscribeRequest{Kind: RequestSubscribe, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}, 1)
		}, ResultBadStructure},
		{"disconnect offline", func() error { return e.Disconnect(&DisconnectRequest{}, 1) }, ResultDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEngineRejected)
			assert.Equal(t, tt.want, resultCodeOf(err))
		})
	}
}

func TestMemoryEngineConnectRefused(t *testing.T) {
	broker := NewMemoryBroker()
	broker.SetConnectReason(ReasonBadUserNameOrPassword)

	e := NewMemoryEngine(broker)
	defer e.Close()
	c := NewClient(e)

	tok := c.Connect(NewConnectOptions())
	_, err := tok.WaitTimeout(time.Second)
	require.Error(t, err)
	assert.Equal(t, ResultFromReason(ReasonBadUserNameOrPassword), tok.ResultCode())

	code, ok := tok.ResultCode().Reason()
	require.True(t, ok)
	assert.Equal(t, ReasonBadUserNameOrPassword, code)

	broker.SetConnectReason(ReasonSuccess)
	_, err = c.Reconnect().WaitTimeout(time.Second)
	require.NoError(t, err)
}

func TestMemoryEngineInjectedFailures(t *testing.T) {
	broker := NewMemoryBroker()
	c, e := connectMemory(t, broker, NewConnectOptions())

	e.FailNext(RequestPublish, ResultMaxMessagesInflight)
	err := c.Publish(NewMessage("a", nil, 1)).WaitTimeout(time.Second)
	assert.ErrorIs(t, err, ErrOperationFailed)

	e.RejectNext(RequestSubscribe, ResultNoMoreMessageIDs)
	tok := c.Subscribe("a", 1)
	require.True(t, tok.IsComplete())
	assert.Equal(t, ResultNoMoreMessageIDs, tok.ResultCode())

	require.NoError(t, c.Publish(NewMessage("a", nil, 1)).WaitTimeout(time.Second))
}

func TestMemoryEngineSystemTopics(t *testing.T) {
	broker := NewMemoryBroker()
	c, _ := connectMemory(t, broker, NewConnectOptions())
	q := c.StartConsuming(0)

	_, err := c.Subscribe("$SYS/#", 0).WaitTimeout(time.Second)
	require.NoError(t, err)

	tests := []struct {
		topic   string
		allowed bool
	}{
		{"$SYS", false},
		{"$SYS/broker/uptime", false},
		{"$SYSTEM/x", true},
		{"sys/broker", true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			tok := c.Publish(NewMessage(tt.topic, []byte("x"), 1))
			err := tok.WaitTimeout(time.Second)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrOperationFailed)
			assert.Equal(t, ResultFromReason(ReasonNotAuthorized), tok.ResultCode())
		})
	}

	require.NoError(t, broker.Publish(NewMessage("$SYS/broker/uptime", []byte("42"), 0)))
	msg, err := q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "$SYS/broker/uptime", msg.Topic)
	assert.Zero(t, q.Len())
}

func TestMemoryBrokerRetained(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Publish(&Message{Topic: "status/a", Payload: []byte("up"), QoS: 1, Retain: true}))
	require.NoError(t, broker.Publish(&Message{Topic: "status/b", Payload: []byte("down"), QoS: 0, Retain: true}))

	c, _ := connectMemory(t, broker, NewConnectOptions())
	q := c.StartConsuming(0)

	granted, err := c.Subscribe("status/+", 1).WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReasonGrantedQoS1, granted)

	msgs := recvN(t, q, 2)
	assert.Equal(t, "status/a", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, "status/b", msgs[1].Topic)

	// An empty retained payload clears the topic.
	require.NoError(t, broker.Publish(&Message{Topic: "status/a", Retain: true}))
	_, ok := broker.Retained("status/a")
	assert.False(t, ok)
	held, ok := broker.Retained("status/b")
	require.True(t, ok)
	assert.Equal(t, "down", string(held.Payload))
}

func TestMemoryBrokerRetainHandling(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Publish(&Message{Topic: "cfg", Payload: []byte("v1"), Retain: true}))

	c, e := connectMemory(t, broker, NewConnectOptions())
	q := c.StartConsuming(0)

	// Handling 1 sends retained messages only for a new subscription.
	opts := SubscribeOptions{RetainHandling: 1}
	_, err := c.SubscribeWithOptions("cfg", 0, opts, nil).WaitTimeout(time.Second)
	require.NoError(t, err)
	_, err = c.SubscribeWithOptions("cfg", 0, opts, nil).WaitTimeout(time.Second)
	require.NoError(t, err)
	e.Flush()
	assert.Equal(t, 1, q.Len())

	// Handling 2 never sends them.
	_, err = c.SubscribeWithOptions("cfg/#", 0, SubscribeOptions{RetainHandling: 2}, nil).WaitTimeout(time.Second)
	require.NoError(t, err)
	e.Flush()
	assert.Equal(t, 1, q.Len())
}

func TestMemoryBrokerNoLocalAndRetainAsPublished(t *testing.T) {
	broker := NewMemoryBroker()
	c, _ := connectMemory(t, broker, NewConnectOptions(WithClientID("self")))
	q := c.StartConsuming(0)

	_, err := c.SubscribeWithOptions("echo", 1, SubscribeOptions{NoLocal: true}, nil).WaitTimeout(time.Second)
	require.NoError(t, err)
	_, err = c.SubscribeWithOptions("keep", 1, SubscribeOptions{RetainAsPublish: true}, nil).WaitTimeout(time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Publish(NewMessage("echo", []byte("own"), 1)).WaitTimeout(time.Second))
	require.NoError(t, c.Publish(&Message{Topic: "keep", Payload: []byte("r"), QoS: 1, Retain: true}).WaitTimeout(time.Second))

	msg, err := q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "keep", msg.Topic)
	assert.True(t, msg.Retain)
	assert.Zero(t, q.Len())
}

func TestMemoryBrokerMaxQoS(t *testing.T) {
	broker := NewMemoryBroker(WithBrokerMaxQoS(1))
	c, _ := connectMemory(t, broker, NewConnectOptions())
	q := c.StartConsuming(0)

	granted, err := c.Subscribe("t", 2).WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReasonGrantedQoS1, granted)

	require.NoError(t, broker.Publish(NewMessage("t", []byte("x"), 2)))
	msg, err := q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(1), msg.QoS)
}

func TestMemoryBrokerV3RejectsV5Options(t *testing.T) {
	broker := NewMemoryBroker()
	c, _ := connectMemory(t, broker, NewConnectOptions(WithProtocolVersion(ProtocolV311)))

	tok := c.SubscribeWithOptions("a", 1, SubscribeOptions{NoLocal: true}, nil)
	require.True(t, tok.IsComplete())
	assert.Equal(t, ResultWrongMQTTVersion, tok.ResultCode())

	_, err := c.Subscribe("a", 1).WaitTimeout(time.Second)
	assert.NoError(t, err)
}

func TestMemoryBrokerPersistentSession(t *testing.T) {
	broker := NewMemoryBroker()
	opts := NewConnectOptions(
		WithClientID("durable"),
		WithProtocolVersion(ProtocolV311),
		WithCleanStart(false),
	)

	c, _ := connectMemory(t, broker, opts)
	_, err := c.Subscribe("jobs/#", 1).WaitTimeout(time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(0).WaitTimeout(time.Second))

	require.NoError(t, broker.Publish(NewMessage("jobs/1", []byte("a"), 1)))
	require.NoError(t, broker.Publish(NewMessage("jobs/2", []byte("b"), 0)))

	q := c.StartConsuming(0)
	tok := c.Connect(opts)
	_, err = tok.WaitTimeout(time.Second)
	require.NoError(t, err)
	assert.True(t, tok.SessionPresent())

	msg, err := q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "jobs/1", msg.Topic)

	require.NoError(t, broker.Publish(NewMessage("jobs/3", []byte("c"), 1)))
	msg, err = q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "jobs/3", msg.Topic)
}

func TestMemoryBrokerSharedSubscription(t *testing.T) {
	broker := NewMemoryBroker()
	a, _ := connectMemory(t, broker, NewConnectOptions(WithClientID("worker-a")))
	b, _ := connectMemory(t, broker, NewConnectOptions(WithClientID("worker-b")))
	qa := a.StartConsuming(0)
	qb := b.StartConsuming(0)

	for _, c := range []*Client{a, b} {
		_, err := c.Subscribe("$share/workers/tasks", 1).WaitTimeout(time.Second)
		require.NoError(t, err)
	}

	for range 4 {
		require.NoError(t, broker.Publish(NewMessage("tasks", []byte("t"), 1)))
	}

	recvN(t, qa, 2)
	recvN(t, qb, 2)
}

func TestMemoryBrokerWill(t *testing.T) {
	broker := NewMemoryBroker()
	watcher, _ := connectMemory(t, broker, NewConnectOptions(WithClientID("watcher")))
	q := watcher.StartConsuming(0)
	_, err := watcher.Subscribe("wills/#", 0).WaitTimeout(time.Second)
	require.NoError(t, err)

	connectMemory(t, broker, NewConnectOptions(
		WithClientID("fragile"),
		WithWill(NewMessage("wills/fragile", []byte("gone"), 0)),
	))

	assert.True(t, broker.Kick("fragile", ReasonAdminAction, nil))
	assert.False(t, broker.Kick("fragile", ReasonAdminAction, nil))

	msg, err := q.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wills/fragile", msg.Topic)
}

func TestMemoryBrokerKickReportsReason(t *testing.T) {
	broker := NewMemoryBroker()
	c, _ := connectMemory(t, broker, NewConnectOptions(WithClientID("k")))

	reasons := make(chan ReasonCode, 1)
	c.SetDisconnectedCallback(func(_ *Client, _ *Properties, rc ReasonCode) { reasons <- rc })

	broker.Kick("k", ReasonSessionTakenOver, nil)

	select {
	case rc := <-reasons:
		assert.Equal(t, ReasonSessionTakenOver, rc)
	case <-time.After(time.Second):
		t.Fatal("no disconnect reported")
	}
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	assert.False(t, broker.Connected("k"))
}

func TestDispatcherOrder(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	gate := make(chan struct{})
	d.post(func() { <-gate })

	got := make(chan int, 100)
	for i := range 100 {
		d.post(func() {
			got <- i
			if i == 50 {
				d.post(func() { got <- -1 })
			}
		})
	}
	close(gate)

	for want := range 100 {
		assert.Equal(t, want, <-got)
	}
	assert.Equal(t, -1, <-got)
}
