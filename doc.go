// Package mqttasync provides an asynchronous MQTT client built on top of a
// pluggable protocol engine.
//
// The engine (see Engine) owns the wire protocol and the network. This
// package owns everything around it: request bookkeeping, completion tokens,
// message delivery to consumers, connection lifecycle callbacks and automatic
// reconnection with exponential backoff.
//
// Two engines are shipped:
//
//   - pahoengine: Eclipse Paho over TCP, TLS, WebSocket, QUIC and Unix sockets
//   - MemoryEngine: an in-process engine bound to a MemoryBroker, for tests
//
// # Connecting
//
//	client := mqttasync.NewClient(pahoengine.New(),
//	    mqttasync.WithLogger(mqttasync.NewStdLogger(os.Stderr, mqttasync.LogLevelInfo)),
//	)
//	defer client.Close()
//
//	opts := mqttasync.NewConnectOptions(
//	    mqttasync.WithServers("tcp://localhost:1883"),
//	    mqttasync.WithClientID("my-client"),
//	    mqttasync.WithAutoReconnect(time.Second, time.Minute),
//	)
//	res, err := client.Connect(opts).WaitTimeout(10 * time.Second)
//
// # Completion Tokens
//
// Every request returns a token immediately. A token completes exactly once
// and can be waited on, polled or given a completion callback:
//
//	tok := client.Publish(mqttasync.NewMessage("sensors/temp", []byte("21.5"), 1))
//	tok.OnComplete(func(t *mqttasync.Token) {
//	    if err := t.Error(); err != nil {
//	        log.Printf("publish failed: %v", err)
//	    }
//	})
//
// Typed tokens return the result of their request:
//
//	code, err := client.Subscribe("sensors/#", 1).Wait()
//	codes, err := client.SubscribeMany([]string{"a", "b"}, []byte{0, 1}).Wait()
//
// # Consuming Messages
//
// Messages are delivered either to a callback, to a queue, or to a stream.
// A nil message marks a connection loss:
//
//	queue := client.StartConsuming(100)
//	for {
//	    msg, err := queue.RecvContext(ctx)
//	    if err != nil {
//	        break
//	    }
//	    if msg == nil {
//	        continue // disconnected
//	    }
//	    handle(msg)
//	}
//
// # Reconnection
//
// When auto reconnect is enabled, a lost connection is retried with an
// exponentially growing delay bounded by the configured interval. After a
// successful reconnect, subscriptions are restored according to the
// ResubscribePolicy.
//
// # Properties
//
// MQTT v5.0 properties are typed by their identifier. Values of the wrong
// type are rejected with ErrTypeMismatch:
//
//	props := mqttasync.NewProperties()
//	err := props.Push(mqttasync.PropMessageExpiryInterval, uint32(60))
//	err = props.Push(mqttasync.PropUserProperty, mqttasync.StringPair{Key: "k", Value: "v"})
//
// # Topic Matching
//
//	err := mqttasync.ValidateTopicFilter("sensors/+/status")
//	matched := mqttasync.TopicMatch("sensors/#", "sensors/room1/temp")
//	shared, _ := mqttasync.ParseSharedSubscription("$share/group/topic")
//
// # Errors
//
// Request outcomes are reported with sentinel errors checked via errors.Is
// (ErrEngineRejected, ErrOperationFailed, ErrTimeout, ErrTypeMismatch,
// ErrMalformedResponse) and typed errors extracted via errors.As.
package mqttasync
