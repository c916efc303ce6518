package mqttasync

// ProducerInterceptor can inspect or rewrite messages before they are
// published. Interceptors run in the order they were configured, each one
// receiving the result of the previous one. Returning nil drops the message
// and the publish fails with ErrMessageDropped.
type ProducerInterceptor interface {
	// OnSend receives the message about to be published. It is the
	// caller's message, not a copy; clone it to keep the original intact.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor can inspect or rewrite inbound messages before they
// reach the active delivery mode. Returning nil drops the message.
type ConsumerInterceptor interface {
	// OnConsume receives the arrived message. The engine's copy is never
	// passed in, so changes are local to this client.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// interceptorChain runs interceptors with panic recovery. A panicking
// interceptor is logged and skipped, leaving the message as it was.
type interceptorChain struct {
	producers []ProducerInterceptor
	consumers []ConsumerInterceptor
	logger    Logger
}

func (c *interceptorChain) onSend(msg *Message) *Message {
	for _, interceptor := range c.producers {
		if msg == nil {
			return nil
		}
		msg = c.safeSend(interceptor, msg)
	}
	return msg
}

func (c *interceptorChain) onConsume(msg *Message) *Message {
	for _, interceptor := range c.consumers {
		if msg == nil {
			return nil
		}
		msg = c.safeConsume(interceptor, msg)
	}
	return msg
}

func (c *interceptorChain) safeSend(interceptor ProducerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("producer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: r,
			})
			result = msg
		}
	}()
	return interceptor.OnSend(msg)
}

func (c *interceptorChain) safeConsume(interceptor ConsumerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: r,
			})
			result = msg
		}
	}()
	return interceptor.OnConsume(msg)
}
