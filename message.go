package mqttasync

import "bytes"

// Message is an application message published by the client or delivered to
// it by the engine.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Duplicate is set by the engine on redelivered messages.
	Duplicate bool

	// Properties carries the v5 publish properties (content type, response
	// topic, correlation data, user properties, ...). May be nil.
	Properties *Properties
}

// NewMessage creates a message with the given topic, payload and QoS.
func NewMessage(topic string, payload []byte, qos byte) *Message {
	return &Message{Topic: topic, Payload: payload, QoS: qos}
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	return &Message{
		Topic:      m.Topic,
		Payload:    bytes.Clone(m.Payload),
		QoS:        m.QoS,
		Retain:     m.Retain,
		Duplicate:  m.Duplicate,
		Properties: m.Properties.Clone(),
	}
}

// props returns the property store, allocating it on first use.
func (m *Message) props() *Properties {
	if m.Properties == nil {
		m.Properties = &Properties{}
	}
	return m.Properties
}

// ContentType returns the content type property, if any.
func (m *Message) ContentType() string {
	return m.Properties.GetString(PropContentType)
}

// ResponseTopic returns the response topic property, if any.
func (m *Message) ResponseTopic() string {
	return m.Properties.GetString(PropResponseTopic)
}

// CorrelationData returns a copy of the correlation data property, if any.
func (m *Message) CorrelationData() []byte {
	return m.Properties.GetBinary(PropCorrelationData)
}

// MessageExpiry returns the message expiry interval in seconds. Zero means
// no expiry.
func (m *Message) MessageExpiry() uint32 {
	return m.Properties.GetUint32(PropMessageExpiryInterval)
}

// UserProperty returns the value of the first user property with the given key.
func (m *Message) UserProperty(key string) (string, bool) {
	return m.Properties.FindUserProperty(key)
}

// SetContentType sets the content type property.
func (m *Message) SetContentType(contentType string) *Message {
	_ = m.props().Set(PropContentType, contentType)
	return m
}

// SetResponseTopic sets the response topic property.
func (m *Message) SetResponseTopic(topic string) *Message {
	_ = m.props().Set(PropResponseTopic, topic)
	return m
}

// SetCorrelationData sets the correlation data property.
func (m *Message) SetCorrelationData(data []byte) *Message {
	_ = m.props().Set(PropCorrelationData, data)
	return m
}

// SetMessageExpiry sets the message expiry interval in seconds.
func (m *Message) SetMessageExpiry(seconds uint32) *Message {
	_ = m.props().Set(PropMessageExpiryInterval, seconds)
	return m
}

// AddUserProperty appends a user property. Keys may repeat.
func (m *Message) AddUserProperty(key, value string) *Message {
	_ = m.props().Push(PropUserProperty, StringPair{Key: key, Value: value})
	return m
}
