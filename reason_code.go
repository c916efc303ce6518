package mqttasync

// ReasonCode represents an MQTT v5.0 reason code reported by the broker.
// MQTT v5.0 spec: Section 2.4
type ReasonCode byte

// Reason codes as defined in MQTT v5.0 specification.
// MQTT v5.0 spec: Section 2.4
const (
	// Success / Normal disconnection / Granted QoS 0
	ReasonSuccess ReasonCode = 0x00
	// Granted QoS 1
	ReasonGrantedQoS1 ReasonCode = 0x01
	// Granted QoS 2
	ReasonGrantedQoS2 ReasonCode = 0x02
	// Disconnect with Will Message
	ReasonDisconnectWithWill ReasonCode = 0x04
	// No matching subscribers
	ReasonNoMatchingSubscribers ReasonCode = 0x10
	// No subscription existed
	ReasonNoSubscriptionExisted ReasonCode = 0x11
	// Continue authentication
	ReasonContinueAuth ReasonCode = 0x18
	// Re-authenticate
	ReasonReAuth ReasonCode = 0x19
	// Unspecified error
	ReasonUnspecifiedError ReasonCode = 0x80
	// Malformed Packet
	ReasonMalformedPacket ReasonCode = 0x81
	// Protocol Error
	ReasonProtocolError ReasonCode = 0x82
	// Implementation specific error
	ReasonImplSpecificError ReasonCode = 0x83
	// Unsupported Protocol Version
	ReasonUnsupportedProtocolVersion ReasonCode = 0x84
	// Client Identifier not valid
	ReasonClientIDNotValid ReasonCode = 0x85
	// Bad User Name or Password
	ReasonBadUserNameOrPassword ReasonCode = 0x86
	// Not authorized
	ReasonNotAuthorized ReasonCode = 0x87
	// Server unavailable
	ReasonServerUnavailable ReasonCode = 0x88
	// Server busy
	ReasonServerBusy ReasonCode = 0x89
	// Banned
	ReasonBanned ReasonCode = 0x8A
	// Server shutting down
	ReasonServerShuttingDown ReasonCode = 0x8B
	// Bad authentication method
	ReasonBadAuthMethod ReasonCode = 0x8C
	// Keep Alive timeout
	ReasonKeepAliveTimeout ReasonCode = 0x8D
	// Session taken over
	ReasonSessionTakenOver ReasonCode = 0x8E
	// Topic Filter invalid
	ReasonTopicFilterInvalid ReasonCode = 0x8F
	// Topic Name invalid
	ReasonTopicNameInvalid ReasonCode = 0x90
	// Packet Identifier in use
	ReasonPacketIDInUse ReasonCode = 0x91
	// Packet Identifier not found
	ReasonPacketIDNotFound ReasonCode = 0x92
	// Receive Maximum exceeded
	ReasonReceiveMaxExceeded ReasonCode = 0x93
	// Topic Alias invalid
	ReasonTopicAliasInvalid ReasonCode = 0x94
	// Packet too large
	ReasonPacketTooLarge ReasonCode = 0x95
	// Message rate too high
	ReasonMessageRateTooHigh ReasonCode = 0x96
	// Quota exceeded
	ReasonQuotaExceeded ReasonCode = 0x97
	// Administrative action
	ReasonAdminAction ReasonCode = 0x98
	// Payload format invalid
	ReasonPayloadFormatInvalid ReasonCode = 0x99
	// Retain not supported
	ReasonRetainNotSupported ReasonCode = 0x9A
	// QoS not supported
	ReasonQoSNotSupported ReasonCode = 0x9B
	// Use another server
	ReasonUseAnotherServer ReasonCode = 0x9C
	// Server moved
	ReasonServerMoved ReasonCode = 0x9D
	// Shared Subscriptions not supported
	ReasonSharedSubsNotSupported ReasonCode = 0x9E
	// Connection rate exceeded
	ReasonConnectionRateExceeded ReasonCode = 0x9F
	// Maximum connect time
	ReasonMaxConnectTime ReasonCode = 0xA0
	// Subscription Identifiers not supported
	ReasonSubIDsNotSupported ReasonCode = 0xA1
	// Wildcard Subscriptions not supported
	ReasonWildcardSubsNotSupported ReasonCode = 0xA2
)

var reasonCodeStrings = map[ReasonCode]string{
	ReasonSuccess:                    "Success",
	ReasonGrantedQoS1:                "Granted QoS 1",
	ReasonGrantedQoS2:                "Granted QoS 2",
	ReasonDisconnectWithWill:         "Disconnect with Will Message",
	ReasonNoMatchingSubscribers:      "No matching subscribers",
	ReasonNoSubscriptionExisted:      "No subscription existed",
	ReasonContinueAuth:               "Continue authentication",
	ReasonReAuth:                     "Re-authenticate",
	ReasonUnspecifiedError:           "Unspecified error",
	ReasonMalformedPacket:            "Malformed Packet",
	ReasonProtocolError:              "Protocol Error",
	ReasonImplSpecificError:          "Implementation specific error",
	ReasonUnsupportedProtocolVersion: "Unsupported Protocol Version",
	ReasonClientIDNotValid:           "Client Identifier not valid",
	ReasonBadUserNameOrPassword:      "Bad User Name or Password",
	ReasonNotAuthorized:              "Not authorized",
	ReasonServerUnavailable:          "Server unavailable",
	ReasonServerBusy:                 "Server busy",
	ReasonBanned:                     "Banned",
	ReasonServerShuttingDown:         "Server shutting down",
	ReasonBadAuthMethod:              "Bad authentication method",
	ReasonKeepAliveTimeout:           "Keep Alive timeout",
	ReasonSessionTakenOver:           "Session taken over",
	ReasonTopicFilterInvalid:         "Topic Filter invalid",
	ReasonTopicNameInvalid:           "Topic Name invalid",
	ReasonPacketIDInUse:              "Packet Identifier in use",
	ReasonPacketIDNotFound:           "Packet Identifier not found",
	ReasonReceiveMaxExceeded:         "Receive Maximum exceeded",
	ReasonTopicAliasInvalid:          "Topic Alias invalid",
	ReasonPacketTooLarge:             "Packet too large",
	ReasonMessageRateTooHigh:         "Message rate too high",
	ReasonQuotaExceeded:              "Quota exceeded",
	ReasonAdminAction:                "Administrative action",
	ReasonPayloadFormatInvalid:       "Payload format invalid",
	ReasonRetainNotSupported:         "Retain not supported",
	ReasonQoSNotSupported:            "QoS not supported",
	ReasonUseAnotherServer:           "Use another server",
	ReasonServerMoved:                "Server moved",
	ReasonSharedSubsNotSupported:     "Shared Subscriptions not supported",
	ReasonConnectionRateExceeded:     "Connection rate exceeded",
	ReasonMaxConnectTime:             "Maximum connect time",
	ReasonSubIDsNotSupported:         "Subscription Identifiers not supported",
	ReasonWildcardSubsNotSupported:   "Wildcard Subscriptions not supported",
}

// String returns the human-readable description of the reason code.
func (r ReasonCode) String() string {
	if s, ok := reasonCodeStrings[r]; ok {
		return s
	}
	return "Unknown reason code"
}

// IsError returns true if the reason code indicates an error (>= 0x80).
func (r ReasonCode) IsError() bool {
	return r >= 0x80
}

// IsSuccess returns true if the reason code indicates success (< 0x80).
func (r ReasonCode) IsSuccess() bool {
	return r < 0x80
}

// GrantedQoS returns the QoS level granted by a SUBACK reason code and
// whether the subscription was accepted at all.
func (r ReasonCode) GrantedQoS() (byte, bool) {
	if r > ReasonGrantedQoS2 {
		return 0, false
	}
	return byte(r), true
}

// ConnackFromV3 maps an MQTT 3.1.1 CONNACK return code onto the
// equivalent v5 reason code.
func ConnackFromV3(code byte) ReasonCode {
	switch code {
	case 0:
		return ReasonSuccess
	case 1:
		return ReasonUnsupportedProtocolVersion
	case 2:
		return ReasonClientIDNotValid
	case 3:
		return ReasonServerUnavailable
	case 4:
		return ReasonBadUserNameOrPassword
	case 5:
		return ReasonNotAuthorized
	default:
		return ReasonUnspecifiedError
	}
}

// ResultCode is the numeric outcome of an asynchronous operation.
//
// Zero is success. Negative values are raised by the protocol engine itself
// (the request never reached the broker or the connection failed). Positive
// values carry the MQTT reason code returned by the broker.
type ResultCode int

// Engine result codes.
const (
	ResultSuccess             ResultCode = 0
	ResultFailure             ResultCode = -1
	ResultPersistenceError    ResultCode = -2
	ResultDisconnected        ResultCode = -3
	ResultMaxMessagesInflight ResultCode = -4
	ResultBadUTF8             ResultCode = -5
	ResultNullParameter       ResultCode = -6
	ResultTopicNameTruncated  ResultCode = -7
	ResultBadStructure        ResultCode = -8
	ResultBadQoS              ResultCode = -9
	ResultNoMoreMessageIDs    ResultCode = -10
	ResultOperationIncomplete ResultCode = -11
	ResultMaxBufferedMessages ResultCode = -12
	ResultSSLNotSupported     ResultCode = -13
	ResultBadProtocol         ResultCode = -14
	ResultBadMQTTOption       ResultCode = -15
	ResultWrongMQTTVersion    ResultCode = -16
	ResultZeroLengthWillTopic ResultCode = -17
	ResultCommandIgnored      ResultCode = -18
	ResultRateLimited         ResultCode = -19
)

var resultCodeStrings = map[ResultCode]string{
	ResultSuccess:             "Success",
	ResultFailure:             "Failure",
	ResultPersistenceError:    "Persistence error",
	ResultDisconnected:        "Client disconnected",
	ResultMaxMessagesInflight: "Maximum in-flight messages reached",
	ResultBadUTF8:             "Invalid UTF-8 string",
	ResultNullParameter:       "Missing parameter",
	ResultTopicNameTruncated:  "Topic name truncated",
	ResultBadStructure:        "Invalid request structure",
	ResultBadQoS:              "Invalid QoS",
	ResultNoMoreMessageIDs:    "No more message identifiers",
	ResultOperationIncomplete: "Operation incomplete",
	ResultMaxBufferedMessages: "Maximum buffered messages reached",
	ResultSSLNotSupported:     "TLS not supported",
	ResultBadProtocol:         "Invalid protocol scheme",
	ResultBadMQTTOption:       "Invalid MQTT option",
	ResultWrongMQTTVersion:    "Option not valid for this MQTT version",
	ResultZeroLengthWillTopic: "Zero length will topic",
	ResultCommandIgnored:      "Command ignored",
	ResultRateLimited:         "Publish rate limit exceeded",
}

// String returns the human-readable description of the result code.
func (c ResultCode) String() string {
	if c > 0 {
		if rc, ok := c.Reason(); ok {
			return rc.String()
		}
	}
	if s, ok := resultCodeStrings[c]; ok {
		return s
	}
	return "Unknown result code"
}

// Reason returns the broker reason code carried by a positive result code.
func (c ResultCode) Reason() (ReasonCode, bool) {
	if c <= 0 || c > 0xFF {
		return 0, false
	}
	return ReasonCode(c), true
}

// IsSuccess reports whether the code means the operation succeeded.
func (c ResultCode) IsSuccess() bool {
	return c == ResultSuccess
}

// ResultFromReason converts a broker reason code into a result code.
func ResultFromReason(rc ReasonCode) ResultCode {
	return ResultCode(rc)
}
