package mqttasync

import (
	"errors"
	"fmt"
)

// Sentinel errors for request outcomes - check with errors.Is().
var (
	// ErrEngineRejected is returned when the protocol engine refused a request
	// synchronously, before anything was sent to the broker.
	ErrEngineRejected = errors.New("request rejected by engine")

	// ErrOperationFailed is returned when the engine accepted a request but it
	// failed asynchronously.
	ErrOperationFailed = errors.New("operation failed")

	// ErrTimeout is returned when a bounded wait expired before the operation
	// completed. The operation itself keeps running.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrTypeMismatch is returned when a property value does not have the type
	// mandated by its identifier.
	ErrTypeMismatch = errors.New("property value type mismatch")

	// ErrMalformedResponse is returned when an engine response does not have
	// the shape expected for the request that produced it.
	ErrMalformedResponse = errors.New("malformed engine response")

	// ErrChannelClosed is returned when a message could not be delivered
	// because the consuming queue or stream was closed.
	ErrChannelClosed = errors.New("message channel closed")
)

// Sentinel errors for client operations - check with errors.Is().
var (
	// ErrNoConnectOptions is returned by Reconnect when Connect was never called.
	ErrNoConnectOptions = errors.New("no stored connect options")

	// ErrRateLimited is returned by TryPublish when the publish rate limit is exceeded.
	ErrRateLimited = errors.New("publish rate limit exceeded")

	// ErrMessageDropped is returned when a producer interceptor discarded the message.
	ErrMessageDropped = errors.New("message dropped by interceptor")

	// ErrNilMessage is returned when publishing a nil message.
	ErrNilMessage = errors.New("nil message")
)

// Sentinel events for connection lifecycle - check with errors.Is().
var (
	// ErrConnectionLost is passed to the connection-lost callback.
	ErrConnectionLost = errors.New("connection lost")

	// ErrServerDisconnect marks a disconnection initiated by the broker.
	ErrServerDisconnect = errors.New("server disconnect")
)

// EngineRejectedError contains the result code of a synchronous rejection.
// Extract with errors.As().
type EngineRejectedError struct {
	Code ResultCode
}

// NewEngineRejectedError creates a new EngineRejectedError.
func NewEngineRejectedError(code ResultCode) *EngineRejectedError {
	return &EngineRejectedError{Code: code}
}

func (e *EngineRejectedError) Error() string {
	return fmt.Sprintf("request rejected by engine: %s (%d)", e.Code, int(e.Code))
}

func (e *EngineRejectedError) Unwrap() error { return ErrEngineRejected }

// OperationFailedError contains details about an asynchronous failure.
// Extract with errors.As().
type OperationFailedError struct {
	Code   ResultCode
	Detail string
}

func (e *OperationFailedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("operation failed: %s (%d): %s", e.Code, int(e.Code), e.Detail)
	}
	return fmt.Sprintf("operation failed: %s (%d)", e.Code, int(e.Code))
}

func (e *OperationFailedError) Unwrap() error { return ErrOperationFailed }

// TypeMismatchError reports a property constructed with the wrong value type.
// Extract with errors.As().
type TypeMismatchError struct {
	ID    PropertyID
	Want  PropertyType
	Value any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("property %s requires %s value, got %T", e.ID, e.Want, e.Value)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// MalformedResponseError reports a response whose payload variant does not
// belong to the request kind. Extract with errors.As().
type MalformedResponseError struct {
	Request RequestKind
	Got     Result
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed engine response: %s request completed with %T", e.Request, e.Got)
}

func (e *MalformedResponseError) Unwrap() error { return ErrMalformedResponse }

// PublishError is returned by TryPublish when the message could not be
// handed to the engine. The original message is returned for a retry.
type PublishError struct {
	Err     error
	Message *Message
}

func (e *PublishError) Error() string {
	if e.Message != nil {
		return fmt.Sprintf("publish to %q failed: %v", e.Message.Topic, e.Err)
	}
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConnectionLostError contains details about an unexpected disconnection.
// Extract with errors.As().
type ConnectionLostError struct {
	Cause string
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != "" {
		return "connection lost: " + e.Cause
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return ErrConnectionLost }

// resultCodeOf extracts the result code carried by err.
func resultCodeOf(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	var rejected *EngineRejectedError
	if errors.As(err, &rejected) {
		return rejected.Code
	}
	var failed *OperationFailedError
	if errors.As(err, &failed) {
		return failed.Code
	}
	if errors.Is(err, ErrRateLimited) {
		return ResultRateLimited
	}
	return ResultFailure
}

// asRejection normalises a synchronous engine error. Errors that already
// carry a code pass through; anything else becomes a generic rejection.
func asRejection(err error) error {
	var rejected *EngineRejectedError
	if errors.As(err, &rejected) {
		return err
	}
	return fmt.Errorf("%w: %w", NewEngineRejectedError(ResultFailure), err)
}
