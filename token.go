package mqttasync

import (
	"context"
	"sync"
	"time"
)

// Token tracks the outcome of one asynchronous request.
//
// A token completes exactly once. Completion happens on the engine's
// callback goroutine; any number of goroutines may wait, poll or register
// callbacks concurrently with it.
//
// Example (blocking wait):
//
//	tok := client.Publish(mqttasync.NewMessage("topic", []byte("data"), 1))
//	if err := tok.WaitTimeout(5 * time.Second); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// Example (non-blocking with select):
//
//	select {
//	case <-tok.Done():
//	    if err := tok.Error(); err != nil {
//	        log.Printf("failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("still pending")
//	}
type Token struct {
	kind   RequestKind
	logger Logger

	mu        sync.Mutex
	completed bool
	done      chan struct{}
	code      ResultCode
	err       error
	resp      *Response
	callbacks []func(*Token)
}

func newToken(kind RequestKind, logger Logger) *Token {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Token{
		kind:   kind,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// newFailedToken returns a token that is already complete with err.
func newFailedToken(kind RequestKind, logger Logger, err error) *Token {
	t := newToken(kind, logger)
	t.finish(resultCodeOf(err), err, nil)
	return t
}

// newCompletedToken returns a token that already completed successfully.
func newCompletedToken(kind RequestKind, logger Logger) *Token {
	t := newToken(kind, logger)
	t.finish(ResultSuccess, nil, nil)
	return t
}

// complete records the engine's outcome. A non-zero code becomes an
// *OperationFailedError carrying detail. It returns false, leaving the
// token untouched, if the token was already complete.
func (t *Token) complete(code ResultCode, detail string, resp *Response) bool {
	var err error
	if code != ResultSuccess {
		err = &OperationFailedError{Code: code, Detail: detail}
	}
	return t.finish(code, err, resp)
}

// fail completes the token with an error that is not a plain engine result,
// such as a malformed response.
func (t *Token) fail(err error) bool {
	return t.finish(resultCodeOf(err), err, nil)
}

func (t *Token) finish(code ResultCode, err error, resp *Response) bool {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		t.logger.Warn("token completed twice, ignoring", LogFields{
			LogFieldRequest:    t.kind.String(),
			LogFieldResultCode: int(code),
		})
		return false
	}

	t.completed = true
	t.code = code
	t.err = err
	t.resp = resp
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(t)
	}
	return true
}

// Kind returns the kind of request the token belongs to.
func (t *Token) Kind() RequestKind {
	return t.kind
}

// Done returns a channel that is closed when the token completes.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// IsComplete reports whether the token has completed.
func (t *Token) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Poll returns the outcome without blocking. done is false while the
// request is outstanding; use Done or OnComplete to be notified.
func (t *Token) Poll() (done bool, result Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.completed {
		return false, nil, nil
	}
	return true, t.result(), t.err
}

// OnComplete registers fn to run once the token completes. If it already
// has, fn runs immediately on the calling goroutine. Otherwise it runs on
// the goroutine that completes the token, so it must not block.
func (t *Token) OnComplete(fn func(*Token)) {
	t.mu.Lock()
	if !t.completed {
		t.callbacks = append(t.callbacks, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	fn(t)
}

// Wait blocks until the token completes and returns its error. It waits
// forever if the engine never reports the outcome.
func (t *Token) Wait() error {
	<-t.done
	return t.Error()
}

// WaitTimeout waits at most d. It returns ErrTimeout if the token is still
// outstanding; the request is not cancelled and the token stays usable.
func (t *Token) WaitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.Error()
	case <-timer.C:
		return ErrTimeout
	}
}

// WaitContext waits until the token completes or ctx is done.
func (t *Token) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Error returns the failure of a completed token, or nil.
func (t *Token) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ResultCode returns the result code of a completed token.
func (t *Token) ResultCode() ResultCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

// ReasonCode returns the reason code the broker reported, if any.
func (t *Token) ReasonCode() ReasonCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resp == nil {
		return ReasonSuccess
	}
	return t.resp.ReasonCode
}

// Properties returns a copy of the response properties, or nil.
func (t *Token) Properties() *Properties {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resp == nil {
		return nil
	}
	return t.resp.Properties.Clone()
}

// Result returns the payload of a completed token, or nil.
func (t *Token) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result()
}

func (t *Token) result() Result {
	if t.resp == nil {
		return nil
	}
	return t.resp.Result
}

// outcome waits for completion and returns the payload.
func (t *Token) outcome(wait func() error) (Result, error) {
	if err := wait(); err != nil {
		return nil, err
	}
	return t.Result(), nil
}

// ConnectToken is returned by Connect and Reconnect.
type ConnectToken struct {
	*Token
}

// Wait blocks until the connect completes.
func (t *ConnectToken) Wait() (*ConnectResult, error) {
	return connectResult(t.outcome(t.Token.Wait))
}

// WaitTimeout waits at most d for the connect to complete.
func (t *ConnectToken) WaitTimeout(d time.Duration) (*ConnectResult, error) {
	return connectResult(t.outcome(func() error { return t.Token.WaitTimeout(d) }))
}

// WaitContext waits for the connect to complete or ctx to be done.
func (t *ConnectToken) WaitContext(ctx context.Context) (*ConnectResult, error) {
	return connectResult(t.outcome(func() error { return t.Token.WaitContext(ctx) }))
}

// SessionPresent reports whether the broker resumed a previous session.
// It is false until the token completes successfully.
func (t *ConnectToken) SessionPresent() bool {
	r, ok := t.Result().(*ConnectResult)
	return ok && r != nil && r.SessionPresent
}

func connectResult(res Result, err error) (*ConnectResult, error) {
	if err != nil {
		return nil, err
	}
	r, ok := res.(*ConnectResult)
	if !ok || r == nil {
		return nil, &MalformedResponseError{Request: RequestConnect, Got: res}
	}
	return r, nil
}

// SubscribeToken is returned by Subscribe.
type SubscribeToken struct {
	*Token
}

// Wait blocks until the subscribe completes and returns the granted QoS.
func (t *SubscribeToken) Wait() (ReasonCode, error) {
	return subscribeResult(t.outcome(t.Token.Wait))
}

// WaitTimeout waits at most d for the subscribe to complete.
func (t *SubscribeToken) WaitTimeout(d time.Duration) (ReasonCode, error) {
	return subscribeResult(t.outcome(func() error { return t.Token.WaitTimeout(d) }))
}

// WaitContext waits for the subscribe to complete or ctx to be done.
func (t *SubscribeToken) WaitContext(ctx context.Context) (ReasonCode, error) {
	return subscribeResult(t.outcome(func() error { return t.Token.WaitContext(ctx) }))
}

func subscribeResult(res Result, err error) (ReasonCode, error) {
	if err != nil {
		return ReasonUnspecifiedError, err
	}
	r, ok := res.(*SubscribeResult)
	if !ok || r == nil {
		return ReasonUnspecifiedError, &MalformedResponseError{Request: RequestSubscribe, Got: res}
	}
	return r.GrantedQoS, nil
}

// SubscribeManyToken is returned by SubscribeMany.
type SubscribeManyToken struct {
	*Token
}

// Wait blocks until the subscribe completes and returns the granted QoS per
// filter, in request order.
func (t *SubscribeManyToken) Wait() ([]ReasonCode, error) {
	return subscribeManyResult(t.outcome(t.Token.Wait))
}

// WaitTimeout waits at most d for the subscribe to complete.
func (t *SubscribeManyToken) WaitTimeout(d time.Duration) ([]ReasonCode, error) {
	return subscribeManyResult(t.outcome(func() error { return t.Token.WaitTimeout(d) }))
}

// WaitContext waits for the subscribe to complete or ctx to be done.
func (t *SubscribeManyToken) WaitContext(ctx context.Context) ([]ReasonCode, error) {
	return subscribeManyResult(t.outcome(func() error { return t.Token.WaitContext(ctx) }))
}

func subscribeManyResult(res Result, err error) ([]ReasonCode, error) {
	if err != nil {
		return nil, err
	}
	r, ok := res.(*SubscribeManyResult)
	if !ok || r == nil {
		return nil, &MalformedResponseError{Request: RequestSubscribeMany, Got: res}
	}
	return append([]ReasonCode(nil), r.GrantedQoS...), nil
}

// DeliveryToken is returned by Publish and TryPublish.
type DeliveryToken struct {
	*Token
	msg *Message
}

// Message returns the message being delivered.
func (t *DeliveryToken) Message() *Message {
	return t.msg
}
