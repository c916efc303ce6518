package mqttasync

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

// MessageQueue is the inbound message buffer used by StartConsuming and
// GetStream. A nil message is the "no more messages" marker pushed when the
// connection goes away.
//
// A capacity of zero means unbounded. A bounded queue applies backpressure:
// push blocks while the queue is full. The marker is never blocked.
//
// After the marker the queue refuses messages until the client connects
// again, so the marker always follows every message of the lost connection.
// A message still waiting for room when the marker arrives is refused too.
type MessageQueue struct {
	mu       sync.Mutex
	items    []*Message
	capacity int
	closed   bool
	ended    bool
	epoch    uint64
	changed  chan struct{}
}

func newMessageQueue(capacity int) *MessageQueue {
	return &MessageQueue{
		capacity: max(capacity, 0),
		changed:  make(chan struct{}),
	}
}

// broadcast wakes every goroutine blocked on the queue. Caller holds mu.
func (q *MessageQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// push appends msg, blocking while a bounded queue is full. It fails with
// ErrChannelClosed once the queue is closed, or for a message arriving after
// the marker. A second marker before resume is ignored.
func (q *MessageQueue) push(msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrChannelClosed
	}
	if msg == nil {
		if !q.ended {
			q.ended = true
			q.epoch++
			q.items = append(q.items, nil)
			q.broadcast()
		}
		return nil
	}
	if q.ended {
		return ErrChannelClosed
	}

	epoch := q.epoch
	for q.capacity > 0 && len(q.items) >= q.capacity {
		wait := q.changed
		q.mu.Unlock()
		<-wait
		q.mu.Lock()
		if q.closed || q.epoch != epoch {
			return ErrChannelClosed
		}
	}

	q.items = append(q.items, msg)
	q.broadcast()
	return nil
}

// resume accepts messages again after a marker.
func (q *MessageQueue) resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ended = false
}

// close wakes all blocked goroutines. Buffered messages can still be read.
func (q *MessageQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Len returns the number of buffered entries, markers included.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether the client has stopped using the queue.
func (q *MessageQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// TryRecv returns the next entry without blocking. ok is false when the
// queue is empty. A nil message with ok true is the disconnect marker.
func (q *MessageQueue) TryRecv() (msg *Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

func (q *MessageQueue) pop() (*Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.broadcast()
	return msg, true
}

// Recv blocks until an entry is available. It returns a nil message for the
// disconnect marker and ErrChannelClosed once the queue is closed and
// drained.
func (q *MessageQueue) Recv() (*Message, error) {
	return q.RecvContext(context.Background())
}

// RecvTimeout is like Recv but gives up with ErrTimeout after d.
func (q *MessageQueue) RecvTimeout(d time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	msg, err := q.RecvContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return msg, err
}

// RecvContext is like Recv but returns ctx.Err() when ctx is done first.
func (q *MessageQueue) RecvContext(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if msg, ok := q.pop(); ok {
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrChannelClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MessageStream is the iterator style view of a MessageQueue returned by
// GetStream.
type MessageStream struct {
	queue *MessageQueue
}

// Next blocks for the next entry. A nil message without error is the
// disconnect marker.
func (s *MessageStream) Next(ctx context.Context) (*Message, error) {
	return s.queue.RecvContext(ctx)
}

// All yields messages until the disconnect marker arrives, the stream is
// closed or ctx is done.
func (s *MessageStream) All(ctx context.Context) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		for {
			msg, err := s.queue.RecvContext(ctx)
			if err != nil || msg == nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Len returns the number of buffered entries.
func (s *MessageStream) Len() int {
	return s.queue.Len()
}
