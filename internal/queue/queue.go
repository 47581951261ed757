// Package queue implements the bounded blocking MPMC handoff between
// converter and publisher stages, built on a buffered Go channel plus a
// context/timeout-aware dequeue helper.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vectorfeed/vectorfeed/internal/convert"
	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// IpcQueue is a bounded, closeable MPMC queue of convert.IpcMessage
// values. Enqueue blocks while full; DequeueTimed blocks up to a
// timeout and reports (zero, false) on timeout rather than erroring.
type IpcQueue struct {
	ch chan convert.IpcMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func New(capacity int) *IpcQueue {
	return &IpcQueue{
		ch:     make(chan convert.IpcMessage, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue blocks until there is room, ctx is done, or the queue is
// closed.
func (q *IpcQueue) Enqueue(ctx context.Context, msg convert.IpcMessage) error {
	select {
	case <-q.closed:
		return errs.New(errs.QueueClosed, "queue.IpcQueue.Enqueue", errQueueClosed)
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.closed:
		return errs.New(errs.QueueClosed, "queue.IpcQueue.Enqueue", errQueueClosed)
	case <-ctx.Done():
		return errs.New(errs.Timeout, "queue.IpcQueue.Enqueue", ctx.Err())
	}
}

// DequeueTimed waits up to timeout for an item, returning ok=false on
// timeout; publisher loops treat timeouts as routine, not as errors.
func (q *IpcQueue) DequeueTimed(timeout time.Duration) (convert.IpcMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return convert.IpcMessage{}, false
		}
		return msg, true
	case <-timer.C:
		return convert.IpcMessage{}, false
	}
}

// Close makes later Enqueue calls return QueueClosed and wakes any that
// are blocked; already enqueued items remain available to DequeueTimed
// until drained, after which it returns ok=false at its timeout.
func (q *IpcQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len reports the number of items currently queued, for /stats and
// admin RPC reporting.
func (q *IpcQueue) Len() int {
	return len(q.ch)
}

type errQueueClosedT struct{}

func (errQueueClosedT) Error() string { return "queue: closed" }

var errQueueClosed = errQueueClosedT{}
