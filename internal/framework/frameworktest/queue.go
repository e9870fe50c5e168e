// Package frameworktest provides an in-memory QueueClient for tests.
package frameworktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oip/dplistener/internal/framework"
)

var _ framework.QueueClient = (*Queue)(nil)

// FetchCall records one FetchBatch invocation.
type FetchCall struct {
	MaxCount          int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	At                time.Time
}

// ExtendCall records one ExtendVisibility invocation.
type ExtendCall struct {
	Receipt string
	Timeout time.Duration
}

// Queue is an in-memory queue. Fetched messages stay in flight until deleted or released
// with a zero visibility timeout; visibility timeouts are never simulated.
type Queue struct {
	mu        sync.Mutex
	name      string
	seq       int
	limit     int
	ready     []*framework.Message
	inflight  map[string]*framework.Message
	changed   chan struct{}
	fetches   []FetchCall
	deleted   []string
	extended  []ExtendCall
	fetchErrs []error
	deleteErr error
}

// NewQueue creates an empty queue called name.
func NewQueue(name string) *Queue {
	return &Queue{
		name:     name,
		limit:    framework.DefaultBatchLimit,
		inflight: make(map[string]*framework.Message),
		changed:  make(chan struct{}),
	}
}

// Publish appends one message per body and returns them.
func (q *Queue) Publish(bodies ...string) []*framework.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*framework.Message, 0, len(bodies))
	for _, body := range bodies {
		q.seq++
		msg := &framework.Message{
			ID:           fmt.Sprintf("m-%d", q.seq),
			ReceiptToken: fmt.Sprintf("r-%d", q.seq),
			Queue:        q.name,
			Body:         []byte(body),
			Attributes:   map[string]string{},
		}
		q.ready = append(q.ready, msg)
		out = append(out, msg)
	}
	q.broadcast()
	return out
}

// FailNextFetches makes the next len(errs) FetchBatch calls return errs in order.
func (q *Queue) FailNextFetches(errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchErrs = append(q.fetchErrs, errs...)
}

// SetDeleteError makes every Delete fail with err (nil restores success).
func (q *Queue) SetDeleteError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteErr = err
}

// SetBatchLimit changes the limit reported by BatchLimit.
func (q *Queue) SetBatchLimit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = n
}

// BatchLimit implements framework.BatchLimiter.
func (q *Queue) BatchLimit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// FetchBatch implements framework.QueueClient.
func (q *Queue) FetchBatch(ctx context.Context, queueID string, maxCount int, waitTime, visibilityTimeout time.Duration) ([]*framework.Message, error) {
	q.mu.Lock()
	q.fetches = append(q.fetches, FetchCall{
		MaxCount:          maxCount,
		WaitTime:          waitTime,
		VisibilityTimeout: visibilityTimeout,
		At:                time.Now(),
	})
	if len(q.fetchErrs) > 0 {
		err := q.fetchErrs[0]
		q.fetchErrs = q.fetchErrs[1:]
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	var deadline <-chan time.Time
	if waitTime > 0 {
		timer := time.NewTimer(waitTime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		msgs := q.take(maxCount)
		changed := q.changed
		q.mu.Unlock()

		if len(msgs) > 0 || waitTime <= 0 {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-changed:
		}
	}
}

// Delete implements framework.QueueClient.
func (q *Queue) Delete(_ context.Context, _ string, receiptToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleteErr != nil {
		return q.deleteErr
	}
	if _, ok := q.inflight[receiptToken]; !ok {
		return fmt.Errorf("unknown receipt %s", receiptToken)
	}
	delete(q.inflight, receiptToken)
	q.deleted = append(q.deleted, receiptToken)
	return nil
}

// ExtendVisibility implements framework.QueueClient. A zero timeout makes the message
// ready again.
func (q *Queue) ExtendVisibility(_ context.Context, _ string, receiptToken string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[receiptToken]
	if !ok {
		return fmt.Errorf("unknown receipt %s", receiptToken)
	}
	q.extended = append(q.extended, ExtendCall{Receipt: receiptToken, Timeout: timeout})
	if timeout == 0 {
		delete(q.inflight, receiptToken)
		q.ready = append(q.ready, msg)
		q.broadcast()
	}
	return nil
}

// Fetches returns every FetchBatch call so far.
func (q *Queue) Fetches() []FetchCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FetchCall(nil), q.fetches...)
}

// Deleted returns the receipt tokens deleted so far.
func (q *Queue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// Extended returns every ExtendVisibility call so far.
func (q *Queue) Extended() []ExtendCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ExtendCall(nil), q.extended...)
}

// Ready returns the number of messages waiting to be fetched.
func (q *Queue) Ready() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Queue) take(n int) []*framework.Message {
	if n > len(q.ready) {
		n = len(q.ready)
	}
	if n <= 0 {
		return nil
	}

	msgs := make([]*framework.Message, n)
	copy(msgs, q.ready[:n])
	q.ready = q.ready[n:]
	for _, msg := range msgs {
		q.inflight[msg.ReceiptToken] = msg
	}
	return msgs
}

func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}
