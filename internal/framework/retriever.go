package framework

import (
	"context"
	"sync"
	"time"

	"oip/dplistener/internal/metrics"
)

const releaseTimeout = 5 * time.Second

// BatchingRetriever groups the demand of waiting callers into batch fetches. A single
// background loop is the only caller of FetchBatch: it fetches as soon as TriggerCount
// callers are waiting, or after PollingPeriod for whoever is waiting by then.
type BatchingRetriever struct {
	queue  QueueProperties
	client QueueClient
	props  RetrieverProperties
	logger Logger

	// mu guards waiting and buffer; cond wakes callers blocked in Retrieve.
	mu      sync.Mutex
	cond    *sync.Cond
	waiting int
	buffer  []*Message
	trigger chan struct{} // one-slot wake-up for the loop, written under mu

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBatchingRetriever validates props against the client's batch limit.
func NewBatchingRetriever(queue QueueProperties, client QueueClient, props RetrieverProperties, logger Logger) (*BatchingRetriever, error) {
	if queue.ID == "" {
		return nil, configErrorf("queue id is required")
	}
	if client == nil {
		return nil, configErrorf("queue client is required")
	}
	if err := props.Validate(batchLimit(client)); err != nil {
		return nil, err
	}

	if props.PollingPeriod == 0 {
		logger.Warnf(context.Background(),
			"[Retriever] No polling period set for queue %s, fetches wait until %d callers are waiting and may block indefinitely",
			queue.ID, props.TriggerCount)
	}

	r := &BatchingRetriever{
		queue:   queue,
		client:  client,
		props:   props,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Start launches the background loop. It runs until Stop is called or parentCtx ends.
func (r *BatchingRetriever) Start(parentCtx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.done != nil {
		r.logger.Warnf(parentCtx, "[Retriever] Already started for queue: %s", r.queue.ID)
		return nil
	}

	ctx, cancel := context.WithCancel(parentCtx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
	return nil
}

// Stop cancels the background loop. The returned channel is closed once the loop has
// exited; it is already closed when the retriever is not running.
func (r *BatchingRetriever) Stop() <-chan struct{} {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.done == nil {
		return closedChan()
	}

	r.cancel()
	done := r.done
	r.cancel = nil
	r.done = nil
	return done
}

// Retrieve blocks until a fetched message is available and returns it. It fails with
// ErrInterrupted when ctx is cancelled first.
func (r *BatchingRetriever) Retrieve(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting++
	metrics.RetrieverWaiting.WithLabelValues(r.queue.ID).Set(float64(r.waiting))
	defer func() {
		r.waiting--
		metrics.RetrieverWaiting.WithLabelValues(r.queue.ID).Set(float64(r.waiting))
	}()

	if r.waiting >= r.props.TriggerCount {
		select {
		case r.trigger <- struct{}{}:
			r.logger.Debugf(ctx, "[Retriever] %d callers waiting, waking fetch loop", r.waiting)
		default:
		}
	}

	r.logger.Debugf(ctx, "[Retriever] Waiting for message")
	for len(r.buffer) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, interrupted(err)
		}
		r.cond.Wait()
	}

	msg := r.buffer[0]
	r.buffer[0] = nil
	r.buffer = r.buffer[1:]
	return msg, nil
}

// Stats reports the callers currently waiting and the messages buffered but unclaimed.
func (r *BatchingRetriever) Stats() (waiting, buffered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting, len(r.buffer)
}

// loop is the background fetch loop.
func (r *BatchingRetriever) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.releaseUnclaimed(ctx)

	r.logger.Debugf(ctx, "[Retriever] Started background loop for queue: %s", r.queue.ID)

	for {
		want, ok := r.awaitDemand(ctx)
		if !ok {
			r.logger.Debugf(ctx, "[Retriever] Interrupted while waiting for demand, exiting")
			return
		}

		r.logger.Debugf(ctx, "[Retriever] Requesting %d messages", want)
		if want <= 0 {
			continue
		}

		if !r.fetch(ctx, want) {
			r.logger.Debugf(ctx, "[Retriever] Interrupted during fetch, exiting")
			return
		}
	}
}

// awaitDemand waits until enough callers are waiting or the polling period elapses, and
// returns how many messages to request.
func (r *BatchingRetriever) awaitDemand(ctx context.Context) (int, bool) {
	r.mu.Lock()
	// A signal left from before this check is stale: the condition below already sees
	// every caller that sent one.
	select {
	case <-r.trigger:
	default:
	}
	short := r.waiting-len(r.buffer) < r.props.TriggerCount
	r.mu.Unlock()

	if short && !r.waitForTrigger(ctx) {
		return 0, false
	}

	r.mu.Lock()
	want := r.waiting - len(r.buffer)
	r.mu.Unlock()

	// waiting and buffered move independently, so the difference can go negative.
	if want < 0 {
		want = 0
	}
	if want > r.props.MaxBatchSize {
		want = r.props.MaxBatchSize
	}
	return want, true
}

// waitForTrigger blocks for up to the polling period, or without limit when it is zero.
func (r *BatchingRetriever) waitForTrigger(ctx context.Context) bool {
	var timeout <-chan time.Time
	if r.props.PollingPeriod > 0 {
		timer := time.NewTimer(r.props.PollingPeriod)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-r.trigger:
		return true
	case <-timeout:
		return true
	}
}

// fetch issues one FetchBatch call and buffers the result. It returns false once the
// loop should exit.
func (r *BatchingRetriever) fetch(ctx context.Context, want int) bool {
	metrics.FetchRequests.WithLabelValues(r.queue.ID).Inc()
	metrics.FetchBatchSize.WithLabelValues(r.queue.ID).Observe(float64(want))

	msgs, err := r.client.FetchBatch(ctx, r.queue.ID, want, r.props.MaxWaitTime, r.props.VisibilityTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.FetchErrors.WithLabelValues(r.queue.ID).Inc()
		r.logger.Warnf(ctx, "[Retriever] Fetch error on queue %s: %v, retrying...", r.queue.ID, err)
		return r.backoff(ctx)
	}

	if len(msgs) > 0 {
		metrics.MessagesFetched.WithLabelValues(r.queue.ID).Add(float64(len(msgs)))
		r.push(msgs)
	}

	return ctx.Err() == nil
}

func (r *BatchingRetriever) push(msgs []*Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if msg.Queue == "" {
			msg.Queue = r.queue.ID
		}
		r.buffer = append(r.buffer, msg)
	}
	r.cond.Broadcast()
}

func (r *BatchingRetriever) backoff(ctx context.Context) bool {
	if r.props.ErrorBackoff <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(r.props.ErrorBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// releaseUnclaimed runs when the loop exits. Buffered messages stay claimable unless
// ReleaseUnclaimedOnStop is set, in which case they are made visible again right away.
func (r *BatchingRetriever) releaseUnclaimed(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	if !r.props.ReleaseUnclaimedOnStop {
		n := len(r.buffer)
		r.mu.Unlock()
		r.logger.Infof(ctx, "[Retriever] Stopped with %d unclaimed messages buffered for queue: %s", n, r.queue.ID)
		return
	}
	unclaimed := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released := 0
	for _, msg := range unclaimed {
		if err := r.client.ExtendVisibility(releaseCtx, r.queue.ID, msg.ReceiptToken, 0); err != nil {
			r.logger.Warnf(ctx, "[Retriever] Release message %s failed: %v", msg.ID, err)
			continue
		}
		released++
	}
	r.logger.Infof(ctx, "[Retriever] Released %d/%d unclaimed messages for queue: %s", released, len(unclaimed), r.queue.ID)
}
