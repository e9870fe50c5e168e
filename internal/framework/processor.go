package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oip/dplistener/internal/metrics"
	"oip/dplistener/pkg/logger"
)

const deleteTimeout = 10 * time.Second

// Processor runs the handler for one message and resolves its receipt token: delete on
// success, nothing on failure so the message reappears after its visibility timeout.
type Processor struct {
	listener  string
	queue     QueueProperties
	client    QueueClient
	handler   HandlerFunc
	listeners []OutcomeListener
	logger    Logger
}

// NewProcessor creates a processor for queue.
func NewProcessor(listener string, queue QueueProperties, client QueueClient, handler HandlerFunc, log Logger, listeners ...OutcomeListener) *Processor {
	return &Processor{
		listener:  listener,
		queue:     queue,
		client:    client,
		handler:   handler,
		listeners: listeners,
		logger:    log,
	}
}

// Process handles msg. Handler errors and panics become a Failure outcome and never
// reach the caller.
func (p *Processor) Process(ctx context.Context, msg *Message) ProcessingOutcome {
	startTime := time.Now()
	traceID := uuid.NewString()

	// 1. Context fields for logs and for ExtendVisibility
	ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
	ctx = context.WithValue(ctx, logger.MessageIDKey, msg.ID)
	ctx = context.WithValue(ctx, logger.QueueKey, p.queue.ID)
	ctx = withVisibility(ctx, p.client, p.queue.ID, msg.ReceiptToken)

	p.logger.Debugf(ctx, "[Processor] Processing message: %s", msg.ID)

	// 2. User logic
	outcome := p.invoke(ctx, msg)
	duration := time.Since(startTime)
	metrics.ProcessingDuration.WithLabelValues(p.queue.ID).Observe(duration.Seconds())

	// 3. Resolve the receipt token
	deleted := false
	if outcome.Succeeded() {
		metrics.MessagesProcessed.WithLabelValues(p.queue.ID, metrics.OutcomeSuccess).Inc()
		deleted = p.delete(ctx, msg)
		p.logger.Debugf(ctx, "[Processor] Message processed: %s, duration: %v", msg.ID, duration)
	} else {
		metrics.MessagesProcessed.WithLabelValues(p.queue.ID, metrics.OutcomeFailure).Inc()
		p.logger.Warnf(ctx, "[Processor] Message %s failed after %v, leaving for redelivery: %v", msg.ID, duration, outcome.Err)
	}

	// 4. Notify observers
	p.notify(ctx, OutcomeEvent{
		Listener:  p.listener,
		Queue:     p.queue.ID,
		MessageID: msg.ID,
		TraceID:   traceID,
		Outcome:   outcome,
		Deleted:   deleted,
		Duration:  duration,
		At:        startTime,
	})

	return outcome
}

// invoke calls the handler, turning a panic into a failure.
func (p *Processor) invoke(ctx context.Context, msg *Message) (outcome ProcessingOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf(ctx, "[Processor] Handler panic on message %s: %v", msg.ID, r)
			outcome = Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := p.handler(ctx, msg); err != nil {
		return Failure(err)
	}
	return Success()
}

// delete acknowledges msg. A failed delete is logged only: the message may come back,
// which at-least-once delivery allows.
func (p *Processor) delete(ctx context.Context, msg *Message) bool {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	if err := p.client.Delete(deleteCtx, p.queue.ID, msg.ReceiptToken); err != nil {
		metrics.DeleteFailures.WithLabelValues(p.queue.ID).Inc()
		p.logger.Errorf(ctx, "[Processor] Delete failed for message %s, it may be redelivered: %v", msg.ID, err)
		return false
	}
	return true
}

func (p *Processor) notify(ctx context.Context, event OutcomeEvent) {
	for _, l := range p.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Errorf(ctx, "[Processor] Outcome listener panic: %v", r)
				}
			}()
			l.OnOutcome(ctx, event)
		}()
	}
}
