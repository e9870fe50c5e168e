package framework

import (
	"context"
	"time"
)

// DefaultBatchLimit is the receive limit of SQS-style protocols, used when the client
// does not implement BatchLimiter.
const DefaultBatchLimit = 10

// QueueClient is the remote queue capability the core needs.
type QueueClient interface {
	// FetchBatch long-polls for up to maxCount messages. It may return fewer, including none,
	// once waitTime has elapsed.
	FetchBatch(ctx context.Context, queueID string, maxCount int, waitTime, visibilityTimeout time.Duration) ([]*Message, error)

	// Delete acknowledges a message, consuming its receipt token.
	Delete(ctx context.Context, queueID string, receiptToken string) error

	// ExtendVisibility changes how long the message stays hidden from other consumers.
	ExtendVisibility(ctx context.Context, queueID string, receiptToken string, timeout time.Duration) error
}

// BatchLimiter is implemented by clients whose protocol caps FetchBatch's maxCount.
type BatchLimiter interface {
	BatchLimit() int
}

// Logger is the logging dependency of the framework.
type Logger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
	Infof(ctx context.Context, format string, args ...interface{})
	Warnf(ctx context.Context, format string, args ...interface{})
	Errorf(ctx context.Context, format string, args ...interface{})
}

// HandlerFunc is the user logic for one message. A nil error deletes the message; an
// error (or a panic) leaves it for redelivery.
type HandlerFunc func(ctx context.Context, msg *Message) error

// OutcomeListener observes processed messages.
type OutcomeListener interface {
	OnOutcome(ctx context.Context, event OutcomeEvent)
}

// Retriever hands fetched messages to workers.
type Retriever interface {
	Start(ctx context.Context) error
	Stop() <-chan struct{}
	Retrieve(ctx context.Context) (*Message, error)
}

func batchLimit(client QueueClient) int {
	if l, ok := client.(BatchLimiter); ok && l.BatchLimit() > 0 {
		return l.BatchLimit()
	}
	return DefaultBatchLimit
}

// closedChan is returned by Stop calls on components that are not running.
func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
