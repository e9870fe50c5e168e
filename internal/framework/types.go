package framework

import "time"

// QueueProperties identifies the queue a container listens to.
type QueueProperties struct {
	ID string // queue name or URL, as understood by the QueueClient
}

// Message is one fetched delivery.
type Message struct {
	ID           string            // delivery id
	ReceiptToken string            // needed to delete or extend visibility
	Queue        string            // queue the message was fetched from
	Body         []byte            // opaque body
	Attributes   map[string]string // opaque attributes
	Attempts     int               // delivery attempts, when the backend reports it
}

// ProcessingOutcome is the result of handling one message: success (Err == nil) or
// failure with a cause.
type ProcessingOutcome struct {
	Err error
}

// Success is the outcome of a handler that completed.
func Success() ProcessingOutcome {
	return ProcessingOutcome{}
}

// Failure is the outcome of a handler that returned or panicked with cause.
func Failure(cause error) ProcessingOutcome {
	if cause == nil {
		cause = errUnknownFailure
	}
	return ProcessingOutcome{Err: cause}
}

// Succeeded reports whether the message should be deleted.
func (o ProcessingOutcome) Succeeded() bool {
	return o.Err == nil
}

// OutcomeEvent is handed to OutcomeListeners after every processed message.
type OutcomeEvent struct {
	Listener  string
	Queue     string
	MessageID string
	TraceID   string
	Outcome   ProcessingOutcome
	Deleted   bool // delete call succeeded
	Duration  time.Duration
	At        time.Time
}
