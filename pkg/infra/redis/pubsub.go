package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/errorutil"
	"oip/dplistener/pkg/logger"
)

const publishTimeout = 2 * time.Second

// Notifier publishes every processing outcome to a Redis channel.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  logger.Logger
}

// NewNotifier connects to Redis and checks the connection.
func NewNotifier(addr, password string, db int, channel string, log logger.Logger) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// check the connection
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Notifier{client: client, channel: channel, logger: log}, nil
}

// OutcomeNotification is the JSON published per message.
type OutcomeNotification struct {
	Listener   string `json:"listener"`
	Queue      string `json:"queue"`
	MessageID  string `json:"message_id"`
	TraceID    string `json:"trace_id"`
	Status     string `json:"status"` // SUCCEEDED/FAILED
	Deleted    bool   `json:"deleted"`
	Error      string `json:"error,omitempty"`
	ErrorCode  int    `json:"error_code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp"`
}

// NewOutcomeNotification flattens an event.
func NewOutcomeNotification(event framework.OutcomeEvent) *OutcomeNotification {
	n := &OutcomeNotification{
		Listener:   event.Listener,
		Queue:      event.Queue,
		MessageID:  event.MessageID,
		TraceID:    event.TraceID,
		Status:     "SUCCEEDED",
		Deleted:    event.Deleted,
		DurationMS: event.Duration.Milliseconds(),
		Timestamp:  event.At.Unix(),
	}
	if !event.Outcome.Succeeded() {
		classified := errorutil.Wrap(event.Outcome.Err)
		n.Status = "FAILED"
		n.Error = classified.Error()
		n.ErrorCode = classified.Code
		n.Retryable = classified.Retryable
	}
	return n
}

// OnOutcome implements framework.OutcomeListener. Publish errors are logged only.
func (p *Notifier) OnOutcome(ctx context.Context, event framework.OutcomeEvent) {
	msgJSON, err := json.Marshal(NewOutcomeNotification(event))
	if err != nil {
		p.logger.Errorf(ctx, "[Notifier] Marshal failed: %v", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.channel, msgJSON).Err(); err != nil {
		p.logger.Warnf(ctx, "[Notifier] Publish to %s failed: %v", p.channel, err)
	}
}

// Subscribe subscribes to the outcome channel.
func (p *Notifier) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Close closes the Redis connection.
func (p *Notifier) Close() error {
	return p.client.Close()
}
