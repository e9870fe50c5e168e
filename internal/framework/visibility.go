package framework

import (
	"context"
	"errors"
	"time"
)

var errNoMessage = errors.New("no message in context")

type visibilityKey struct{}

type visibility struct {
	client  QueueClient
	queueID string
	receipt string
}

func withVisibility(ctx context.Context, client QueueClient, queueID, receipt string) context.Context {
	return context.WithValue(ctx, visibilityKey{}, &visibility{client: client, queueID: queueID, receipt: receipt})
}

// ExtendVisibility keeps the message being handled hidden for another timeout. It is
// meant for handlers that run close to the visibility timeout, and only works on the
// context passed to a HandlerFunc.
func ExtendVisibility(ctx context.Context, timeout time.Duration) error {
	v, ok := ctx.Value(visibilityKey{}).(*visibility)
	if !ok {
		return errNoMessage
	}
	return v.client.ExtendVisibility(ctx, v.queueID, v.receipt, timeout)
}
