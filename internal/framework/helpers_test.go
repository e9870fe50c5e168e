package framework_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/logger"
)

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.NewFromZap(zap.New(core)), logs
}

func nopLogger() logger.Logger {
	return logger.NewFromZap(zap.NewNop())
}

// waitClosed fails the test if ch is not closed within d.
func waitClosed(t *testing.T, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("channel not closed within %v", d)
	}
}

type retrieved struct {
	msg *framework.Message
	err error
}

// retrieveAsync calls Retrieve in a goroutine and reports the result on the channel.
func retrieveAsync(ctx context.Context, r framework.Retriever) <-chan retrieved {
	out := make(chan retrieved, 1)
	go func() {
		msg, err := r.Retrieve(ctx)
		out <- retrieved{msg: msg, err: err}
	}()
	return out
}

func waitForWaiting(t *testing.T, r *framework.BatchingRetriever, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		waiting, _ := r.Stats()
		return waiting == n
	}, time.Second, 2*time.Millisecond)
}
