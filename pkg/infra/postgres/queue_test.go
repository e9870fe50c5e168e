package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DSNEnv points the integration tests at a disposable database.
const DSNEnv = "DPLISTENER_TEST_POSTGRES_DSN"

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", DSNEnv)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	q := New(pool, 20*time.Millisecond)
	require.NoError(t, q.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "DELETE FROM dplistener_messages WHERE queue LIKE 'test-%'")
	require.NoError(t, err)
	return q
}

func TestToInterval(t *testing.T) {
	assert.Equal(t, "1.500000s", toInterval(1500*time.Millisecond))
	assert.Equal(t, "0.000000s", toInterval(0))
}

func TestQueueClaimDeleteFlow(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		_, err := q.Publish(ctx, "test-flow", []byte(body), 0)
		require.NoError(t, err)
	}

	msgs, err := q.FetchBatch(ctx, "test-flow", 2, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].Attempts)

	rest, err := q.FetchBatch(ctx, "test-flow", 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	require.NoError(t, q.Delete(ctx, "test-flow", msgs[0].ReceiptToken))
	assert.ErrorIs(t, q.Delete(ctx, "test-flow", msgs[0].ReceiptToken), ErrReceiptNotFound)
}

func TestQueueReleaseAndExtend(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.Publish(ctx, "test-release", []byte("a"), 0)
	require.NoError(t, err)

	msgs, err := q.FetchBatch(ctx, "test-release", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ExtendVisibility(ctx, "test-release", msgs[0].ReceiptToken, 2*time.Minute))
	require.NoError(t, q.ExtendVisibility(ctx, "test-release", msgs[0].ReceiptToken, 0))

	again, err := q.FetchBatch(ctx, "test-release", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
	assert.NotEqual(t, msgs[0].ReceiptToken, again[0].ReceiptToken)

	// The first receipt is stale after the message was claimed again.
	assert.ErrorIs(t, q.Delete(ctx, "test-release", msgs[0].ReceiptToken), ErrReceiptNotFound)
}

func TestQueueLongPollWaits(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = q.Publish(ctx, "test-poll", []byte("late"), 0)
	}()

	began := time.Now()
	msgs, err := q.FetchBatch(ctx, "test-poll", 1, 2*time.Second, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.GreaterOrEqual(t, time.Since(began), 90*time.Millisecond)

	empty, err := q.FetchBatch(ctx, "test-poll", 1, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
