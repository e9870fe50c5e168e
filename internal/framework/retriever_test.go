package framework_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/dplistener/internal/framework"
	"oip/dplistener/internal/framework/frameworktest"
)

func retrieverProps(trigger int, period time.Duration) framework.RetrieverProperties {
	return framework.RetrieverProperties{
		TriggerCount:      trigger,
		PollingPeriod:     period,
		VisibilityTimeout: 30 * time.Second,
		MaxBatchSize:      10,
	}
}

func newRetriever(t *testing.T, q framework.QueueClient, props framework.RetrieverProperties) *framework.BatchingRetriever {
	t.Helper()
	r, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, q, props, nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { waitClosed(t, r.Stop(), time.Second) })
	return r
}

func TestRetrieverTriggerFetchesImmediately(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a", "b", "c")
	r := newRetriever(t, q, retrieverProps(3, 2*time.Second))
	require.NoError(t, r.Start(context.Background()))

	ctx := context.Background()
	began := time.Now()
	results := []<-chan retrieved{retrieveAsync(ctx, r), retrieveAsync(ctx, r), retrieveAsync(ctx, r)}

	for _, ch := range results {
		select {
		case res := <-ch:
			require.NoError(t, res.err)
			require.NotNil(t, res.msg)
		case <-time.After(time.Second):
			t.Fatal("trigger did not cause a fetch before the polling period")
		}
	}

	fetches := q.Fetches()
	require.NotEmpty(t, fetches)
	assert.LessOrEqual(t, fetches[0].MaxCount, 3)
	assert.Less(t, fetches[0].At.Sub(began), time.Second)
}

func TestRetrieverPollingPeriodFallback(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a", "b")
	r := newRetriever(t, q, retrieverProps(5, 100*time.Millisecond))

	ctx := context.Background()
	first := retrieveAsync(ctx, r)
	second := retrieveAsync(ctx, r)
	waitForWaiting(t, r, 2)

	began := time.Now()
	require.NoError(t, r.Start(ctx))

	for _, ch := range []<-chan retrieved{first, second} {
		select {
		case res := <-ch:
			require.NoError(t, res.err)
		case <-time.After(2 * time.Second):
			t.Fatal("no fetch after the polling period")
		}
	}

	fetches := q.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, 2, fetches[0].MaxCount)
	assert.GreaterOrEqual(t, fetches[0].At.Sub(began), 90*time.Millisecond)
}

func TestRetrieverRespectsMaxBatchSize(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a", "b", "c", "d", "e")

	props := retrieverProps(1, 20*time.Millisecond)
	props.MaxBatchSize = 2
	r := newRetriever(t, q, props)

	ctx := context.Background()
	results := make([]<-chan retrieved, 5)
	for i := range results {
		results[i] = retrieveAsync(ctx, r)
	}
	waitForWaiting(t, r, 5)
	require.NoError(t, r.Start(ctx))

	seen := map[string]bool{}
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.err)
		assert.False(t, seen[res.msg.ID], "message %s delivered twice", res.msg.ID)
		seen[res.msg.ID] = true
	}
	assert.Len(t, seen, 5)

	for _, f := range q.Fetches() {
		assert.LessOrEqual(t, f.MaxCount, 2)
		assert.Greater(t, f.MaxCount, 0)
	}
}

func TestRetrieverSkipsFetchWithoutDemand(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a")
	r := newRetriever(t, q, retrieverProps(1, 10*time.Millisecond))
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, q.Fetches())
	assert.Equal(t, 1, q.Ready())
}

func TestRetrieverDeliversEachMessageOnce(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	bodies := make([]string, 40)
	for i := range bodies {
		bodies[i] = "x"
	}
	q.Publish(bodies...)

	props := retrieverProps(4, 10*time.Millisecond)
	props.MaxBatchSize = 3
	r := newRetriever(t, q, props)
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := r.Retrieve(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				total := len(seen)
				mu.Unlock()
				if total == 40 {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s", id)
	}
	for _, f := range q.Fetches() {
		assert.LessOrEqual(t, f.MaxCount, 3)
	}
}

func TestRetrieverRetriesAfterFetchError(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.FailNextFetches(errors.New("throttled"), errors.New("connection reset"))
	q.Publish("a")

	log, logs := observedLogger()
	props := retrieverProps(1, 10*time.Millisecond)
	props.ErrorBackoff = 5 * time.Millisecond
	r, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, q, props, log)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	select {
	case res := <-retrieveAsync(context.Background(), r):
		require.NoError(t, res.err)
		assert.Equal(t, "a", string(res.msg.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not recover from fetch errors")
	}

	assert.GreaterOrEqual(t, len(q.Fetches()), 3)
	assert.Equal(t, 2, logs.FilterMessageSnippet("Fetch error").Len())

	waitClosed(t, r.Stop(), time.Second)
}

func TestRetrieveInterruptedByContext(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	r := newRetriever(t, q, retrieverProps(1, 10*time.Millisecond))
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch := retrieveAsync(ctx, r)
	waitForWaiting(t, r, 1)
	cancel()

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.err, framework.ErrInterrupted)
		assert.Nil(t, res.msg)
	case <-time.After(time.Second):
		t.Fatal("Retrieve ignored cancellation")
	}
	waiting, _ := r.Stats()
	assert.Zero(t, waiting)
}

func TestRetrieverStopIsIdempotent(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	r := newRetriever(t, q, retrieverProps(1, 0))

	waitClosed(t, r.Stop(), 10*time.Millisecond)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	first := r.Stop()
	second := r.Stop()
	waitClosed(t, first, time.Second)
	waitClosed(t, second, time.Second)
}

func TestRetrieverWarnsOnZeroPollingPeriod(t *testing.T) {
	log, logs := observedLogger()
	_, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, frameworktest.NewQueue("orders"), retrieverProps(2, 0), log)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("No polling period").Len())
}

func TestRetrieverRejectsInvalidProperties(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.SetBatchLimit(10)

	cases := map[string]framework.RetrieverProperties{
		"zero trigger":      {TriggerCount: 0, MaxBatchSize: 1},
		"zero batch":        {TriggerCount: 1, MaxBatchSize: 0},
		"batch over limit":  {TriggerCount: 1, MaxBatchSize: 11},
		"negative duration": {TriggerCount: 1, MaxBatchSize: 1, PollingPeriod: -time.Second},
	}
	for name, props := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, q, props, nopLogger())
			assert.ErrorIs(t, err, framework.ErrConfiguration)
		})
	}

	_, err := framework.NewBatchingRetriever(framework.QueueProperties{}, q, retrieverProps(1, 0), nopLogger())
	assert.ErrorIs(t, err, framework.ErrConfiguration)
}

// overFetchClient returns a fixed batch regardless of maxCount.
type overFetchClient struct {
	*frameworktest.Queue
	once sync.Once
	n    int
}

func (c *overFetchClient) FetchBatch(ctx context.Context, queueID string, _ int, waitTime, visibility time.Duration) ([]*framework.Message, error) {
	var (
		msgs []*framework.Message
		err  error
	)
	c.once.Do(func() {
		msgs, err = c.Queue.FetchBatch(ctx, queueID, c.n, waitTime, visibility)
	})
	return msgs, err
}

func TestRetrieverReleasesUnclaimedOnStop(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a", "b", "c")
	client := &overFetchClient{Queue: q, n: 3}

	props := retrieverProps(1, 10*time.Millisecond)
	props.ReleaseUnclaimedOnStop = true
	r, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, client, props, nopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	res := <-retrieveAsync(context.Background(), r)
	require.NoError(t, res.err)

	require.Eventually(t, func() bool {
		_, buffered := r.Stats()
		return buffered == 2
	}, time.Second, 2*time.Millisecond)

	waitClosed(t, r.Stop(), time.Second)

	extended := q.Extended()
	require.Len(t, extended, 2)
	for _, call := range extended {
		assert.Zero(t, call.Timeout)
	}
	assert.Equal(t, 2, q.Ready())
}
