package framework_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"oip/dplistener/internal/framework"
	"oip/dplistener/internal/framework/frameworktest"
)

// gateProcessor blocks every message until release is closed and tracks concurrency.
type gateProcessor struct {
	release   chan struct{}
	current   *atomic.Int32
	max       *atomic.Int32
	processed *atomic.Int32
}

func newGateProcessor() *gateProcessor {
	return &gateProcessor{
		release:   make(chan struct{}),
		current:   atomic.NewInt32(0),
		max:       atomic.NewInt32(0),
		processed: atomic.NewInt32(0),
	}
}

func (p *gateProcessor) Process(_ context.Context, _ *framework.Message) framework.ProcessingOutcome {
	n := p.current.Inc()
	for {
		m := p.max.Load()
		if n <= m || p.max.CAS(m, n) {
			break
		}
	}
	<-p.release
	p.current.Dec()
	p.processed.Inc()
	return framework.Success()
}

func newBroker(t *testing.T, q *frameworktest.Queue, concurrency int, proc framework.MessageProcessor) (*framework.ConcurrentBroker, *framework.BatchingRetriever) {
	t.Helper()
	queue := framework.QueueProperties{ID: "orders"}
	r, err := framework.NewBatchingRetriever(queue, q, retrieverProps(1, 10*time.Millisecond), nopLogger())
	require.NoError(t, err)
	b, err := framework.NewConcurrentBroker(queue, framework.BrokerProperties{ConcurrencyLevel: concurrency}, r, proc, nopLogger())
	require.NoError(t, err)
	return b, r
}

func TestBrokerBoundsInFlightMessages(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	bodies := make([]string, 10)
	q.Publish(bodies...)

	proc := newGateProcessor()
	b, r := newBroker(t, q, 3, proc)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return b.InFlight() == 3 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, b.InFlight())

	close(proc.release)
	require.Eventually(t, func() bool { return proc.processed.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, proc.max.Load(), int32(3))

	waitClosed(t, b.Stop(), time.Second)
	waitClosed(t, r.Stop(), time.Second)
}

func TestBrokerStopInterruptsIdleWorkers(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	b, r := newBroker(t, q, 4, newGateProcessor())
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		waiting, _ := r.Stats()
		return waiting == 4
	}, time.Second, 2*time.Millisecond)

	waitClosed(t, b.Stop(), time.Second)
	waiting, _ := r.Stats()
	assert.Zero(t, waiting)
	waitClosed(t, r.Stop(), time.Second)
}

func TestBrokerStopWaitsForInFlightMessage(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a")
	proc := newGateProcessor()
	b, r := newBroker(t, q, 1, proc)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return b.InFlight() == 1 }, time.Second, 2*time.Millisecond)

	done := b.Stop()
	select {
	case <-done:
		t.Fatal("stop resolved while a message was still processing")
	case <-time.After(50 * time.Millisecond):
	}

	close(proc.release)
	waitClosed(t, done, time.Second)
	assert.Equal(t, int32(1), proc.processed.Load())
	waitClosed(t, r.Stop(), time.Second)
}

func TestBrokerZeroConcurrency(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	b, r := newBroker(t, q, 0, newGateProcessor())
	require.NoError(t, b.Start(context.Background()))
	waitClosed(t, b.Stop(), time.Second)
	waitClosed(t, r.Stop(), time.Second)
}

func TestBrokerRejectsNegativeConcurrency(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	r, err := framework.NewBatchingRetriever(framework.QueueProperties{ID: "orders"}, q, retrieverProps(1, 0), nopLogger())
	require.NoError(t, err)

	_, err = framework.NewConcurrentBroker(framework.QueueProperties{ID: "orders"}, framework.BrokerProperties{ConcurrencyLevel: -1}, r, newGateProcessor(), nopLogger())
	assert.ErrorIs(t, err, framework.ErrConfiguration)
}

// deadlineProcessor records whether the processing context carried a deadline and
// whether it was cancelled by Stop.
type deadlineProcessor struct {
	mu          sync.Mutex
	hadDeadline bool
}

func (p *deadlineProcessor) Process(ctx context.Context, _ *framework.Message) framework.ProcessingOutcome {
	_, ok := ctx.Deadline()
	p.mu.Lock()
	p.hadDeadline = ok
	p.mu.Unlock()
	return framework.Success()
}

func TestBrokerAppliesProcessingTimeout(t *testing.T) {
	q := frameworktest.NewQueue("orders")
	q.Publish("a")
	proc := &deadlineProcessor{}

	queue := framework.QueueProperties{ID: "orders"}
	r, err := framework.NewBatchingRetriever(queue, q, retrieverProps(1, 10*time.Millisecond), nopLogger())
	require.NoError(t, err)
	b, err := framework.NewConcurrentBroker(queue, framework.BrokerProperties{ConcurrencyLevel: 1, ProcessingTimeout: time.Second}, r, proc, nopLogger())
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.hadDeadline
	}, time.Second, 2*time.Millisecond)

	waitClosed(t, b.Stop(), time.Second)
	waitClosed(t, r.Stop(), time.Second)
}
