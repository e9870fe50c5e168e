package framework

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"

	"oip/dplistener/internal/metrics"
	"oip/dplistener/pkg/logger"
)

// MessageProcessor handles one message end to end.
type MessageProcessor interface {
	Process(ctx context.Context, msg *Message) ProcessingOutcome
}

// ConcurrentBroker runs ConcurrencyLevel workers, each looping Retrieve → Process. It
// holds no messages itself; whichever worker is released first gets the next message.
type ConcurrentBroker struct {
	queue     QueueProperties
	props     BrokerProperties
	retriever Retriever
	processor MessageProcessor
	logger    Logger
	inFlight  *atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConcurrentBroker creates a broker. Workers are started by Start.
func NewConcurrentBroker(queue QueueProperties, props BrokerProperties, retriever Retriever, processor MessageProcessor, log Logger) (*ConcurrentBroker, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if retriever == nil || processor == nil {
		return nil, configErrorf("broker needs a retriever and a processor")
	}

	return &ConcurrentBroker{
		queue:     queue,
		props:     props,
		retriever: retriever,
		processor: processor,
		logger:    log,
		inFlight:  atomic.NewInt32(0),
	}, nil
}

// Start launches the workers.
func (b *ConcurrentBroker) Start(parentCtx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		b.logger.Warnf(parentCtx, "[Broker] Already started for queue: %s", b.queue.ID)
		return nil
	}

	ctx, cancel := context.WithCancel(parentCtx)
	b.cancel = cancel
	b.done = make(chan struct{})

	b.logger.Infof(ctx, "[Broker] Starting with %d workers for queue: %s", b.props.ConcurrencyLevel, b.queue.ID)

	var wg sync.WaitGroup
	for i := 0; i < b.props.ConcurrencyLevel; i++ {
		workerID := i
		wg.Add(1)
		go b.loop(ctx, workerID, &wg)
	}

	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(b.done)

	return nil
}

// Stop interrupts every worker blocked in Retrieve. The returned channel is closed once
// all workers have returned; a message already being processed is finished first.
func (b *ConcurrentBroker) Stop() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done == nil {
		return closedChan()
	}

	b.logger.Infof(context.Background(), "[Broker] Stopping workers for queue: %s", b.queue.ID)
	b.cancel()
	done := b.done
	b.cancel = nil
	b.done = nil
	return done
}

// InFlight reports how many messages are being processed right now.
func (b *ConcurrentBroker) InFlight() int {
	return int(b.inFlight.Load())
}

// loop is one worker.
func (b *ConcurrentBroker) loop(ctx context.Context, workerID int, wg *sync.WaitGroup) {
	defer wg.Done()

	ctx = context.WithValue(ctx, logger.WorkerIDKey, workerID)
	b.logger.Debugf(ctx, "[Broker-%d] Started", workerID)

	for {
		msg, err := b.retriever.Retrieve(ctx)
		if err != nil {
			if errors.Is(err, ErrInterrupted) || ctx.Err() != nil {
				b.logger.Debugf(ctx, "[Broker-%d] Interrupted, exiting", workerID)
				return
			}
			b.logger.Errorf(ctx, "[Broker-%d] Retrieve error: %v", workerID, err)
			continue
		}

		b.dispatch(ctx, msg)
	}
}

// dispatch processes msg on a context that outlives Stop, so in-flight work completes.
func (b *ConcurrentBroker) dispatch(ctx context.Context, msg *Message) {
	b.inFlight.Inc()
	metrics.WorkersBusy.WithLabelValues(b.queue.ID).Inc()
	defer func() {
		b.inFlight.Dec()
		metrics.WorkersBusy.WithLabelValues(b.queue.ID).Dec()
	}()

	procCtx := context.WithoutCancel(ctx)
	if b.props.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(procCtx, b.props.ProcessingTimeout)
		defer cancel()
	}

	b.processor.Process(procCtx, msg)
}
