package framework

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"oip/dplistener/pkg/logger"
)

// State is the lifecycle state of a Container.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ContainerConfig describes one listener.
type ContainerConfig struct {
	Identifier string // defaults to the queue id
	Queue      QueueProperties
	Retriever  RetrieverProperties
	Broker     BrokerProperties
}

// Container wires a BatchingRetriever, a ConcurrentBroker and a Processor into one
// startable unit.
type Container struct {
	id        string
	queue     QueueProperties
	retriever Retriever
	broker    *ConcurrentBroker
	logger    Logger

	// mu serializes transitions; state is also read without it.
	mu       sync.Mutex
	state    *atomic.Int32
	stopping chan struct{}
}

// NewContainer validates cfg and builds the pipeline. Configuration problems are
// returned here, wrapping ErrConfiguration, and never from Start.
func NewContainer(cfg ContainerConfig, client QueueClient, handler HandlerFunc, log Logger, listeners ...OutcomeListener) (*Container, error) {
	if handler == nil {
		return nil, configErrorf("message handler is required")
	}

	id := cfg.Identifier
	if id == "" {
		id = cfg.Queue.ID
	}

	retriever, err := NewBatchingRetriever(cfg.Queue, client, cfg.Retriever, log)
	if err != nil {
		return nil, fmt.Errorf("listener %s: %w", id, err)
	}

	processor := NewProcessor(id, cfg.Queue, client, handler, log, listeners...)

	broker, err := NewConcurrentBroker(cfg.Queue, cfg.Broker, retriever, processor, log)
	if err != nil {
		return nil, fmt.Errorf("listener %s: %w", id, err)
	}

	if cfg.Retriever.TriggerCount > cfg.Broker.ConcurrencyLevel {
		log.Warnf(context.Background(),
			"[Container] %s: trigger count %d exceeds concurrency level %d, fetches only happen every polling period",
			id, cfg.Retriever.TriggerCount, cfg.Broker.ConcurrencyLevel)
	}

	return &Container{
		id:        id,
		queue:     cfg.Queue,
		retriever: retriever,
		broker:    broker,
		logger:    log,
		state:     atomic.NewInt32(int32(StateStopped)),
	}, nil
}

// Identifier returns the listener identifier.
func (c *Container) Identifier() string {
	return c.id
}

// Queue returns the queue the container listens to.
func (c *Container) Queue() QueueProperties {
	return c.queue
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	return State(c.state.Load())
}

// InFlight reports how many messages are being processed.
func (c *Container) InFlight() int {
	return c.broker.InFlight()
}

// Start starts the retriever, then the broker. It is a no-op when already running, and
// waits for a pending Stop to finish before starting again. The container's lifetime is
// bounded by Stop, not by ctx.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	for c.State() == StateStopping {
		pending := c.stopping
		c.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return interrupted(ctx.Err())
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	runCtx := context.WithValue(context.WithoutCancel(ctx), logger.ListenerKey, c.id)

	if st := c.State(); st != StateStopped {
		c.logger.Infof(runCtx, "[Container] %s is already %s", c.id, st)
		return nil
	}

	c.state.Store(int32(StateStarting))
	c.logger.Infof(runCtx, "[Container] %s starting on queue: %s", c.id, c.queue.ID)

	// 1. Retriever first, so workers have something to block on
	if err := c.retriever.Start(runCtx); err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("start retriever: %w", err)
	}

	// 2. Broker
	if err := c.broker.Start(runCtx); err != nil {
		<-c.retriever.Stop()
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("start broker: %w", err)
	}

	c.state.Store(int32(StateRunning))
	c.logger.Infof(runCtx, "[Container] %s started", c.id)
	return nil
}

// Stop stops the broker, waits for its workers, then stops the retriever. The returned
// channel is closed once both have terminated. Calling Stop again while stopping returns
// the same channel; calling it when not running returns a closed channel.
func (c *Container) Stop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateStopping:
		return c.stopping
	case StateRunning:
	default:
		return closedChan()
	}

	ctx := context.WithValue(context.Background(), logger.ListenerKey, c.id)
	c.logger.Infof(ctx, "[Container] %s began to close", c.id)

	c.state.Store(int32(StateStopping))
	done := make(chan struct{})
	c.stopping = done

	go func() {
		// Workers go first: they would block forever on a retriever that has exited.
		<-c.broker.Stop()
		<-c.retriever.Stop()

		c.logger.Infof(ctx, "[Container] %s shutdown complete", c.id)

		c.mu.Lock()
		c.state.Store(int32(StateStopped))
		c.stopping = nil
		c.mu.Unlock()

		close(done)
	}()

	return done
}
