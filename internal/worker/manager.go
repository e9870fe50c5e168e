package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"oip/dplistener/internal/domains"
	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/config"
	"oip/dplistener/pkg/logger"
)

// ErrUnknownListener is returned for identifiers that are not configured.
var ErrUnknownListener = errors.New("unknown listener")

// Manager hosts the configured listeners.
type Manager interface {
	Start() error
	Shutdown()
	StartListener(ctx context.Context, id string) error
	StopListener(id string) (<-chan struct{}, error)
	Listeners() []ListenerInfo
}

// ListenerInfo is a snapshot of one container.
type ListenerInfo struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
	InFlight int    `json:"in_flight"`
	Disabled bool   `json:"disabled"`
}

type entry struct {
	container *framework.Container
	disabled  bool
}

// ManagerInstance hosts one container per configured listener.
type ManagerInstance struct {
	ctx        context.Context
	entries    []entry
	byID       map[string]*framework.Container
	closing    *atomic.Bool
	shutdownCh chan struct{}
	mu         sync.Mutex
	logger     logger.Logger
}

// NewManagerInstance builds a container per listener. A nil handler routes messages
// through the domain router. Every listener is validated here; Start never fails on configuration.
func NewManagerInstance(
	cfg *config.Config,
	client framework.QueueClient,
	handler framework.HandlerFunc,
	log logger.Logger,
	listeners ...framework.OutcomeListener,
) (*ManagerInstance, error) {
	ctx := context.Background()

	if handler == nil {
		handler = domains.NewRouter(log).GetProcess()
	}

	m := &ManagerInstance{
		ctx:        ctx,
		byID:       make(map[string]*framework.Container, len(cfg.Listeners)),
		closing:    atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		logger:     log,
	}

	for _, lc := range cfg.Listeners {
		c, err := framework.NewContainer(lc.ContainerConfig(), client, handler, log, listeners...)
		if err != nil {
			return nil, fmt.Errorf("failed to create listener %s: %w", lc.ID, err)
		}
		if _, dup := m.byID[c.Identifier()]; dup {
			return nil, fmt.Errorf("duplicate listener id %s", c.Identifier())
		}
		m.byID[c.Identifier()] = c
		m.entries = append(m.entries, entry{container: c, disabled: lc.Disabled})
	}

	log.Infof(ctx, "[Manager] Initialized with %d listeners", len(m.entries))
	return m, nil
}

// Start starts every enabled listener and blocks until Shutdown.
func (m *ManagerInstance) Start() error {
	if m.closing.Load() {
		m.logger.Warnf(m.ctx, "[Manager] Start after shutdown ignored")
		return nil
	}
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	// 1. Start all listeners concurrently
	g, gctx := errgroup.WithContext(m.ctx)
	for _, e := range m.entries {
		if e.disabled {
			m.logger.Infof(m.ctx, "[Manager] Listener disabled: %s", e.container.Identifier())
			continue
		}
		c := e.container
		g.Go(func() error {
			if err := c.Start(gctx); err != nil {
				return fmt.Errorf("listener %s: %w", c.Identifier(), err)
			}
			m.logger.Infof(m.ctx, "[Manager] Listener started: %s", c.Identifier())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Errorf(m.ctx, "[Manager] Start failed: %v", err)
		m.stopAll()
		return err
	}

	m.logger.Infof(m.ctx, "[Manager] Start success")

	// 2. Block until shutdown
	<-m.shutdownCh
	return nil
}

// Shutdown stops every listener and waits for all of them.
func (m *ManagerInstance) Shutdown() {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	if m.closing.CAS(false, true) {
		m.stopAll()
		close(m.shutdownCh)
		m.logger.Infof(m.ctx, "[Manager] Shutdown complete")
	}
}

// StartListener starts one listener by identifier.
func (m *ManagerInstance) StartListener(ctx context.Context, id string) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.closing.Load() {
		return fmt.Errorf("manager is shutting down")
	}
	return c.Start(ctx)
}

// StopListener stops one listener; the channel closes once it has stopped.
func (m *ManagerInstance) StopListener(id string) (<-chan struct{}, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.Stop(), nil
}

// Listeners returns a snapshot in configuration order.
func (m *ManagerInstance) Listeners() []ListenerInfo {
	out := make([]ListenerInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, ListenerInfo{
			ID:       e.container.Identifier(),
			Queue:    e.container.Queue().ID,
			State:    e.container.State().String(),
			InFlight: e.container.InFlight(),
			Disabled: e.disabled,
		})
	}
	return out
}

func (m *ManagerInstance) lookup(id string) (*framework.Container, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, id)
	}
	return c, nil
}

// stopAll stops every container concurrently and waits.
func (m *ManagerInstance) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range m.entries {
		c := e.container
		m.logger.Infof(m.ctx, "[Manager] Shutting down listener: %s", c.Identifier())
		done := c.Stop()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-done
		}()
	}
	wg.Wait()
}
