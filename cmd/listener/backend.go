package main

import (
	"context"
	"fmt"

	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/config"
	"oip/dplistener/pkg/infra/mysql"
	"oip/dplistener/pkg/infra/postgres"
	"oip/dplistener/pkg/infra/redis"
	"oip/dplistener/pkg/lmstfy"
	"oip/dplistener/pkg/logger"
	"oip/dplistener/pkg/sqs"
)

// newQueueClient builds the client for cfg.Backend. cleanup releases its connections.
func newQueueClient(ctx context.Context, cfg *config.Config) (client framework.QueueClient, cleanup func(), err error) {
	cleanup = func() {}

	switch cfg.Backend {
	case config.BackendLmstfy:
		c, err := lmstfy.NewClient(cfg.Lmstfy.Host, cfg.Lmstfy.Port, cfg.Lmstfy.Namespace, cfg.Lmstfy.Token)
		if err != nil {
			return nil, cleanup, err
		}
		return c, cleanup, nil

	case config.BackendSQS:
		c, err := sqs.New(ctx, cfg.SQS.Region, cfg.SQS.Endpoint)
		if err != nil {
			return nil, cleanup, err
		}
		return c, cleanup, nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		q := postgres.New(pool, cfg.Postgres.PollInterval)
		if err := q.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, cleanup, err
		}
		return q, pool.Close, nil
	}

	return nil, cleanup, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// newOutcomeListeners wires the optional Redis notifier and MySQL audit table.
func newOutcomeListeners(cfg *config.Config, log logger.Logger) (listeners []framework.OutcomeListener, cleanup func(), err error) {
	var closers []func() error
	cleanup = func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.Redis.Addr != "" {
		n, err := redis.NewNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, log)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		listeners = append(listeners, n)
		closers = append(closers, n.Close)
	}

	if cfg.MySQL.DSN != "" {
		dao, err := mysql.NewOutcomeDAO(cfg.MySQL.DSN, log)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		listeners = append(listeners, dao)
		closers = append(closers, dao.Close)
	}

	return listeners, cleanup, nil
}
