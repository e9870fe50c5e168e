package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"oip/dplistener/internal/domains/common/job"
	"oip/dplistener/pkg/config"
	"oip/dplistener/pkg/infra/postgres"
	"oip/dplistener/pkg/lmstfy"
	"oip/dplistener/pkg/sqs"
)

var (
	configPath = flag.String("config", "./config/listener.yaml", "config file path")
	queue      = flag.String("queue", "", "target queue (defaults to the first listener's queue)")
	action     = flag.String("action", "log", "action_type")
	count      = flag.Int("n", 10, "number of messages to send")
	payload    = flag.String("data", `{"hello":"world"}`, "payload data as JSON")
)

// publishFunc sends one body to queue.
type publishFunc func(ctx context.Context, queue string, body []byte) (string, error)

func main() {
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("  FastTest - DPLISTENER message publisher")
	fmt.Println("========================================")

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	target := *queue
	if target == "" {
		if len(cfg.Listeners) == 0 {
			fail("no -queue given and no listener configured")
		}
		target = cfg.Listeners[0].Queue
	}

	var data json.RawMessage
	if err := json.Unmarshal([]byte(*payload), &data); err != nil {
		fail("Invalid -data: %v", err)
	}

	// 2. Init publisher
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	publish, closeFn, err := newPublisher(ctx, cfg)
	if err != nil {
		fail("Failed to create %s publisher: %v", cfg.Backend, err)
	}
	defer closeFn()

	// 3. Send
	for i := 0; i < *count; i++ {
		j, err := job.New(uuid.NewString(), "fasttest", *action, fmt.Sprintf("fasttest-%d", i), data)
		if err != nil {
			fail("Failed to build job: %v", err)
		}
		body, err := json.Marshal(j)
		if err != nil {
			fail("Failed to marshal job: %v", err)
		}
		id, err := publish(ctx, target, body)
		if err != nil {
			fail("Publish %d failed: %v", i, err)
		}
		fmt.Printf("✅ [%d] %s -> %s (request_id=%s)\n", i, id, target, j.Payload.Data.RequestID)
	}

	fmt.Printf("Sent %d messages to %s via %s\n", *count, target, cfg.Backend)
}

func newPublisher(ctx context.Context, cfg *config.Config) (publishFunc, func(), error) {
	switch cfg.Backend {
	case config.BackendLmstfy:
		c, err := lmstfy.NewClient(cfg.Lmstfy.Host, cfg.Lmstfy.Port, cfg.Lmstfy.Namespace, cfg.Lmstfy.Token)
		if err != nil {
			return nil, nil, err
		}
		return func(_ context.Context, queue string, body []byte) (string, error) {
			return c.Publish(queue, body, 0, 0)
		}, func() {}, nil

	case config.BackendSQS:
		c, err := sqs.New(ctx, cfg.SQS.Region, cfg.SQS.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return c.Publish, func() {}, nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		q := postgres.New(pool, cfg.Postgres.PollInterval)
		if err := q.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return func(ctx context.Context, queue string, body []byte) (string, error) {
			id, err := q.Publish(ctx, queue, body, 0)
			return fmt.Sprint(id), err
		}, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func fail(format string, args ...interface{}) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}
