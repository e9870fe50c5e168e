package lmstfy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bitleak/lmstfy/client"

	"oip/dplistener/internal/framework"
)

// BatchLimit is the most jobs BatchConsume hands out per call.
const BatchLimit = 100

// maxPollSeconds is lmstfy's upper bound on a blocking consume.
const maxPollSeconds = 600

// ErrVisibilityUnsupported is returned by ExtendVisibility: lmstfy fixes a job's TTR
// when it is consumed.
var ErrVisibilityUnsupported = errors.New("lmstfy: visibility cannot be changed after consume")

// api is the subset of *client.LmstfyClient used here.
type api interface {
	BatchConsume(queues []string, count, ttrSecond, timeoutSecond uint32) ([]*client.Job, error)
	Ack(queue, jobID string) error
	Publish(queue string, data []byte, ttl uint32, tries uint16, delay uint32) (string, error)
}

// Client wraps the lmstfy client, implementing framework.QueueClient.
type Client struct {
	cli       api
	namespace string
}

// NewClient creates an lmstfy client for namespace.
func NewClient(host string, port int, namespace string, token string) (*Client, error) {
	if host == "" || namespace == "" {
		return nil, fmt.Errorf("lmstfy host and namespace are required")
	}
	return &Client{
		cli:       lmstfyAPI{client.NewLmstfyClient(host, port, namespace, token)},
		namespace: namespace,
	}, nil
}

// FetchBatch consumes up to maxCount jobs. Receipt tokens are job ids; the ttr is the
// visibility timeout.
func (c *Client) FetchBatch(ctx context.Context, queueID string, maxCount int, waitTime, visibilityTimeout time.Duration) ([]*framework.Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if maxCount > BatchLimit {
		maxCount = BatchLimit
	}

	type result struct {
		jobs []*client.Job
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		jobs, err := c.cli.BatchConsume([]string{queueID}, uint32(maxCount),
			seconds(visibilityTimeout, 1, math.MaxUint32), seconds(waitTime, 0, maxPollSeconds))
		ch <- result{jobs: jobs, err: err}
	}()

	// The lmstfy client has no context support; a cancelled caller stops waiting and the
	// jobs, if any, come back after their ttr.
	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", res.err)
	}

	msgs := make([]*framework.Message, 0, len(res.jobs))
	for _, job := range res.jobs {
		if job == nil {
			continue
		}
		msgs = append(msgs, toMessage(c.namespace, queueID, job))
	}
	return msgs, nil
}

// Delete acks the job.
func (c *Client) Delete(_ context.Context, queueID string, receiptToken string) error {
	if err := c.cli.Ack(queueID, receiptToken); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

// ExtendVisibility always fails with ErrVisibilityUnsupported.
func (c *Client) ExtendVisibility(context.Context, string, string, time.Duration) error {
	return ErrVisibilityUnsupported
}

// BatchLimit implements framework.BatchLimiter.
func (c *Client) BatchLimit() int {
	return BatchLimit
}

// DefaultTries is how many times lmstfy delivers a published job.
const DefaultTries uint16 = 3

// Publish sends a job.
func (c *Client) Publish(queue string, data []byte, ttl, delay uint32) (string, error) {
	jobID, err := c.cli.Publish(queue, data, ttl, DefaultTries, delay)
	if err != nil {
		return "", fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return jobID, nil
}

func toMessage(namespace, queueID string, job *client.Job) *framework.Message {
	queue := job.Queue
	if queue == "" {
		queue = queueID
	}
	return &framework.Message{
		ID:           job.ID,
		ReceiptToken: job.ID,
		Queue:        queue,
		Body:         job.Data,
		Attributes:   map[string]string{"namespace": namespace},
	}
}

// seconds rounds d up to whole seconds within [min, max].
func seconds(d time.Duration, min, max uint32) uint32 {
	s := uint64((d + time.Second - 1) / time.Second)
	if d <= 0 {
		s = 0
	}
	if s < uint64(min) {
		return min
	}
	if s > uint64(max) {
		return max
	}
	return uint32(s)
}

// lmstfyAPI adapts *client.LmstfyClient, whose methods return *client.APIError, to api.
type lmstfyAPI struct {
	cli *client.LmstfyClient
}

var _ api = lmstfyAPI{}

func (a lmstfyAPI) BatchConsume(queues []string, count, ttr, timeout uint32) ([]*client.Job, error) {
	jobs, err := a.cli.BatchConsume(queues, count, ttr, timeout)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (a lmstfyAPI) Ack(queue, jobID string) error {
	if err := a.cli.Ack(queue, jobID); err != nil {
		return err
	}
	return nil
}

func (a lmstfyAPI) Publish(queue string, data []byte, ttl uint32, tries uint16, delay uint32) (string, error) {
	jobID, err := a.cli.Publish(queue, data, ttl, tries, delay)
	if err != nil {
		return "", err
	}
	return jobID, nil
}
