package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"oip/dplistener/internal/framework"
)

// Protocol limits of ReceiveMessage.
const (
	BatchLimit     = 10
	maxWaitSeconds = 20
	maxVisibility  = 12 * time.Hour
)

// API is the subset of *sqs.Client used here.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Client implements framework.QueueClient over Amazon SQS. Queue ids are queue names or
// full queue URLs.
type Client struct {
	api API

	mu   sync.Mutex
	urls map[string]string
}

// New builds a client from the default AWS credential chain. endpoint overrides the
// service URL for local emulators.
func New(ctx context.Context, region, endpoint string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewWithAPI(api), nil
}

// NewWithAPI wraps an existing SQS API.
func NewWithAPI(api API) *Client {
	return &Client{api: api, urls: make(map[string]string)}
}

// FetchBatch calls ReceiveMessage.
func (c *Client) FetchBatch(ctx context.Context, queueID string, maxCount int, waitTime, visibilityTimeout time.Duration) ([]*framework.Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	url, err := c.queueURL(ctx, queueID)
	if err != nil {
		return nil, err
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(min(maxCount, BatchLimit)),
		WaitTimeSeconds:             clampSeconds(waitTime, maxWaitSeconds*time.Second),
		VisibilityTimeout:           clampSeconds(visibilityTimeout, maxVisibility),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive %s: %w", queueID, err)
	}

	msgs := make([]*framework.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessage(queueID, m))
	}
	return msgs, nil
}

// Delete calls DeleteMessage.
func (c *Client) Delete(ctx context.Context, queueID string, receiptToken string) error {
	url, err := c.queueURL(ctx, queueID)
	if err != nil {
		return err
	}
	if _, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receiptToken),
	}); err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// ExtendVisibility calls ChangeMessageVisibility. A zero timeout makes the message
// visible again immediately.
func (c *Client) ExtendVisibility(ctx context.Context, queueID string, receiptToken string, timeout time.Duration) error {
	url, err := c.queueURL(ctx, queueID)
	if err != nil {
		return err
	}
	if _, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(receiptToken),
		VisibilityTimeout: clampSeconds(timeout, maxVisibility),
	}); err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

// BatchLimit implements framework.BatchLimiter.
func (c *Client) BatchLimit() int {
	return BatchLimit
}

// Publish sends body and returns the message id.
func (c *Client) Publish(ctx context.Context, queueID string, body []byte) (string, error) {
	url, err := c.queueURL(ctx, queueID)
	if err != nil {
		return "", err
	}
	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// queueURL resolves a queue name once and caches it.
func (c *Client) queueURL(ctx context.Context, queueID string) (string, error) {
	if strings.HasPrefix(queueID, "https://") || strings.HasPrefix(queueID, "http://") {
		return queueID, nil
	}

	c.mu.Lock()
	url, ok := c.urls[queueID]
	c.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueID)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url %s: %w", queueID, err)
	}
	url = aws.ToString(out.QueueUrl)

	c.mu.Lock()
	c.urls[queueID] = url
	c.mu.Unlock()
	return url, nil
}

func toMessage(queueID string, m types.Message) *framework.Message {
	attrs := make(map[string]string, len(m.Attributes)+len(m.MessageAttributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}

	attempts, _ := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	return &framework.Message{
		ID:           aws.ToString(m.MessageId),
		ReceiptToken: aws.ToString(m.ReceiptHandle),
		Queue:        queueID,
		Body:         []byte(aws.ToString(m.Body)),
		Attributes:   attrs,
		Attempts:     attempts,
	}
}

func clampSeconds(d, max time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > max {
		d = max
	}
	return int32((d + time.Second - 1) / time.Second)
}
