// Package sqs is an SQS-backed job queue for the dispatch worker.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// WaitSeconds is the long-poll duration, max 20.
	WaitSeconds int32
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Queue deletes each message as soon as it is received, so SQS never
// redelivers a job that may already have been sent. Completed and failed
// counts are kept per process.
type Queue struct {
	client      API
	queueURL    string
	waitSeconds int32
	logger      *zap.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a queue using the default AWS config.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewQueueWithClient(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewQueueWithEndpoint creates a queue against a custom endpoint (for LocalStack).
func NewQueueWithEndpoint(ctx context.Context, cfg Config, endpoint string, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.String("endpoint", endpoint),
	)
	return NewQueueWithClient(client, cfg, logger), nil
}

func NewQueueWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	return &Queue{
		client:      client,
		queueURL:    cfg.QueueURL,
		waitSeconds: cfg.WaitSeconds,
		logger:      logger,
	}
}

// Enqueue sends a job to SQS and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, job *db.NotificationJob) (string, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant_id": {DataType: aws.String("String"), StringValue: aws.String(job.TenantID.String())},
			"channel":   {DataType: aws.String("String"), StringValue: aws.String(string(job.Channel))},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		q.logger.Error("failed to send job to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return job.ID.String(), nil
}

// Dequeue long-polls for one message and deletes it before returning. A
// message that cannot be deleted is not handed out, since SQS would make it
// visible to another worker later.
func (q *Queue) Dequeue(ctx context.Context) (*dispatch.Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	m := result.Messages[0]
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		return nil, fmt.Errorf("sqs delete failed: %w", err)
	}

	var job db.NotificationJob
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
		q.failed.Add(1)
		q.logger.Error("dropping unreadable sqs message",
			zap.String("message_id", aws.ToString(m.MessageId)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	return &dispatch.Delivery{Job: &job, Receipt: aws.ToString(m.MessageId)}, nil
}

// Complete only updates the local counters, the message is already gone.
func (q *Queue) Complete(ctx context.Context, d *dispatch.Delivery, failed bool) error {
	if failed {
		q.failed.Add(1)
	} else {
		q.completed.Add(1)
	}
	return nil
}

// Stats reads approximate depth from SQS and adds the local counters.
func (q *Queue) Stats(ctx context.Context) (dispatch.QueueStats, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return dispatch.QueueStats{}, fmt.Errorf("sqs attributes failed: %w", err)
	}

	stats := dispatch.QueueStats{
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
	stats.Waiting, _ = strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	stats.Active, _ = strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], 10, 64)
	return stats, nil
}
