// Package sns publishes batch lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// EventBatchCompleted is the event_type attribute on completion messages.
const EventBatchCompleted = "batch.completed"

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends batch events to a topic.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// BatchCompleted is published once per batch, when it reaches COMPLETED.
type BatchCompleted struct {
	EventType     string    `json:"event_type"`
	BatchID       string    `json:"batch_id"`
	TenantID      string    `json:"tenant_id"`
	Channel       string    `json:"channel"`
	TotalMessages int       `json:"total_messages"`
	Processed     int       `json:"processed"`
	Failed        int       `json:"failed"`
	CompletedAt   time.Time `json:"completed_at"`
}

// NewBatchCompleted builds the event from the progress that completed the batch.
func NewBatchCompleted(p *db.BatchProgress, at time.Time) BatchCompleted {
	return BatchCompleted{
		EventType:     EventBatchCompleted,
		BatchID:       p.BatchID.String(),
		TenantID:      p.TenantID.String(),
		Channel:       string(p.Channel),
		TotalMessages: p.TotalMessages,
		Processed:     p.Processed,
		Failed:        p.Failed,
		CompletedAt:   at.UTC(),
	}
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// PublishBatchCompleted sends the completion event and returns the SNS message id.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, ev BatchCompleted) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.EventType),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.TenantID),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Channel),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	id := aws.ToString(result.MessageId)
	p.logger.Info("batch completed event published",
		zap.String("batch_id", ev.BatchID),
		zap.String("message_id", id),
	)
	return id, nil
}
