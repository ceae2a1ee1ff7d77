package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// SNSAPI is the part of the SNS client the connector uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSChatConnector sends chat-channel messages as SMS through AWS SNS, for
// tenants without a chat provider.
type SNSChatConnector struct {
	client SNSAPI
	logger *zap.Logger
}

// NewSNSChatConnector loads the default AWS config for region.
func NewSNSChatConnector(ctx context.Context, region string, logger *zap.Logger) (*SNSChatConnector, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSChatConnectorWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSChatConnectorWithClient uses an existing SNS client.
func NewSNSChatConnectorWithClient(client SNSAPI, logger *zap.Logger) *SNSChatConnector {
	return &SNSChatConnector{client: client, logger: logger}
}

func (s *SNSChatConnector) Name() string        { return "sns-sms" }
func (s *SNSChatConnector) Channel() db.Channel { return db.ChannelChat }

// Send implements Connector.
func (s *SNSChatConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(E164(msg.Destination)),
		Message:     aws.String(msg.Text),
	})
	if err != nil {
		return Result{}, Classify(fmt.Errorf("sns publish failed: %w", err))
	}

	id := aws.ToString(out.MessageId)
	s.logger.Info("chat message sent via SNS",
		zap.String("job_id", msg.JobID.String()),
		zap.String("message_id", id),
	)
	return Result{ExternalID: id, Status: StatusSent}, nil
}
