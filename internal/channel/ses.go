package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// SESAPI is the part of the SES client the connector uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConnector delivers email through AWS SES.
type SESConnector struct {
	client SESAPI
	creds  CredentialSource
	logger *zap.Logger
}

// NewSESConnector loads the default AWS config for region.
func NewSESConnector(ctx context.Context, region string, creds CredentialSource, logger *zap.Logger) (*SESConnector, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESConnectorWithClient(ses.NewFromConfig(awsCfg), creds, logger), nil
}

// NewSESConnectorWithClient uses an existing SES client.
func NewSESConnectorWithClient(client SESAPI, creds CredentialSource, logger *zap.Logger) *SESConnector {
	return &SESConnector{client: client, creds: creds, logger: logger}
}

func (s *SESConnector) Name() string        { return "ses" }
func (s *SESConnector) Channel() db.Channel { return db.ChannelEmail }

// Send implements Connector.
func (s *SESConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	from := s.creds.ForTenant(msg.TenantID).EmailFrom
	if err := requireField(from, "email sender address", msg.TenantID); err != nil {
		return Result{}, err
	}

	subject := msg.Subject
	if subject == "" {
		subject = "Payment reminder"
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Destination},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return Result{}, Classify(fmt.Errorf("ses send failed: %w", err))
	}

	id := aws.ToString(out.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("job_id", msg.JobID.String()),
		zap.String("message_id", id),
	)
	return Result{ExternalID: id, Status: StatusSent}, nil
}
