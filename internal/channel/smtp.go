package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/lalithlochan/dunning/internal/db"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Domain is used for generated Message-ID headers.
	Domain string
}

// mailDialer is satisfied by *gomail.Dialer.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConnector delivers email through an SMTP relay.
type SMTPConnector struct {
	dialer mailDialer
	domain string
	creds  CredentialSource
	logger *zap.Logger
}

// NewSMTPConnector creates an SMTP connector.
func NewSMTPConnector(cfg SMTPConfig, creds CredentialSource, logger *zap.Logger) *SMTPConnector {
	domain := cfg.Domain
	if domain == "" {
		domain = cfg.Host
	}
	return &SMTPConnector{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		domain: domain,
		creds:  creds,
		logger: logger,
	}
}

func (s *SMTPConnector) Name() string        { return "smtp" }
func (s *SMTPConnector) Channel() db.Channel { return db.ChannelEmail }

// Send implements Connector. gomail has no context support, so the dial runs
// in a goroutine and ctx only bounds how long we wait for it.
func (s *SMTPConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	from := s.creds.ForTenant(msg.TenantID).EmailFrom
	if err := requireField(from, "email sender address", msg.TenantID); err != nil {
		return Result{}, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.Destination)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", msg.Text)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return Result{}, Classify(ctx.Err())
	case err := <-done:
		if err != nil {
			return Result{}, Wrap(KindSendFailed, err, "smtp send failed")
		}
	}

	s.logger.Info("email sent via SMTP",
		zap.String("job_id", msg.JobID.String()),
		zap.String("message_id", messageID),
	)
	return Result{ExternalID: messageID, Status: StatusSent}, nil
}
