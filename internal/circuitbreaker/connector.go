package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/channel"
	"github.com/lalithlochan/dunning/internal/db"
)

// ProtectedConnector wraps a channel.Connector with a CircuitBreaker.
// The breaker is shared by every tenant, so only provider-side failures
// count against it. A bad recipient, or one tenant's missing or rejected
// credentials, says nothing about the provider's health.
type ProtectedConnector struct {
	connector channel.Connector
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// Protect wraps c with breaker.
func Protect(c channel.Connector, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedConnector {
	return &ProtectedConnector{connector: c, breaker: breaker, logger: logger}
}

func (p *ProtectedConnector) Name() string        { return p.connector.Name() }
func (p *ProtectedConnector) Channel() db.Channel { return p.connector.Channel() }

// Breaker returns the underlying breaker.
func (p *ProtectedConnector) Breaker() *CircuitBreaker { return p.breaker }

// Send implements channel.Connector. An open circuit fails fast with
// CONNECTION_FAILED.
func (p *ProtectedConnector) Send(ctx context.Context, msg channel.OutboundMessage) (channel.Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("job_id", msg.JobID.String()),
		)
		return channel.Result{}, channel.Wrap(channel.KindConnectionFailed,
			fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.Name()), "provider unavailable")
	}

	res, err := p.connector.Send(ctx, msg)
	if err == nil {
		p.breaker.RecordSuccess()
		return res, nil
	}

	switch channel.Classify(err).Kind {
	case channel.KindInvalidRecipient, channel.KindConfigMissing, channel.KindAuthFailed:
		// Not the provider's fault. A half-open probe still needs an answer.
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}
	return res, err
}
