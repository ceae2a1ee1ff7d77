package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// LogConnector only logs messages. Used in development.
type LogConnector struct {
	channel db.Channel
	logger  *zap.Logger
}

// NewLogConnector creates a log connector for ch.
func NewLogConnector(ch db.Channel, logger *zap.Logger) *LogConnector {
	return &LogConnector{channel: ch, logger: logger}
}

func (l *LogConnector) Name() string        { return "log" }
func (l *LogConnector) Channel() db.Channel { return l.channel }

// Send implements Connector.
func (l *LogConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	id := "log-" + uuid.NewString()
	l.logger.Info("message sent",
		zap.String("channel", string(l.channel)),
		zap.String("job_id", msg.JobID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("destination", msg.Destination),
		zap.String("external_id", id),
	)
	return Result{ExternalID: id, Status: StatusSent}, nil
}
