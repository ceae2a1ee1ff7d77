package channel

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// VoiceConnector starts an outbound call that reads the message script.
// The transcript arrives later through the delivery-status webhook.
type VoiceConnector struct {
	client  *http.Client
	baseURL string
	creds   CredentialSource
	logger  *zap.Logger
}

type voiceRequest struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Script    string `json:"script"`
	Reference string `json:"reference"`
}

type voiceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewVoiceConnector creates a voice connector.
func NewVoiceConnector(cfg HTTPConfig, creds CredentialSource, logger *zap.Logger) *VoiceConnector {
	return &VoiceConnector{
		client:  newHTTPClient(cfg.Timeout),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
}

func (v *VoiceConnector) Name() string        { return "voice-http" }
func (v *VoiceConnector) Channel() db.Channel { return db.ChannelVoice }

// Send implements Connector.
func (v *VoiceConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	creds := v.creds.ForTenant(msg.TenantID)
	if err := requireField(v.baseURL, "voice API URL", msg.TenantID); err != nil {
		return Result{}, err
	}
	if err := requireField(creds.VoiceToken, "voice API token", msg.TenantID); err != nil {
		return Result{}, err
	}
	if err := requireField(creds.VoiceFromNumber, "voice caller number", msg.TenantID); err != nil {
		return Result{}, err
	}

	var resp voiceResponse
	err := postJSON(ctx, v.client, v.baseURL+"/calls", creds.VoiceToken, voiceRequest{
		To:        E164(msg.Destination),
		From:      creds.VoiceFromNumber,
		Script:    msg.Text,
		Reference: msg.JobID.String(),
	}, &resp)
	if err != nil {
		return Result{}, err
	}
	if resp.ID == "" {
		return Result{}, Errorf(KindSendFailed, "provider response carried no call id")
	}

	status := resp.Status
	if status == "" {
		status = StatusInitiated
	}
	v.logger.Info("voice call started",
		zap.String("job_id", msg.JobID.String()),
		zap.String("call_id", resp.ID),
	)
	return Result{ExternalID: resp.ID, Status: status}, nil
}
