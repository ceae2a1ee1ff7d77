package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// ChatConnector sends text messages through a WhatsApp Cloud style API:
// POST {base}/{senderId}/messages.
type ChatConnector struct {
	client  *http.Client
	baseURL string
	creds   CredentialSource
	logger  *zap.Logger
}

type chatRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             chatText `json:"text"`
}

type chatText struct {
	Body string `json:"body"`
}

type chatResponse struct {
	Messages []struct {
		ID     string `json:"id"`
		Status string `json:"message_status"`
	} `json:"messages"`
}

// NewChatConnector creates a chat connector.
func NewChatConnector(cfg HTTPConfig, creds CredentialSource, logger *zap.Logger) *ChatConnector {
	return &ChatConnector{
		client:  newHTTPClient(cfg.Timeout),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
}

func (c *ChatConnector) Name() string        { return "chat-http" }
func (c *ChatConnector) Channel() db.Channel { return db.ChannelChat }

// Send implements Connector.
func (c *ChatConnector) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	creds := c.creds.ForTenant(msg.TenantID)
	if err := requireField(c.baseURL, "chat API URL", msg.TenantID); err != nil {
		return Result{}, err
	}
	if err := requireField(creds.ChatToken, "chat API token", msg.TenantID); err != nil {
		return Result{}, err
	}
	if err := requireField(creds.ChatSenderID, "chat sender id", msg.TenantID); err != nil {
		return Result{}, err
	}

	var resp chatResponse
	err := postJSON(ctx, c.client, fmt.Sprintf("%s/%s/messages", c.baseURL, creds.ChatSenderID), creds.ChatToken,
		chatRequest{
			MessagingProduct: "whatsapp",
			To:               strings.TrimPrefix(E164(msg.Destination), "+"),
			Type:             "text",
			Text:             chatText{Body: msg.Text},
		}, &resp)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return Result{}, Errorf(KindSendFailed, "provider response carried no message id")
	}

	status := resp.Messages[0].Status
	if status == "" {
		status = StatusQueued
	}
	c.logger.Info("chat message sent",
		zap.String("job_id", msg.JobID.String()),
		zap.String("message_id", resp.Messages[0].ID),
	)
	return Result{ExternalID: resp.Messages[0].ID, Status: status}, nil
}
