package webhook

import (
	"time"
)

// Event types double as the namespace of the dedupe key.
const (
	EventPaymentApplied = "payment_applied"
	EventPaymentSettled = "payment_settled"
	EventInbound        = "inbound_message"
	EventDeliveryStatus = "delivery_status"
)

// PaymentSettledEvent is sent when a payment clears.
type PaymentSettledEvent struct {
	EventID    string    `json:"eventId" validate:"required,max=255"`
	TenantID   string    `json:"tenantId" validate:"required,uuid"`
	PaymentID  string    `json:"paymentId" validate:"required,max=255"`
	CustomerID string    `json:"customerId" validate:"required,uuid"`
	Amount     float64   `json:"amount" validate:"gt=0"`
	Currency   string    `json:"currency" validate:"required,len=3,uppercase"`
	SettledAt  time.Time `json:"settledAt" validate:"required"`
}

func (e *PaymentSettledEvent) tenant() string { return e.TenantID }

// PaymentAppliedEvent allocates (part of) a payment to an invoice.
type PaymentAppliedEvent struct {
	EventID   string     `json:"eventId" validate:"required,max=255"`
	TenantID  string     `json:"tenantId" validate:"required,uuid"`
	PaymentID string     `json:"paymentId" validate:"required,max=255"`
	InvoiceID string     `json:"invoiceId" validate:"required,uuid"`
	Amount    float64    `json:"amount" validate:"gt=0"`
	Currency  string     `json:"currency" validate:"omitempty,len=3,uppercase"`
	AppliedAt *time.Time `json:"appliedAt"`
}

func (e *PaymentAppliedEvent) tenant() string { return e.TenantID }

// InboundMetadata is provider threading information.
type InboundMetadata struct {
	MessageID string `json:"messageId" validate:"max=255"`
	InReplyTo string `json:"inReplyTo" validate:"max=255"`
	Subject   string `json:"subject" validate:"max=998"`
}

// ExtractedData is what an upstream parser pulled out of the message.
type ExtractedData struct {
	InvoiceNumber string `json:"invoiceNumber" validate:"max=64"`
	Intent        string `json:"intent" validate:"max=64"`
}

// InboundMessage is a customer reply on any channel.
type InboundMessage struct {
	TenantID      string           `json:"tenantId" validate:"required,uuid"`
	Channel       string           `json:"channel" validate:"required,oneof=email chat voice"`
	CustomerID    string           `json:"customerId" validate:"omitempty,uuid"`
	InvoiceID     string           `json:"invoiceId" validate:"omitempty,uuid"`
	MessageText   string           `json:"messageText" validate:"required,max=10000"`
	From          string           `json:"from" validate:"required_without=CustomerID,max=320"`
	Metadata      *InboundMetadata `json:"metadata"`
	ExtractedData *ExtractedData   `json:"extractedData"`
	Summary       string           `json:"summary" validate:"max=2000"`
	Timestamp     *time.Time       `json:"timestamp"`
}

func (e *InboundMessage) tenant() string { return e.TenantID }

// DeliveryStatusEvent reports what happened to an outbound message after
// the provider accepted it.
type DeliveryStatusEvent struct {
	EventID           string `json:"eventId" validate:"required,max=255"`
	TenantID          string `json:"tenantId" validate:"required,uuid"`
	ExternalMessageID string `json:"externalMessageId" validate:"required,max=255"`
	Status            string `json:"status" validate:"omitempty,oneof=SENT DELIVERED FAILED"`
	ProviderStatus    string `json:"providerStatus" validate:"max=64"`
	ErrorReason       string `json:"errorReason" validate:"max=1000"`
	Transcript        string `json:"transcript" validate:"max=20000"`
	DurationSeconds   int    `json:"durationSeconds" validate:"min=0"`
}

func (e *DeliveryStatusEvent) tenant() string { return e.TenantID }

// ReplayRequest releases a claim left behind by a failed event.
type ReplayRequest struct {
	EventType string `json:"eventType" validate:"required,oneof=payment_applied payment_settled inbound_message delivery_status"`
	EventID   string `json:"eventId" validate:"required,max=255"`
}
