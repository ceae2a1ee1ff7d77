package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies an outbound/inbound messaging medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelChat, ChannelVoice:
		return true
	}
	return false
}

// Contact event directions
const (
	DirectionOutbound = "OUTBOUND"
	DirectionInbound  = "INBOUND"
)

// Contact event statuses
const (
	EventStatusSent      = "SENT"
	EventStatusDelivered = "DELIVERED"
	EventStatusFailed    = "FAILED"
	EventStatusPending   = "PENDING"
)

// Batch statuses. COMPLETED is terminal.
const (
	BatchStatusPending    = "PENDING"
	BatchStatusProcessing = "PROCESSING"
	BatchStatusCompleted  = "COMPLETED"
	BatchStatusFailed     = "FAILED"
)

// Invoice statuses
const (
	InvoiceStatusOpen      = "OPEN"
	InvoiceStatusOverdue   = "OVERDUE"
	InvoiceStatusPartial   = "PARTIAL"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusCancelled = "CANCELLED"
)

// Payment statuses
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusSettled = "SETTLED"
)

// Message is the content carried by a notification job.
type Message struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
}

// NotificationJob is one unit of dispatch work. It lives only in the queue.
type NotificationJob struct {
	ID                uuid.UUID         `json:"id"`
	TenantID          uuid.UUID         `json:"tenant_id"`
	Channel           Channel           `json:"channel"`
	CustomerID        uuid.UUID         `json:"customer_id"`
	InvoiceID         *uuid.UUID        `json:"invoice_id,omitempty"`
	BatchID           *uuid.UUID        `json:"batch_id,omitempty"`
	Message           Message           `json:"message"`
	TemplateID        string            `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	EnqueuedAt        time.Time         `json:"enqueued_at"`
}

// ContactEvent is an append-only ledger entry for one contact attempt or
// inbound message. Only enrichment by ExternalMessageID mutates a row.
type ContactEvent struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	InvoiceID         *uuid.UUID      `json:"invoice_id,omitempty"`
	BatchID           *uuid.UUID      `json:"batch_id,omitempty"`
	Channel           Channel         `json:"channel"`
	Direction         string          `json:"direction"`
	Status            string          `json:"status"`
	Timestamp         time.Time       `json:"timestamp"`
	ExternalMessageID *string         `json:"external_message_id,omitempty"`
	ErrorReason       *string         `json:"error_reason,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OutboundPayload is stored on OUTBOUND events so a failed attempt can be
// rebuilt into a new job.
type OutboundPayload struct {
	Destination       string            `json:"destination,omitempty"`
	Message           Message           `json:"message"`
	TemplateID        string            `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	JobID             uuid.UUID         `json:"job_id"`
	ProviderStatus    string            `json:"provider_status,omitempty"`
	// CountedAs is the batch counter this attempt consumed (SENT or FAILED).
	// Delivery updates may change the row's status later, never this.
	CountedAs string `json:"counted_as,omitempty"`
}

// ErrorSummaryEntry records one failed job inside a batch.
type ErrorSummaryEntry struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Channel    Channel   `json:"channel"`
	CustomerID uuid.UUID `json:"customerId"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchJob aggregates the outcome of a set of related jobs.
// Invariant: Processed + Failed <= TotalMessages.
type BatchJob struct {
	ID            uuid.UUID           `json:"id"`
	TenantID      uuid.UUID           `json:"tenant_id"`
	Channel       Channel             `json:"channel"`
	Status        string              `json:"status"`
	TotalMessages int                 `json:"total_messages"`
	Processed     int                 `json:"processed"`
	Failed        int                 `json:"failed"`
	ErrorSummary  []ErrorSummaryEntry `json:"error_summary"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// BatchProgress is what an atomic increment returns.
type BatchProgress struct {
	BatchID       uuid.UUID
	TenantID      uuid.UUID
	Channel       Channel
	Processed     int
	Failed        int
	TotalMessages int
	Status        string
	// Completed is true only for the increment that moved the batch to COMPLETED.
	Completed bool
}

// Customer is a tenant-scoped debtor.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Invoice is a tenant-scoped receivable owned by a customer.
type Invoice struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	DueDate    time.Time `json:"due_date"`
	CreatedAt  time.Time `json:"created_at"`
}

// Payment is money received from a customer.
type Payment struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	CustomerID uuid.UUID  `json:"customer_id"`
	ExternalID string     `json:"external_id"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	Status     string     `json:"status"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PaymentApplication allocates part of a payment to an invoice.
type PaymentApplication struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	PaymentID  uuid.UUID `json:"payment_id"`
	InvoiceID  uuid.UUID `json:"invoice_id"`
	ExternalID string    `json:"external_id"`
	Amount     float64   `json:"amount"`
	AppliedAt  time.Time `json:"applied_at"`
}
