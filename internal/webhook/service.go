// Package webhook ingests signed provider callbacks: payments, inbound
// customer messages and delivery status updates. Each event is claimed in
// the idempotency store before it is processed.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/correlation"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/redis"
)

var (
	// ErrDuplicate means the event was claimed by an earlier delivery.
	ErrDuplicate = errors.New("event already claimed")

	// ErrUnknownReference means the event points at a customer, invoice or
	// message this tenant does not have. It is detected before claiming.
	ErrUnknownReference = errors.New("referenced record not found")
)

// Store is the persistence the webhooks touch.
type Store interface {
	GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*db.Customer, error)
	FindCustomerByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*db.Customer, error)
	GetInvoice(ctx context.Context, tenantID, id uuid.UUID) (*db.Invoice, error)
	UpsertSettledPayment(ctx context.Context, p *db.Payment) error
	ApplyPayment(ctx context.Context, p db.ApplyPaymentParams) (*db.Invoice, error)
	AppendEvent(ctx context.Context, ev *db.ContactEvent) error
	FindEventByExternalID(ctx context.Context, tenantID uuid.UUID, externalMessageID string) (*db.ContactEvent, error)
	EnrichEvent(ctx context.Context, tenantID uuid.UUID, externalMessageID, status string, errorReason *string, patch json.RawMessage) (*db.ContactEvent, error)
}

// Claimer is the idempotency store.
type Claimer interface {
	Claim(ctx context.Context, eventType, externalEventID string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, eventType, externalEventID string) error
	Release(ctx context.Context, eventType, externalEventID string) error
}

// ErrNoClaimStore is returned by NoClaims.
var ErrNoClaimStore = errors.New("idempotency store unavailable")

// NoClaims stands in for the idempotency store when Redis is down. Every
// event fails closed instead of being processed without dedupe.
type NoClaims struct{}

func (NoClaims) Claim(context.Context, string, string, time.Duration) (bool, error) {
	return false, ErrNoClaimStore
}
func (NoClaims) Complete(context.Context, string, string) error { return ErrNoClaimStore }
func (NoClaims) Release(context.Context, string, string) error  { return ErrNoClaimStore }

// Correlator links an inbound message to an invoice.
type Correlator interface {
	Correlate(ctx context.Context, in correlation.Input) (correlation.Result, error)
}

// PhoneResolver finds the customer owning a phone number.
type PhoneResolver interface {
	Lookup(ctx context.Context, tenantID uuid.UUID, phone string) (uuid.UUID, error)
}

// Service processes verified, validated webhook events.
type Service struct {
	store      Store
	claims     Claimer
	correlator Correlator
	phones     PhoneResolver
	claimTTL   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a webhook service. claimTTL <= 0 uses redis.ClaimTTL.
func NewService(store Store, claims Claimer, correlator Correlator, phones PhoneResolver, claimTTL time.Duration, logger *zap.Logger) *Service {
	if claimTTL <= 0 {
		claimTTL = redis.ClaimTTL
	}
	return &Service{
		store:      store,
		claims:     claims,
		correlator: correlator,
		phones:     phones,
		claimTTL:   claimTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// run claims (eventType, externalID) and processes it. A failure in fn
// leaves the claim in place; only Replay clears it.
func (s *Service) run(ctx context.Context, eventType, externalID string, fn func(ctx context.Context) error) error {
	claimed, err := s.claims.Claim(ctx, eventType, externalID, s.claimTTL)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		metrics.RecordIdempotencyHit()
		s.logger.Info("duplicate webhook ignored",
			zap.String("event_type", eventType),
			zap.String("event_id", externalID),
		)
		return ErrDuplicate
	}

	if err := fn(ctx); err != nil {
		s.logger.Error("webhook processing failed, claim kept",
			zap.Error(err),
			zap.String("event_type", eventType),
			zap.String("event_id", externalID),
		)
		return err
	}

	if err := s.claims.Complete(context.WithoutCancel(ctx), eventType, externalID); err != nil {
		s.logger.Warn("failed to mark claim done",
			zap.Error(err),
			zap.String("event_type", eventType),
			zap.String("event_id", externalID),
		)
	}
	return nil
}

// SettlePayment records a settled payment for a known customer.
func (s *Service) SettlePayment(ctx context.Context, ev *PaymentSettledEvent) error {
	tenantID := uuid.MustParse(ev.TenantID)
	customerID := uuid.MustParse(ev.CustomerID)
	if err := s.requireCustomer(ctx, tenantID, customerID); err != nil {
		return err
	}

	return s.run(ctx, EventPaymentSettled, ev.EventID, func(ctx context.Context) error {
		settledAt := ev.SettledAt
		return s.store.UpsertSettledPayment(ctx, &db.Payment{
			TenantID:   tenantID,
			CustomerID: customerID,
			ExternalID: ev.PaymentID,
			Amount:     ev.Amount,
			Currency:   ev.Currency,
			SettledAt:  &settledAt,
		})
	})
}

// ApplyPayment allocates a payment to an invoice of the tenant.
func (s *Service) ApplyPayment(ctx context.Context, ev *PaymentAppliedEvent) error {
	tenantID := uuid.MustParse(ev.TenantID)
	invoiceID := uuid.MustParse(ev.InvoiceID)
	if _, err := s.store.GetInvoice(ctx, tenantID, invoiceID); err != nil {
		return lookupError(err)
	}

	appliedAt := s.now().UTC()
	if ev.AppliedAt != nil {
		appliedAt = *ev.AppliedAt
	}
	return s.run(ctx, EventPaymentApplied, ev.EventID, func(ctx context.Context) error {
		_, err := s.store.ApplyPayment(ctx, db.ApplyPaymentParams{
			TenantID:          tenantID,
			InvoiceID:         invoiceID,
			PaymentExternalID: ev.PaymentID,
			ExternalID:        ev.EventID,
			Amount:            ev.Amount,
			Currency:          ev.Currency,
			AppliedAt:         appliedAt,
		})
		return err
	})
}

// InboundResult is the outcome of IngestInbound.
type InboundResult struct {
	EventID    uuid.UUID
	CustomerID uuid.UUID
	InvoiceID  *uuid.UUID
	Strategy   correlation.Strategy
}

// Correlated reports whether the message was tied to an invoice.
func (r *InboundResult) Correlated() bool { return r.InvoiceID != nil }

// IngestInbound identifies the sender, correlates the message to an
// invoice and records it in the ledger.
func (s *Service) IngestInbound(ctx context.Context, msg *InboundMessage) (*InboundResult, error) {
	tenantID := uuid.MustParse(msg.TenantID)
	channel := db.Channel(msg.Channel)

	customerID, err := s.resolveSender(ctx, tenantID, channel, msg)
	if err != nil {
		return nil, err
	}

	var explicit *uuid.UUID
	if msg.InvoiceID != "" {
		id := uuid.MustParse(msg.InvoiceID)
		explicit = &id
	}

	in := correlation.Input{
		TenantID:   tenantID,
		CustomerID: customerID,
		InvoiceID:  explicit,
		Text:       msg.MessageText,
	}
	if msg.ExtractedData != nil {
		in.ExtractedInvoiceNumber = msg.ExtractedData.InvoiceNumber
	}
	var providerID *string
	if msg.Metadata != nil {
		in.InReplyTo = msg.Metadata.InReplyTo
		if msg.Metadata.MessageID != "" {
			id := msg.Metadata.MessageID
			providerID = &id
		}
	}

	timestamp := s.now().UTC()
	if msg.Timestamp != nil {
		timestamp = msg.Timestamp.UTC()
	}

	result := &InboundResult{CustomerID: customerID}
	err = s.run(ctx, EventInbound, inboundExternalID(tenantID, msg), func(ctx context.Context) error {
		res, err := s.correlator.Correlate(ctx, in)
		if err != nil {
			return fmt.Errorf("correlate inbound message: %w", err)
		}

		payload, err := json.Marshal(inboundPayload{
			From:          msg.From,
			MessageText:   msg.MessageText,
			Summary:       msg.Summary,
			Metadata:      msg.Metadata,
			ExtractedData: msg.ExtractedData,
			Strategy:      string(res.Strategy),
		})
		if err != nil {
			return fmt.Errorf("marshal inbound payload: %w", err)
		}

		ev := &db.ContactEvent{
			ID:                uuid.New(),
			TenantID:          tenantID,
			CustomerID:        customerID,
			InvoiceID:         res.InvoiceID,
			Channel:           channel,
			Direction:         db.DirectionInbound,
			Status:            db.EventStatusDelivered,
			Timestamp:         timestamp,
			ExternalMessageID: providerID,
			Payload:           payload,
		}
		if err := s.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
			return err
		}

		metrics.RecordCorrelation(string(res.Strategy))
		result.EventID = ev.ID
		result.InvoiceID = res.InvoiceID
		result.Strategy = res.Strategy
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("inbound message recorded",
		zap.String("event_id", result.EventID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("customer_id", customerID.String()),
		zap.String("strategy", string(result.Strategy)),
	)
	return result, nil
}

type inboundPayload struct {
	From          string           `json:"from,omitempty"`
	MessageText   string           `json:"message_text"`
	Summary       string           `json:"summary,omitempty"`
	Metadata      *InboundMetadata `json:"metadata,omitempty"`
	ExtractedData *ExtractedData   `json:"extracted_data,omitempty"`
	Strategy      string           `json:"correlation_strategy"`
}

// UpdateDeliveryStatus enriches the outbound event the provider reports on.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, ev *DeliveryStatusEvent) error {
	tenantID := uuid.MustParse(ev.TenantID)
	if _, err := s.store.FindEventByExternalID(ctx, tenantID, ev.ExternalMessageID); err != nil {
		return lookupError(err)
	}

	var reason *string
	if ev.ErrorReason != "" {
		r := ev.ErrorReason
		reason = &r
	}

	return s.run(ctx, EventDeliveryStatus, ev.EventID, func(ctx context.Context) error {
		patch, err := json.Marshal(deliveryPatch{
			ProviderStatus:  ev.ProviderStatus,
			Transcript:      ev.Transcript,
			DurationSeconds: ev.DurationSeconds,
		})
		if err != nil {
			return fmt.Errorf("marshal delivery patch: %w", err)
		}
		_, err = s.store.EnrichEvent(ctx, tenantID, ev.ExternalMessageID, ev.Status, reason, patch)
		return err
	})
}

type deliveryPatch struct {
	ProviderStatus  string `json:"provider_status,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Replay clears a claim whose processing failed so the provider's next
// retry is handled. Finished or unknown events are refused.
func (s *Service) Replay(ctx context.Context, req *ReplayRequest) error {
	if err := s.claims.Release(ctx, req.EventType, req.EventID); err != nil {
		return err
	}
	s.logger.Info("webhook claim released for replay",
		zap.String("event_type", req.EventType),
		zap.String("event_id", req.EventID),
	)
	return nil
}

func (s *Service) resolveSender(ctx context.Context, tenantID uuid.UUID, channel db.Channel, msg *InboundMessage) (uuid.UUID, error) {
	if msg.CustomerID != "" {
		id := uuid.MustParse(msg.CustomerID)
		if err := s.requireCustomer(ctx, tenantID, id); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	if channel == db.ChannelEmail {
		c, err := s.store.FindCustomerByEmail(ctx, tenantID, strings.TrimSpace(msg.From))
		if err != nil {
			return uuid.Nil, lookupError(err)
		}
		return c.ID, nil
	}
	return s.phones.Lookup(ctx, tenantID, msg.From)
}

func (s *Service) requireCustomer(ctx context.Context, tenantID, customerID uuid.UUID) error {
	if _, err := s.store.GetCustomer(ctx, tenantID, customerID); err != nil {
		return lookupError(err)
	}
	return nil
}

func lookupError(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnknownReference, err)
	}
	return err
}

// inboundExternalID is the provider message id, or a digest of the message
// when the provider sends none.
func inboundExternalID(tenantID uuid.UUID, msg *InboundMessage) string {
	if msg.Metadata != nil && msg.Metadata.MessageID != "" {
		return msg.Metadata.MessageID
	}
	ts := ""
	if msg.Timestamp != nil {
		ts = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		tenantID.String(), msg.Channel, msg.From, ts, msg.MessageText,
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}
