package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/api"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/redis"
)

const maxBodyBytes = 1 << 20

type tenantScoped interface {
	tenant() string
}

type statusResponse struct {
	Status string `json:"status"`
}

// InboundResponse is returned by POST /webhooks/inbound.
type InboundResponse struct {
	Status     string     `json:"status"`
	EventID    uuid.UUID  `json:"eventId"`
	CustomerID uuid.UUID  `json:"customerId"`
	InvoiceID  *uuid.UUID `json:"invoiceId"`
	Correlated bool       `json:"correlated"`
	Strategy   string     `json:"strategy"`
}

// Handler is the HTTP side of the webhook service.
type Handler struct {
	svc     *Service
	secrets Secrets
	logger  *zap.Logger
}

func NewHandler(svc *Service, secrets Secrets, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, secrets: secrets, logger: logger}
}

// Routes mounts the webhook endpoints under /webhooks.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payment-applied", h.PaymentApplied)
		r.Post("/payment-settled", h.PaymentSettled)
		r.Post("/inbound", h.Inbound)
		r.Post("/delivery-status", h.DeliveryStatus)
		r.Post("/replay", h.Replay)
	})
}

// PaymentApplied handles POST /webhooks/payment-applied
func (h *Handler) PaymentApplied(w http.ResponseWriter, r *http.Request) {
	var ev PaymentAppliedEvent
	h.serve(w, r, EventPaymentApplied, &ev, func(ctx context.Context) {
		h.ack(w, EventPaymentApplied, h.svc.ApplyPayment(ctx, &ev))
	})
}

// PaymentSettled handles POST /webhooks/payment-settled
func (h *Handler) PaymentSettled(w http.ResponseWriter, r *http.Request) {
	var ev PaymentSettledEvent
	h.serve(w, r, EventPaymentSettled, &ev, func(ctx context.Context) {
		h.ack(w, EventPaymentSettled, h.svc.SettlePayment(ctx, &ev))
	})
}

// DeliveryStatus handles POST /webhooks/delivery-status
func (h *Handler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var ev DeliveryStatusEvent
	h.serve(w, r, EventDeliveryStatus, &ev, func(ctx context.Context) {
		h.ack(w, EventDeliveryStatus, h.svc.UpdateDeliveryStatus(ctx, &ev))
	})
}

// Inbound handles POST /webhooks/inbound
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	var msg InboundMessage
	h.serve(w, r, EventInbound, &msg, func(ctx context.Context) {
		res, err := h.svc.IngestInbound(ctx, &msg)
		if err != nil {
			h.ack(w, EventInbound, err)
			return
		}
		metrics.RecordWebhook(EventInbound, "ok")
		api.WriteJSON(w, http.StatusOK, InboundResponse{
			Status:     "ok",
			EventID:    res.EventID,
			CustomerID: res.CustomerID,
			InvoiceID:  res.InvoiceID,
			Correlated: res.Correlated(),
			Strategy:   string(res.Strategy),
		})
	})
}

// Replay handles POST /webhooks/replay
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	h.serve(w, r, "replay", &req, func(ctx context.Context) {
		err := h.svc.Replay(ctx, &req)
		switch {
		case err == nil:
			metrics.RecordWebhook("replay", "ok")
			api.WriteJSON(w, http.StatusOK, statusResponse{Status: "released"})
		case errors.Is(err, redis.ErrClaimNotReleasable):
			metrics.RecordWebhook("replay", "conflict")
			api.WriteError(w, http.StatusConflict, "not_replayable",
				"Event cannot be replayed", "claim is missing or the event already completed")
		default:
			h.logger.Error("replay failed", zap.Error(err), zap.String("event_id", req.EventID))
			metrics.RecordWebhook("replay", "error")
			api.WriteError(w, http.StatusInternalServerError, "idempotency_error", "Failed to release claim", "")
		}
	})
}

// serve verifies the signature over the raw body, decodes and validates v,
// then calls process. Every rejection is written here.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, eventType string, v any, process func(ctx context.Context)) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "webhook."+eventType)
	defer span.End()

	reject := func(status int, result, errType, title, detail string) {
		span.SetStatus(codes.Error, title)
		metrics.RecordWebhook(eventType, result)
		api.WriteError(w, status, errType, title, detail)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		reject(http.StatusBadRequest, "invalid", "invalid_request", "Unreadable body", err.Error())
		return
	}

	var headerTenant *uuid.UUID
	if raw := r.Header.Get(TenantHeader); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			reject(http.StatusBadRequest, "invalid", "invalid_request", "Invalid tenant header", "X-Tenant-ID must be a valid UUID")
			return
		}
		headerTenant = &id
		span.SetAttributes(attribute.String("tenant_id", id.String()))
	}

	secret, err := h.secrets.For(headerTenant)
	if err != nil {
		h.logger.Error("webhook secret not configured", zap.String("event_type", eventType))
		reject(http.StatusInternalServerError, "error", "configuration_error", "Webhook verification unavailable", "")
		return
	}
	if err := Verify(secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected",
			zap.Error(err),
			zap.String("event_type", eventType),
			zap.String("remote_addr", r.RemoteAddr),
		)
		reject(http.StatusUnauthorized, "unauthorized", "unauthorized", "Invalid signature", err.Error())
		return
	}

	if err := api.DecodeJSON(body, v); err != nil {
		reject(http.StatusBadRequest, "invalid", "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if errs := api.Validate(v); len(errs) > 0 {
		metrics.RecordWebhook(eventType, "invalid")
		api.WriteValidationError(w, errs)
		return
	}

	if ts, ok := v.(tenantScoped); ok && headerTenant != nil && ts.tenant() != headerTenant.String() {
		reject(http.StatusUnauthorized, "unauthorized", "unauthorized", "Tenant mismatch", "body tenantId does not match X-Tenant-ID")
		return
	}

	process(ctx)
}

// ack maps a service error to the webhook response.
func (h *Handler) ack(w http.ResponseWriter, eventType string, err error) {
	switch {
	case err == nil:
		metrics.RecordWebhook(eventType, "ok")
		api.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	case errors.Is(err, ErrDuplicate):
		metrics.RecordWebhook(eventType, "duplicate")
		api.WriteJSON(w, http.StatusOK, statusResponse{Status: "duplicate"})
	case errors.Is(err, ErrUnknownReference):
		metrics.RecordWebhook(eventType, "not_found")
		api.WriteError(w, http.StatusNotFound, "not_found", "Referenced record not found", err.Error())
	default:
		h.logger.Error("webhook failed", zap.Error(err), zap.String("event_type", eventType))
		metrics.RecordWebhook(eventType, "error")
		api.WriteError(w, http.StatusInternalServerError, "processing_error", "Failed to process event", "")
	}
}
