// Package api serves the internal producer endpoints of the gateway and the
// shared HTTP helpers used by the webhook handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/batch"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/redis"
)

// BatchService is the campaign side of the gateway.
type BatchService interface {
	Create(ctx context.Context, req batch.CreateRequest) (*batch.CreateResult, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*db.BatchJob, error)
	Retry(ctx context.Context, tenantID, id uuid.UUID) (*batch.RetryResult, error)
	Reconcile(ctx context.Context, tenantID, id uuid.UUID) (*db.BatchJob, error)
}

// IdempotencyStore caches /notify/send results per Idempotency-Key.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*redis.RequestResult, error)
	Store(ctx context.Context, tenantID, idempotencyKey string, result *redis.RequestResult, ttl time.Duration) error
}

// MessageBody accepts either a bare string or {"subject", "text"}.
type MessageBody struct {
	Subject string `json:"subject" validate:"max=998"`
	Text    string `json:"text" validate:"required,max=4096"`
}

func (m *MessageBody) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		return nil
	}
	type plain MessageBody
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = MessageBody(p)
	return nil
}

// SendRequest is the body of POST /notify/send.
type SendRequest struct {
	TenantID   string            `json:"tenantId" validate:"required,uuid"`
	Channel    string            `json:"channel" validate:"required,oneof=email chat voice"`
	CustomerID string            `json:"customerId" validate:"required,uuid"`
	InvoiceID  string            `json:"invoiceId" validate:"omitempty,uuid"`
	BatchID    string            `json:"batchId" validate:"omitempty,uuid"`
	Message    MessageBody       `json:"message"`
	TemplateID string            `json:"templateId" validate:"max=100"`
	Variables  map[string]string `json:"variables" validate:"max=50"`
}

type SendResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type RecipientBody struct {
	CustomerID string            `json:"customerId" validate:"required,uuid"`
	InvoiceID  string            `json:"invoiceId" validate:"omitempty,uuid"`
	Variables  map[string]string `json:"variables" validate:"max=50"`
}

// CreateBatchRequest is the body of POST /batches.
type CreateBatchRequest struct {
	TenantID   string          `json:"tenantId" validate:"required,uuid"`
	Channel    string          `json:"channel" validate:"required,oneof=email chat voice"`
	Message    MessageBody     `json:"message"`
	TemplateID string          `json:"templateId" validate:"max=100"`
	Recipients []RecipientBody `json:"recipients" validate:"required,min=1,max=10000,dive"`
}

type HealthResponse struct {
	Status string              `json:"status"`
	Queue  dispatch.QueueStats `json:"queue"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	queue          dispatch.Queue
	batches        BatchService
	idempotency    IdempotencyStore // nil if Redis not configured
	idempotencyTTL time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, queue dispatch.Queue, batches BatchService) *Handler {
	return &Handler{
		logger:         logger,
		queue:          queue,
		batches:        batches,
		idempotencyTTL: redis.RequestTTL,
	}
}

// NewHandlerWithIdempotency creates a handler with Idempotency-Key support
func NewHandlerWithIdempotency(logger *zap.Logger, queue dispatch.Queue, batches BatchService, idempotency IdempotencyStore) *Handler {
	h := NewHandler(logger, queue, batches)
	h.idempotency = idempotency
	return h
}

// Routes mounts the producer endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notify/send", h.Send)
	r.Post("/batches", h.CreateBatch)
	r.Get("/batches/{id}", h.GetBatch)
	r.Post("/batches/{id}/retry", h.RetryBatch)
	r.Post("/batches/{id}/reconcile", h.ReconcileBatch)
}

// Send handles POST /notify/send
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	job := &db.NotificationJob{
		ID:                uuid.New(),
		TenantID:          uuid.MustParse(req.TenantID),
		Channel:           db.Channel(req.Channel),
		CustomerID:        uuid.MustParse(req.CustomerID),
		InvoiceID:         optionalUUID(req.InvoiceID),
		BatchID:           optionalUUID(req.BatchID),
		Message:           db.Message{Subject: req.Message.Subject, Text: req.Message.Text},
		TemplateID:        req.TemplateID,
		TemplateVariables: req.Variables,
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.TenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				WriteError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			WriteJSON(w, cached.StatusCode, SendResponse{JobID: cached.JobID, Status: "queued"})
			return
		}
	}

	jobID, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		h.logger.Error("failed to enqueue job",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("channel", req.Channel),
		)
		WriteError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue notification", "")
		return
	}
	metrics.RecordJobEnqueued(req.Channel)

	h.logger.Info("job enqueued",
		zap.String("job_id", jobID),
		zap.String("tenant_id", req.TenantID),
		zap.String("customer_id", req.CustomerID),
		zap.String("channel", req.Channel),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.RequestResult{JobID: jobID, StatusCode: http.StatusAccepted}
		if err := h.idempotency.Store(ctx, req.TenantID, idempotencyKey, result, h.idempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	WriteJSON(w, http.StatusAccepted, SendResponse{JobID: jobID, Status: "queued"})
}

// CreateBatch handles POST /batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	recipients := make([]batch.Recipient, len(req.Recipients))
	for i, rc := range req.Recipients {
		recipients[i] = batch.Recipient{
			CustomerID: uuid.MustParse(rc.CustomerID),
			InvoiceID:  optionalUUID(rc.InvoiceID),
			Variables:  rc.Variables,
		}
	}

	res, err := h.batches.Create(r.Context(), batch.CreateRequest{
		TenantID:   uuid.MustParse(req.TenantID),
		Channel:    db.Channel(req.Channel),
		Message:    db.Message{Subject: req.Message.Subject, Text: req.Message.Text},
		TemplateID: req.TemplateID,
		Recipients: recipients,
	})
	var dup *batch.DuplicateRecipientError
	if errors.As(err, &dup) {
		WriteValidationError(w, []FieldError{{
			Field:   fmt.Sprintf("recipients[%d]", dup.Index),
			Message: fmt.Sprintf("duplicates recipients[%d]", dup.First),
		}})
		return
	}
	if err != nil {
		h.logger.Error("failed to create batch", zap.Error(err), zap.String("tenant_id", req.TenantID))
		WriteError(w, http.StatusInternalServerError, "database_error", "Failed to create batch", "")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch":  res.Batch,
		"jobIds": res.JobIDs,
		"failed": res.Failed,
	})
}

// GetBatch handles GET /batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, ok := h.batchParams(w, r)
	if !ok {
		return
	}

	b, err := h.batches.Get(r.Context(), tenantID, batchID)
	if err != nil {
		h.batchError(w, err, batchID, "Failed to load batch")
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// RetryBatch handles POST /batches/{id}/retry
func (h *Handler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, ok := h.batchParams(w, r)
	if !ok {
		return
	}

	res, err := h.batches.Retry(r.Context(), tenantID, batchID)
	if err != nil {
		h.batchError(w, err, batchID, "Failed to retry batch")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": res.Requeued,
		"jobIds":   res.JobIDs,
		"batch":    res.Batch,
	})
}

// ReconcileBatch handles POST /batches/{id}/reconcile
func (h *Handler) ReconcileBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, batchID, ok := h.batchParams(w, r)
	if !ok {
		return
	}

	b, err := h.batches.Reconcile(r.Context(), tenantID, batchID)
	if err != nil {
		h.batchError(w, err, batchID, "Failed to reconcile batch")
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// Health handles GET /health with queue depth counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Warn("queue stats unavailable", zap.Error(err))
		WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		return
	}
	metrics.SetQueueDepth(stats.Waiting, stats.Active, stats.Completed, stats.Failed)
	WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Queue: stats})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if errs := Validate(v); len(errs) > 0 {
		WriteValidationError(w, errs)
		return false
	}
	return true
}

func (h *Handler) batchParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid batch ID", "ID must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}

	raw := strings.TrimPrefix(TenantKeyFunc(r), "tenant:")
	if raw == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "X-Tenant-ID header or tenant_id query parameter is required")
		return uuid.Nil, uuid.Nil, false
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, batchID, true
}

func (h *Handler) batchError(w http.ResponseWriter, err error, batchID uuid.UUID, title string) {
	if errors.Is(err, db.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "Batch not found", "")
		return
	}
	h.logger.Error(strings.ToLower(title), zap.Error(err), zap.String("batch_id", batchID.String()))
	WriteError(w, http.StatusInternalServerError, "database_error", title, fmt.Sprintf("batch %s", batchID))
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}
