package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a tenant-scoped row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBatchSaturated means processed + failed already equals the total,
	// so one more outcome would break the batch invariant.
	ErrBatchSaturated = errors.New("batch already accounts for every message")

	// ErrNothingToRelease means the counter a retry wanted to free is
	// already zero.
	ErrNothingToRelease = errors.New("batch counter already zero")
)

// Repository handles database operations for the ledger, batches and billing.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const contactEventColumns = `
	id, tenant_id, customer_id, invoice_id, batch_id, channel, direction,
	status, timestamp, external_message_id, error_reason, payload, updated_at`

func scanContactEvent(row pgx.Row) (*ContactEvent, error) {
	var ev ContactEvent
	err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.CustomerID,
		&ev.InvoiceID,
		&ev.BatchID,
		&ev.Channel,
		&ev.Direction,
		&ev.Status,
		&ev.Timestamp,
		&ev.ExternalMessageID,
		&ev.ErrorReason,
		&ev.Payload,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendEvent writes a new ledger entry.
func (r *Repository) AppendEvent(ctx context.Context, ev *ContactEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO contact_events (
			id, tenant_id, customer_id, invoice_id, batch_id, channel,
			direction, status, timestamp, external_message_id, error_reason, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID,
		ev.TenantID,
		ev.CustomerID,
		ev.InvoiceID,
		ev.BatchID,
		ev.Channel,
		ev.Direction,
		ev.Status,
		ev.Timestamp,
		ev.ExternalMessageID,
		ev.ErrorReason,
		payload,
	).Scan(&ev.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to append contact event",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
			zap.String("customer_id", ev.CustomerID.String()),
		)
		return fmt.Errorf("insert contact event: %w", err)
	}
	return nil
}

// FindEventByExternalID returns the most recent OUTBOUND event the provider
// knows as externalMessageID.
func (r *Repository) FindEventByExternalID(ctx context.Context, tenantID uuid.UUID, externalMessageID string) (*ContactEvent, error) {
	query := `SELECT ` + contactEventColumns + `
		FROM contact_events
		WHERE tenant_id = $1 AND external_message_id = $2 AND direction = 'OUTBOUND'
		ORDER BY timestamp DESC
		LIMIT 1
	`

	ev, err := scanContactEvent(r.db.Pool().QueryRow(ctx, query, tenantID, externalMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact event %s: %w", externalMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact event: %w", err)
	}
	return ev, nil
}

// EnrichEvent is the one permitted ledger mutation: it updates delivery
// status and merges patch into the payload of the OUTBOUND event keyed by
// externalMessageID. An empty status keeps the current one.
func (r *Repository) EnrichEvent(ctx context.Context, tenantID uuid.UUID, externalMessageID, status string, errorReason *string, patch json.RawMessage) (*ContactEvent, error) {
	if len(patch) == 0 {
		patch = json.RawMessage(`{}`)
	}

	query := `
		UPDATE contact_events
		SET status = COALESCE(NULLIF($3, ''), status),
			error_reason = COALESCE($4, error_reason),
			payload = payload || $5::jsonb,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM contact_events
			WHERE tenant_id = $1 AND external_message_id = $2 AND direction = 'OUTBOUND'
			ORDER BY timestamp DESC
			LIMIT 1
		)
		RETURNING ` + contactEventColumns

	ev, err := scanContactEvent(r.db.Pool().QueryRow(ctx, query, tenantID, externalMessageID, status, errorReason, patch))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact event %s: %w", externalMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("enrich contact event: %w", err)
	}

	r.logger.Info("contact event enriched",
		zap.String("event_id", ev.ID.String()),
		zap.String("external_message_id", externalMessageID),
		zap.String("status", ev.Status),
	)
	return ev, nil
}

// latestOutboundPerRecipient selects the newest OUTBOUND attempt for every
// (customer, invoice) pair of a batch.
const latestOutboundPerRecipient = `
	SELECT DISTINCT ON (customer_id, invoice_id) ` + contactEventColumns + `
	FROM contact_events
	WHERE batch_id = $1 AND direction = 'OUTBOUND'
	ORDER BY customer_id, invoice_id, timestamp DESC
`

// ListRetryableEvents returns the batch recipients whose latest attempt failed.
func (r *Repository) ListRetryableEvents(ctx context.Context, batchID uuid.UUID) ([]*ContactEvent, error) {
	query := `SELECT ` + contactEventColumns + `
		FROM (` + latestOutboundPerRecipient + `) latest
		WHERE status = 'FAILED'
		ORDER BY timestamp
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query retryable events: %w", err)
	}
	defer rows.Close()

	var events []*ContactEvent
	for rows.Next() {
		ev, err := scanContactEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountBatchOutcomes derives sent and failed counts from the ledger using
// each recipient's latest attempt.
func (r *Repository) CountBatchOutcomes(ctx context.Context, batchID uuid.UUID) (sent, failed int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('SENT', 'DELIVERED')),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM (` + latestOutboundPerRecipient + `) latest
	`
	if err := r.db.Pool().QueryRow(ctx, query, batchID).Scan(&sent, &failed); err != nil {
		return 0, 0, fmt.Errorf("count batch outcomes: %w", err)
	}
	return sent, failed, nil
}
