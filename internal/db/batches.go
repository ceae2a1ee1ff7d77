package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// maxErrorSummary caps error_summary so a large failing batch cannot grow
// the row without bound.
const maxErrorSummary = 1000

const batchColumns = `
	id, tenant_id, channel, status, total_messages, processed, failed,
	error_summary, created_at, updated_at, completed_at`

func scanBatch(row pgx.Row) (*BatchJob, error) {
	var b BatchJob
	var summary []byte
	err := row.Scan(
		&b.ID,
		&b.TenantID,
		&b.Channel,
		&b.Status,
		&b.TotalMessages,
		&b.Processed,
		&b.Failed,
		&summary,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summary, &b.ErrorSummary); err != nil {
		return nil, fmt.Errorf("decode error summary: %w", err)
	}
	return &b, nil
}

// CreateBatch inserts a new batch in PENDING.
func (r *Repository) CreateBatch(ctx context.Context, b *BatchJob) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = BatchStatusPending
	}

	query := `
		INSERT INTO batch_jobs (id, tenant_id, channel, status, total_messages)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query, b.ID, b.TenantID, b.Channel, b.Status, b.TotalMessages).
		Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	r.logger.Info("batch created",
		zap.String("batch_id", b.ID.String()),
		zap.String("tenant_id", b.TenantID.String()),
		zap.Int("total_messages", b.TotalMessages),
	)
	return nil
}

// GetBatch loads a tenant's batch.
func (r *Repository) GetBatch(ctx context.Context, tenantID, id uuid.UUID) (*BatchJob, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_jobs WHERE id = $1 AND tenant_id = $2`

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return b, nil
}

// RecordBatchOutcome counts one finished job and returns the new totals in
// the same statement. The row lock taken by the CTE serializes concurrent
// workers, so exactly one caller observes the transition to COMPLETED.
func (r *Repository) RecordBatchOutcome(ctx context.Context, id uuid.UUID, failed bool, entry *ErrorSummaryEntry) (*BatchProgress, error) {
	var entryJSON []byte
	if entry != nil {
		var err error
		if entryJSON, err = json.Marshal(entry); err != nil {
			return nil, fmt.Errorf("marshal error summary entry: %w", err)
		}
	}

	incProcessed, incFailed := 1, 0
	if failed {
		incProcessed, incFailed = 0, 1
	}

	query := `
		WITH prev AS (
			SELECT id, status FROM batch_jobs WHERE id = $1 FOR UPDATE
		)
		UPDATE batch_jobs b
		SET processed = b.processed + $2,
			failed = b.failed + $3,
			error_summary = CASE
				WHEN $4::jsonb IS NULL OR jsonb_array_length(b.error_summary) >= $5 THEN b.error_summary
				ELSE b.error_summary || jsonb_build_array($4::jsonb)
			END,
			status = CASE
				WHEN b.status = 'COMPLETED' THEN b.status
				WHEN b.processed + $2 + b.failed + $3 >= b.total_messages THEN 'COMPLETED'
				ELSE 'PROCESSING'
			END,
			completed_at = CASE
				WHEN b.status <> 'COMPLETED' AND b.processed + $2 + b.failed + $3 >= b.total_messages THEN NOW()
				ELSE b.completed_at
			END,
			updated_at = NOW()
		FROM prev
		WHERE b.id = prev.id AND b.processed + b.failed < b.total_messages
		RETURNING b.id, b.tenant_id, b.channel, b.processed, b.failed, b.total_messages, b.status, prev.status
	`

	var p BatchProgress
	var prevStatus string
	err := r.db.Pool().QueryRow(ctx, query, id, incProcessed, incFailed, entryJSON, maxErrorSummary).
		Scan(&p.BatchID, &p.TenantID, &p.Channel, &p.Processed, &p.Failed, &p.TotalMessages, &p.Status, &prevStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.batchMissOrFull(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("record batch outcome: %w", err)
	}

	p.Completed = prevStatus != BatchStatusCompleted && p.Status == BatchStatusCompleted
	return &p, nil
}

func (r *Repository) batchMissOrFull(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check batch: %w", err)
	}
	if !exists {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("batch %s: %w", id, ErrBatchSaturated)
}

// ReleaseOutcome gives back one counted outcome so a retried job can be
// counted again. failed selects which counter the earlier attempt consumed.
// It runs before the job is re-enqueued; the worker may record the retry's
// outcome as soon as the job is on the queue.
func (r *Repository) ReleaseOutcome(ctx context.Context, id uuid.UUID, failed bool) (*BatchJob, error) {
	query := `
		UPDATE batch_jobs
		SET processed = processed - CASE WHEN $2 THEN 0 ELSE 1 END,
			failed = failed - CASE WHEN $2 THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1 AND (CASE WHEN $2 THEN failed ELSE processed END) > 0
		RETURNING ` + batchColumns

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id, failed))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check batch: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("batch %s: %w", id, ErrNothingToRelease)
	}
	if err != nil {
		return nil, fmt.Errorf("release batch outcome: %w", err)
	}
	return b, nil
}

// SetBatchCounts overwrites the counters with values derived from the
// ledger, clamped to the batch total. It may complete the batch, and
// reports that the same way RecordBatchOutcome does.
func (r *Repository) SetBatchCounts(ctx context.Context, id uuid.UUID, processed, failed int) (*BatchProgress, error) {
	query := `
		WITH prev AS (
			SELECT id, status, total_messages,
				LEAST($2, total_messages) AS p
			FROM batch_jobs WHERE id = $1 FOR UPDATE
		), next AS (
			SELECT id, status, total_messages, p, LEAST($3, total_messages - p) AS f FROM prev
		)
		UPDATE batch_jobs b
		SET processed = next.p,
			failed = next.f,
			status = CASE
				WHEN b.status = 'COMPLETED' THEN b.status
				WHEN next.p + next.f >= b.total_messages THEN 'COMPLETED'
				WHEN next.p + next.f > 0 THEN 'PROCESSING'
				ELSE b.status
			END,
			completed_at = CASE
				WHEN b.status <> 'COMPLETED' AND next.p + next.f >= b.total_messages THEN NOW()
				ELSE b.completed_at
			END,
			updated_at = NOW()
		FROM next
		WHERE b.id = next.id
		RETURNING b.id, b.tenant_id, b.channel, b.processed, b.failed, b.total_messages, b.status, next.status
	`

	var p BatchProgress
	var prevStatus string
	err := r.db.Pool().QueryRow(ctx, query, id, processed, failed).
		Scan(&p.BatchID, &p.TenantID, &p.Channel, &p.Processed, &p.Failed, &p.TotalMessages, &p.Status, &prevStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("set batch counts: %w", err)
	}

	p.Completed = prevStatus != BatchStatusCompleted && p.Status == BatchStatusCompleted
	return &p, nil
}
