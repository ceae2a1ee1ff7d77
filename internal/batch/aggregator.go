// Package batch tracks campaign progress. Counters only move through the
// store's atomic increment, and the COMPLETED transition is acted on by the
// single caller that caused it.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/channel"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/sns"
)

// ErrEmptyBatch is returned by Create when there are no recipients.
var ErrEmptyBatch = errors.New("batch has no recipients")

// ErrDuplicateRecipient matches a DuplicateRecipientError.
var ErrDuplicateRecipient = errors.New("duplicate batch recipient")

// DuplicateRecipientError reports a recipient whose (customer, invoice) pair
// already appears earlier in the same request. A batch's ledger rows are
// keyed by that pair.
type DuplicateRecipientError struct {
	Index int
	First int
}

func (e *DuplicateRecipientError) Error() string {
	return fmt.Sprintf("recipient %d repeats recipient %d", e.Index, e.First)
}

func (e *DuplicateRecipientError) Is(target error) bool { return target == ErrDuplicateRecipient }

func checkDuplicates(recipients []Recipient) error {
	type pair struct {
		customer uuid.UUID
		invoice  uuid.UUID
	}
	seen := make(map[pair]int, len(recipients))
	for i, r := range recipients {
		k := pair{customer: r.CustomerID}
		if r.InvoiceID != nil {
			k.invoice = *r.InvoiceID
		}
		if first, ok := seen[k]; ok {
			return &DuplicateRecipientError{Index: i, First: first}
		}
		seen[k] = i
	}
	return nil
}

type Store interface {
	CreateBatch(ctx context.Context, b *db.BatchJob) error
	GetBatch(ctx context.Context, tenantID, id uuid.UUID) (*db.BatchJob, error)
	RecordBatchOutcome(ctx context.Context, id uuid.UUID, failed bool, entry *db.ErrorSummaryEntry) (*db.BatchProgress, error)
	ReleaseOutcome(ctx context.Context, id uuid.UUID, failed bool) (*db.BatchJob, error)
	SetBatchCounts(ctx context.Context, id uuid.UUID, processed, failed int) (*db.BatchProgress, error)
	ListRetryableEvents(ctx context.Context, batchID uuid.UUID) ([]*db.ContactEvent, error)
	CountBatchOutcomes(ctx context.Context, batchID uuid.UUID) (sent, failed int, err error)
	AppendEvent(ctx context.Context, ev *db.ContactEvent) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *db.NotificationJob) (string, error)
}

// Publisher announces completed batches. Optional.
type Publisher interface {
	PublishBatchCompleted(ctx context.Context, ev sns.BatchCompleted) (string, error)
}

type Aggregator struct {
	store     Store
	queue     Enqueuer
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewAggregator(store Store, queue Enqueuer, publisher Publisher, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Recipient is one target of a campaign.
type Recipient struct {
	CustomerID uuid.UUID
	InvoiceID  *uuid.UUID
	Variables  map[string]string
}

type CreateRequest struct {
	TenantID   uuid.UUID
	Channel    db.Channel
	Message    db.Message
	TemplateID string
	Recipients []Recipient
}

// CreateResult reports the new batch and the jobs that made it onto the queue.
type CreateResult struct {
	Batch  *db.BatchJob
	JobIDs []string
	Failed int
}

// Create stores the batch and enqueues one job per recipient. A recipient
// whose job cannot be enqueued is counted as a failed outcome right away.
func (a *Aggregator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := checkDuplicates(req.Recipients); err != nil {
		return nil, err
	}

	b := &db.BatchJob{
		TenantID:      req.TenantID,
		Channel:       req.Channel,
		TotalMessages: len(req.Recipients),
	}
	if err := a.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	res := &CreateResult{Batch: b}
	for _, r := range req.Recipients {
		batchID := b.ID
		job := &db.NotificationJob{
			ID:                uuid.New(),
			TenantID:          req.TenantID,
			Channel:           req.Channel,
			CustomerID:        r.CustomerID,
			InvoiceID:         r.InvoiceID,
			BatchID:           &batchID,
			Message:           req.Message,
			TemplateID:        req.TemplateID,
			TemplateVariables: r.Variables,
		}

		id, err := a.queue.Enqueue(ctx, job)
		if err != nil {
			res.Failed++
			a.logger.Error("failed to enqueue batch job",
				zap.String("batch_id", b.ID.String()),
				zap.String("customer_id", r.CustomerID.String()),
				zap.Error(err),
			)
			a.recordEnqueueFailure(ctx, job, err)
			continue
		}
		metrics.RecordJobEnqueued(string(req.Channel))
		res.JobIDs = append(res.JobIDs, id)
	}

	if res.Failed > 0 {
		if fresh, err := a.store.GetBatch(ctx, req.TenantID, b.ID); err == nil {
			res.Batch = fresh
		}
	}
	return res, nil
}

func (a *Aggregator) recordEnqueueFailure(ctx context.Context, job *db.NotificationJob, cause error) {
	cerr := channel.Wrap(channel.KindConnectionFailed, cause, "enqueue failed")
	reason := cerr.Error()
	ts := a.now().UTC()

	payload, _ := json.Marshal(db.OutboundPayload{
		Message:           job.Message,
		TemplateID:        job.TemplateID,
		TemplateVariables: job.TemplateVariables,
		JobID:             job.ID,
		CountedAs:         db.EventStatusFailed,
	})
	ev := &db.ContactEvent{
		ID:          uuid.New(),
		TenantID:    job.TenantID,
		CustomerID:  job.CustomerID,
		InvoiceID:   job.InvoiceID,
		BatchID:     job.BatchID,
		Channel:     job.Channel,
		Direction:   db.DirectionOutbound,
		Status:      db.EventStatusFailed,
		Timestamp:   ts,
		ErrorReason: &reason,
		Payload:     payload,
	}
	if err := a.store.AppendEvent(ctx, ev); err != nil {
		a.logger.Error("failed to append contact event", zap.Error(err))
	}

	entry := &db.ErrorSummaryEntry{
		Code:       string(cerr.Kind),
		Message:    cerr.Message,
		Channel:    job.Channel,
		CustomerID: job.CustomerID,
		Timestamp:  ts,
	}
	if _, err := a.RecordOutcome(ctx, *job.BatchID, true, entry); err != nil {
		a.logger.Error("failed to record batch outcome", zap.Error(err))
	}
}

// RecordOutcome counts one finished job. When this call is the one that
// completes the batch, the completion event is published.
func (a *Aggregator) RecordOutcome(ctx context.Context, batchID uuid.UUID, failed bool, entry *db.ErrorSummaryEntry) (*db.BatchProgress, error) {
	p, err := a.store.RecordBatchOutcome(ctx, batchID, failed, entry)
	if err != nil {
		return nil, err
	}
	if p.Completed {
		a.onCompleted(ctx, p)
	}
	return p, nil
}

func (a *Aggregator) onCompleted(ctx context.Context, p *db.BatchProgress) {
	metrics.RecordBatchCompleted()
	a.logger.Info("batch completed",
		zap.String("batch_id", p.BatchID.String()),
		zap.String("tenant_id", p.TenantID.String()),
		zap.Int("processed", p.Processed),
		zap.Int("failed", p.Failed),
	)

	if a.publisher == nil {
		return
	}
	if _, err := a.publisher.PublishBatchCompleted(ctx, sns.NewBatchCompleted(p, a.now())); err != nil {
		a.logger.Error("failed to publish batch completed event",
			zap.String("batch_id", p.BatchID.String()),
			zap.Error(err),
		)
	}
}

func (a *Aggregator) Get(ctx context.Context, tenantID, id uuid.UUID) (*db.BatchJob, error) {
	return a.store.GetBatch(ctx, tenantID, id)
}

type RetryResult struct {
	Requeued int
	JobIDs   []string
	Batch    *db.BatchJob
}

// Retry re-enqueues recipients whose latest attempt failed as new jobs on
// the same batch. Each recipient's counted outcome is released before its
// job goes on the queue, and given back if the enqueue fails. Each requeued
// recipient gets a PENDING ledger row so a second Retry does not pick it up
// again while the first is in flight.
func (a *Aggregator) Retry(ctx context.Context, tenantID, id uuid.UUID) (*RetryResult, error) {
	b, err := a.store.GetBatch(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	events, err := a.store.ListRetryableEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list retryable events: %w", err)
	}

	res := &RetryResult{Batch: b}
	for _, ev := range events {
		var prev db.OutboundPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &prev); err != nil {
				a.logger.Warn("skipping event with unreadable payload",
					zap.String("event_id", ev.ID.String()),
					zap.Error(err),
				)
				continue
			}
		}

		batchID := id
		job := &db.NotificationJob{
			ID:                uuid.New(),
			TenantID:          ev.TenantID,
			Channel:           ev.Channel,
			CustomerID:        ev.CustomerID,
			InvoiceID:         ev.InvoiceID,
			BatchID:           &batchID,
			Message:           prev.Message,
			TemplateID:        prev.TemplateID,
			TemplateVariables: prev.TemplateVariables,
		}

		// A row whose delivery was reported failed later was counted as sent.
		countedFailed := prev.CountedAs != db.EventStatusSent
		if _, err := a.store.ReleaseOutcome(ctx, id, countedFailed); err != nil {
			if errors.Is(err, db.ErrNothingToRelease) {
				a.logger.Warn("skipping retry, no counted outcome to release",
					zap.String("batch_id", id.String()),
					zap.String("event_id", ev.ID.String()),
				)
				continue
			}
			return res, fmt.Errorf("release batch outcome: %w", err)
		}

		// Stamped before enqueue so the worker's own row always sorts after it.
		queuedAt := a.now().UTC()
		jobID, err := a.queue.Enqueue(ctx, job)
		if err != nil {
			a.logger.Error("failed to requeue job",
				zap.String("batch_id", id.String()),
				zap.String("customer_id", ev.CustomerID.String()),
				zap.Error(err),
			)
			if _, err := a.RecordOutcome(ctx, id, countedFailed, nil); err != nil {
				a.logger.Error("failed to restore batch outcome",
					zap.String("batch_id", id.String()),
					zap.Error(err),
				)
			}
			continue
		}
		metrics.RecordJobEnqueued(string(job.Channel))

		payload, _ := json.Marshal(db.OutboundPayload{
			Message:           job.Message,
			TemplateID:        job.TemplateID,
			TemplateVariables: job.TemplateVariables,
			JobID:             job.ID,
		})
		pending := &db.ContactEvent{
			ID:         uuid.New(),
			TenantID:   job.TenantID,
			CustomerID: job.CustomerID,
			InvoiceID:  job.InvoiceID,
			BatchID:    job.BatchID,
			Channel:    job.Channel,
			Direction:  db.DirectionOutbound,
			Status:     db.EventStatusPending,
			Timestamp:  queuedAt,
			Payload:    payload,
		}
		if err := a.store.AppendEvent(ctx, pending); err != nil {
			a.logger.Error("failed to append pending event", zap.Error(err))
		}

		res.Requeued++
		res.JobIDs = append(res.JobIDs, jobID)
	}

	if len(events) > 0 {
		if fresh, err := a.store.GetBatch(ctx, tenantID, id); err == nil {
			res.Batch = fresh
		}
	}

	a.logger.Info("batch retried",
		zap.String("batch_id", id.String()),
		zap.Int("candidates", len(events)),
		zap.Int("requeued", res.Requeued),
	)
	return res, nil
}

// Reconcile re-derives processed and failed from the ledger, using each
// recipient's latest attempt.
func (a *Aggregator) Reconcile(ctx context.Context, tenantID, id uuid.UUID) (*db.BatchJob, error) {
	if _, err := a.store.GetBatch(ctx, tenantID, id); err != nil {
		return nil, err
	}

	sent, failed, err := a.store.CountBatchOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}

	p, err := a.store.SetBatchCounts(ctx, id, sent, failed)
	if err != nil {
		return nil, err
	}
	if p.Completed {
		a.onCompleted(ctx, p)
	}

	a.logger.Info("batch reconciled",
		zap.String("batch_id", id.String()),
		zap.Int("processed", p.Processed),
		zap.Int("failed", p.Failed),
	)
	return a.store.GetBatch(ctx, tenantID, id)
}
