package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/channel"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

type Config struct {
	// ConnectorTimeout bounds a single provider call.
	ConnectorTimeout time.Duration
	// IdleInterval is how long to sleep when the queue is empty.
	IdleInterval time.Duration
}

// Outcome is the result of processing one job.
type Outcome struct {
	Status     string
	ExternalID string
	Err        *channel.Error
	Batch      *db.BatchProgress
}

// Failed reports whether the job ended FAILED.
func (o Outcome) Failed() bool { return o.Status == db.EventStatusFailed }

// Worker is a single consumer. It never runs two jobs at once.
type Worker struct {
	queue      Queue
	limiter    Limiter
	customers  CustomerStore
	connectors Connectors
	ledger     Ledger
	batches    BatchRecorder
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

func New(queue Queue, limiter Limiter, customers CustomerStore, connectors Connectors, ledger Ledger, batches BatchRecorder, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ConnectorTimeout == 0 {
		cfg.ConnectorTimeout = 30 * time.Second
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = time.Second
	}

	return &Worker{
		queue:      queue,
		limiter:    limiter,
		customers:  customers,
		connectors: connectors,
		ledger:     ledger,
		batches:    batches,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs the consume loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return
			}
			wait := bo.NextBackOff()
			w.logger.Error("failed to dequeue job", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				w.logger.Info("worker stopping")
				return
			}
			continue
		}
		bo.Reset()

		if d == nil {
			if !sleep(ctx, w.config.IdleInterval) {
				w.logger.Info("worker stopping")
				return
			}
			continue
		}

		if !w.runOne(ctx, d) {
			return
		}
	}
}

// runOne waits for a rate limit slot, processes the job and acknowledges
// it. It returns false if the worker should stop.
func (w *Worker) runOne(ctx context.Context, d *Delivery) bool {
	waitStart := w.now()
	if err := w.limiter.Wait(ctx); err != nil {
		// The job stays in the active list. Nothing resends it on its own.
		w.logger.Warn("worker stopping with job taken but not sent",
			zap.String("job_id", d.Job.ID.String()),
			zap.Error(err),
		)
		return false
	}
	metrics.RecordRateLimitWait(w.now().Sub(waitStart))

	out := w.Process(ctx, d.Job)

	// Acknowledge even during shutdown, the outcome is already recorded.
	if err := w.queue.Complete(context.WithoutCancel(ctx), d, out.Failed()); err != nil {
		w.logger.Error("failed to acknowledge job",
			zap.String("job_id", d.Job.ID.String()),
			zap.Error(err),
		)
	}
	return true
}

// Process runs one job to completion: resolve the customer, pick the
// destination, send, then record the ledger row and the batch outcome.
// Send failures are classified and recorded, never returned.
func (w *Worker) Process(ctx context.Context, job *db.NotificationJob) Outcome {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("tenant.id", job.TenantID.String()),
		attribute.String("channel", string(job.Channel)),
	)

	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("customer_id", job.CustomerID.String()),
		zap.String("channel", string(job.Channel)),
	)
	if job.BatchID != nil {
		log = log.With(zap.String("batch_id", job.BatchID.String()))
	}

	msg := RenderMessage(job.Message, job.TemplateVariables)
	payload := db.OutboundPayload{
		Message:           msg,
		TemplateID:        job.TemplateID,
		TemplateVariables: job.TemplateVariables,
		JobID:             job.ID,
	}

	res, sendErr := w.send(ctx, job, msg, &payload)

	// Ledger and batch writes must land even if shutdown started mid-send.
	recordCtx := context.WithoutCancel(ctx)
	out := Outcome{Status: db.EventStatusSent}
	ev := &db.ContactEvent{
		ID:         uuid.New(),
		TenantID:   job.TenantID,
		CustomerID: job.CustomerID,
		InvoiceID:  job.InvoiceID,
		BatchID:    job.BatchID,
		Channel:    job.Channel,
		Direction:  db.DirectionOutbound,
		Timestamp:  w.now().UTC(),
	}

	if sendErr != nil {
		out.Status = db.EventStatusFailed
		out.Err = sendErr
		reason := sendErr.Error()
		ev.ErrorReason = &reason
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, string(sendErr.Kind))
		metrics.RecordConnectorError(string(job.Channel), string(sendErr.Kind))
		log.Warn("job failed",
			zap.String("kind", string(sendErr.Kind)),
			zap.Error(sendErr),
		)
	} else {
		out.ExternalID = res.ExternalID
		payload.ProviderStatus = res.Status
		if res.ExternalID != "" {
			ext := res.ExternalID
			ev.ExternalMessageID = &ext
		}
		log.Info("job sent", zap.String("external_message_id", res.ExternalID))
	}
	ev.Status = out.Status
	if job.BatchID != nil {
		payload.CountedAs = out.Status
	}

	if raw, err := json.Marshal(payload); err == nil {
		ev.Payload = raw
	}
	if err := w.ledger.AppendEvent(recordCtx, ev); err != nil {
		log.Error("failed to append contact event", zap.Error(err))
	}

	if job.BatchID != nil {
		var entry *db.ErrorSummaryEntry
		if sendErr != nil {
			entry = &db.ErrorSummaryEntry{
				Code:       string(sendErr.Kind),
				Message:    sendErr.Message,
				Channel:    job.Channel,
				CustomerID: job.CustomerID,
				Timestamp:  ev.Timestamp,
			}
		}
		progress, err := w.batches.RecordOutcome(recordCtx, *job.BatchID, sendErr != nil, entry)
		switch {
		case errors.Is(err, db.ErrBatchSaturated):
			log.Warn("batch already full, outcome not counted")
		case err != nil:
			log.Error("failed to record batch outcome", zap.Error(err))
		default:
			out.Batch = progress
		}
	}

	outcome := "sent"
	if out.Failed() {
		outcome = "failed"
	}
	var sinceEnqueue time.Duration
	if !job.EnqueuedAt.IsZero() {
		sinceEnqueue = w.now().Sub(job.EnqueuedAt)
	}
	metrics.RecordJobDispatched(string(job.Channel), outcome, sinceEnqueue)

	return out
}

// send covers steps up to and including the provider call. Every failure
// comes back classified.
func (w *Worker) send(ctx context.Context, job *db.NotificationJob, msg db.Message, payload *db.OutboundPayload) (channel.Result, *channel.Error) {
	customer, err := w.customers.GetCustomer(ctx, job.TenantID, job.CustomerID)
	if errors.Is(err, db.ErrNotFound) {
		return channel.Result{}, channel.Errorf(channel.KindInvalidRecipient, "customer %s not found", job.CustomerID)
	}
	if err != nil {
		return channel.Result{}, channel.Wrap(channel.KindUnknown, err, "load customer")
	}

	dest, err := channel.Destination(job.Channel, customer)
	if err != nil {
		return channel.Result{}, channel.Classify(err)
	}
	payload.Destination = dest

	conn, err := w.connectors.Get(job.Channel)
	if err != nil {
		return channel.Result{}, channel.Classify(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.ConnectorTimeout)
	defer cancel()

	res, err := conn.Send(sendCtx, channel.OutboundMessage{
		TenantID:    job.TenantID,
		JobID:       job.ID,
		Destination: dest,
		Subject:     msg.Subject,
		Text:        msg.Text,
	})
	if err != nil {
		return channel.Result{}, channel.Classify(err)
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
