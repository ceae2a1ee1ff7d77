// Package dispatch drains the outbound job queue one job at a time, sends
// each job through its channel connector and records the outcome in the
// contact ledger and the batch aggregate.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/lalithlochan/dunning/internal/channel"
	"github.com/lalithlochan/dunning/internal/db"
)

// Delivery is a job taken off a queue. Receipt is backend specific and is
// handed back on Complete.
type Delivery struct {
	Job     *db.NotificationJob
	Receipt string
}

// QueueStats are the counters reported by GET /health.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the outbound job queue. Dequeue returns (nil, nil) when empty.
// Backends never redeliver a job on their own.
type Queue interface {
	Enqueue(ctx context.Context, job *db.NotificationJob) (string, error)
	Dequeue(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery, failed bool) error
	Stats(ctx context.Context) (QueueStats, error)
}

// Limiter blocks until a dispatch slot is free. *rate.Limiter and the Redis
// sliding-window limiter both satisfy it.
type Limiter interface {
	Wait(ctx context.Context) error
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*db.Customer, error)
}

type Ledger interface {
	AppendEvent(ctx context.Context, ev *db.ContactEvent) error
}

// BatchRecorder applies one job outcome to its batch.
type BatchRecorder interface {
	RecordOutcome(ctx context.Context, batchID uuid.UUID, failed bool, entry *db.ErrorSummaryEntry) (*db.BatchProgress, error)
}

// Connectors resolves the connector for a channel.
type Connectors interface {
	Get(ch db.Channel) (channel.Connector, error)
}
