package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
)

// JobQueue is a Redis list queue. Jobs move from the waiting list to the
// active list when taken and are dropped from active when finished. A job
// is never put back on waiting, so a worker crash leaves it in active
// instead of sending it twice.
type JobQueue struct {
	client *Client
	logger *zap.Logger
	name   string
}

// NewJobQueue creates a queue under the given name.
func NewJobQueue(client *Client, logger *zap.Logger, name string) *JobQueue {
	return &JobQueue{client: client, logger: logger, name: name}
}

func (q *JobQueue) key(part string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, part)
}

// Enqueue pushes a job onto the waiting list and returns its id.
func (q *JobQueue) Enqueue(ctx context.Context, job *db.NotificationJob) (string, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.rdb.LPush(ctx, q.key("waiting"), data).Err(); err != nil {
		return "", fmt.Errorf("redis lpush failed: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("queue", q.name),
	)
	return job.ID.String(), nil
}

// Dequeue moves the oldest waiting job to active. It returns (nil, nil)
// when the queue is empty.
func (q *JobQueue) Dequeue(ctx context.Context) (*dispatch.Delivery, error) {
	raw, err := q.client.rdb.LMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lmove failed: %w", err)
	}

	var job db.NotificationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable payloads are dropped from active and counted as failed.
		decodeErr := fmt.Errorf("unmarshal job: %w", err)
		pipe := q.client.rdb.TxPipeline()
		pipe.LRem(ctx, q.key("active"), 1, raw)
		pipe.Incr(ctx, q.key("failed"))
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("failed to drop unreadable job",
				zap.String("queue", q.name),
				zap.Error(err),
			)
			return nil, errors.Join(decodeErr, fmt.Errorf("drop unreadable job: %w", err))
		}
		q.logger.Warn("dropped unreadable job",
			zap.String("queue", q.name),
			zap.Error(decodeErr),
		)
		return nil, decodeErr
	}

	return &dispatch.Delivery{Job: &job, Receipt: raw}, nil
}

// Complete removes the job from active and bumps the completed or failed counter.
func (q *JobQueue) Complete(ctx context.Context, d *dispatch.Delivery, failed bool) error {
	counter := q.key("completed")
	if failed {
		counter = q.key("failed")
	}

	pipe := q.client.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, d.Receipt)
	pipe.Incr(ctx, counter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis complete failed: %w", err)
	}
	return nil
}

// Stats reports queue depth counters.
func (q *JobQueue) Stats(ctx context.Context) (dispatch.QueueStats, error) {
	pipe := q.client.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	active := pipe.LLen(ctx, q.key("active"))
	completed := pipe.Get(ctx, q.key("completed"))
	failed := pipe.Get(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return dispatch.QueueStats{}, fmt.Errorf("redis stats failed: %w", err)
	}

	stats := dispatch.QueueStats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
	}
	stats.Completed, _ = completed.Int64()
	stats.Failed, _ = failed.Int64()
	return stats, nil
}
