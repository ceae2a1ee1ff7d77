package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// RequestTTL bounds how long an Idempotency-Key on /notify/send is honored.
	RequestTTL = 24 * time.Hour

	// ClaimTTL is the default lifetime of a webhook claim marker.
	ClaimTTL = time.Hour

	// requestLockTTL is the lock duration while a request is being processed.
	requestLockTTL = 5 * time.Minute

	processingMarker = "processing"
	doneMarker       = "done"
)

var (
	// ErrDuplicateRequest indicates an idempotency key collision.
	ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

	// ErrClaimNotReleasable is returned when a replay is requested for an
	// event that is unknown or finished successfully.
	ErrClaimNotReleasable = errors.New("claim is not in processing state")
)

// releaseScript deletes a claim only while it still holds the processing marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RequestResult stores the cached response for an idempotent /notify/send call.
type RequestResult struct {
	JobID      string `json:"job_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService provides at-most-once guarantees using Redis SET NX.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) requestKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:request:%s:%s", tenantID, idempotencyKey)
}

// ClaimKey derives the dedupe key for a webhook delivery.
func ClaimKey(eventType, externalEventID string) string {
	return fmt.Sprintf("idempotency:webhook:%s:%s", eventType, externalEventID)
}

// Claim marks a webhook event as taken. It reports false when the event was
// already claimed. The marker and its TTL are written by a single SET NX so
// a crash cannot leave a claim without expiry.
func (s *IdempotencyService) Claim(ctx context.Context, eventType, externalEventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = ClaimTTL
	}
	ok, err := s.client.rdb.SetNX(ctx, ClaimKey(eventType, externalEventID), processingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		s.logger.Debug("webhook already claimed",
			zap.String("event_type", eventType),
			zap.String("external_event_id", externalEventID),
		)
	}
	return ok, nil
}

// Complete flips a claim to done, keeping its remaining TTL.
func (s *IdempotencyService) Complete(ctx context.Context, eventType, externalEventID string) error {
	err := s.client.rdb.SetArgs(ctx, ClaimKey(eventType, externalEventID), doneMarker, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a claim that never completed so the event can be delivered
// again. Finished claims are left alone.
func (s *IdempotencyService) Release(ctx context.Context, eventType, externalEventID string) error {
	n, err := releaseScript.Run(ctx, s.client.rdb, []string{ClaimKey(eventType, externalEventID)}, processingMarker).Int()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		return ErrClaimNotReleasable
	}
	s.logger.Info("webhook claim released",
		zap.String("event_type", eventType),
		zap.String("external_event_id", externalEventID),
	)
	return nil
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, tenantID, idempotencyKey string) (*RequestResult, error) {
	val, err := s.client.rdb.Get(ctx, s.requestKey(tenantID, idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result RequestResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &result, nil
}

// Store saves the result of a successfully processed request.
func (s *IdempotencyService) Store(ctx context.Context, tenantID, idempotencyKey string, result *RequestResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.requestKey(tenantID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve acquires a request lock using SET NX.
func (s *IdempotencyService) Reserve(ctx context.Context, tenantID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.requestKey(tenantID, idempotencyKey), processingMarker, requestLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a cached result if found, nil if the key was
// reserved for this caller, or ErrDuplicateRequest while another call holds it.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*RequestResult, error) {
	result, err := s.Check(ctx, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
