package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Redis key names
const (
	queueKey   = "identity:jobs"
	delayedKey = "identity:jobs:delayed"
)

// RedisQueue is a Redis-backed job queue with a database record per job
type RedisQueue struct {
	client   *redis.Client
	db       *gorm.DB
	ctx      context.Context
	handlers map[JobType]JobHandler
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(client *redis.Client, db *gorm.DB) *RedisQueue {
	return &RedisQueue{
		client:   client,
		db:       db,
		ctx:      context.Background(),
		handlers: make(map[JobType]JobHandler),
	}
}

// RegisterHandler registers a handler for a job type
func (q *RedisQueue) RegisterHandler(jobType JobType, handler JobHandler) {
	q.handlers[jobType] = handler
}

// Enqueue persists a job record and pushes it onto the queue
func (q *RedisQueue) Enqueue(jobType JobType, payload interface{}) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{
		ID:         uuid.New(),
		Type:       jobType,
		Payload:    payloadBytes,
		Status:     JobStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := q.db.Create(&job).Error; err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(q.ctx, queueKey, jobBytes).Err(); err != nil {
		return "", fmt.Errorf("failed to push job to queue: %w", err)
	}

	return job.ID.String(), nil
}

// Dequeue pops the next job, blocking up to timeout. Returns nil when the
// queue is empty.
func (q *RedisQueue) Dequeue(timeout time.Duration) (*Job, error) {
	result, err := q.client.BRPop(q.ctx, timeout, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job from queue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	q.updateJobStatus(&job, JobStatusProcessing, "")
	return &job, nil
}

// Complete marks a job as completed with its result. The payload is scrubbed:
// it may carry short-lived secrets (verification codes) that must not outlive
// the job.
func (q *RedisQueue) Complete(job *Job, result interface{}) error {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		resultBytes = nil
	}

	return q.db.Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     JobStatusCompleted,
			"result":     resultBytes,
			"payload":    nil,
			"updated_at": time.Now(),
		}).Error
}

// Fail records a failure, scheduling a retry with exponential backoff until
// the retry budget is spent
func (q *RedisQueue) Fail(job *Job, jobErr error) error {
	job.RetryCount++
	if job.RetryCount > job.MaxRetries {
		q.updateJobStatus(job, JobStatusFailed, jobErr.Error())
		log.Printf("Job %s (%s) failed permanently: %v", job.ID, job.Type, jobErr)
		return nil
	}

	delay := backoffDelay(job.RetryCount)
	runAt := time.Now().Add(delay)
	job.NextRetry = &runAt

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for retry: %w", err)
	}

	if err := q.client.ZAdd(q.ctx, delayedKey, &redis.Z{
		Score:  float64(runAt.Unix()),
		Member: jobBytes,
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	q.updateJobStatus(job, JobStatusPending, jobErr.Error())
	log.Printf("Job %s (%s) retry %d/%d scheduled in %s: %v", job.ID, job.Type, job.RetryCount, job.MaxRetries, delay, jobErr)
	return nil
}

// MoveDelayedJobs promotes due delayed jobs back onto the main queue
func (q *RedisQueue) MoveDelayedJobs() error {
	now := fmt.Sprintf("%d", time.Now().Unix())

	entries, err := q.client.ZRangeByScore(q.ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, entry := range entries {
		if err := q.client.LPush(q.ctx, queueKey, entry).Err(); err != nil {
			return fmt.Errorf("failed to requeue delayed job: %w", err)
		}
		q.client.ZRem(q.ctx, delayedKey, entry)
	}

	return nil
}

// Handler returns the registered handler for a job type
func (q *RedisQueue) Handler(jobType JobType) (JobHandler, bool) {
	handler, ok := q.handlers[jobType]
	return handler, ok
}

func (q *RedisQueue) updateJobStatus(job *Job, status JobStatus, errMsg string) {
	updates := map[string]interface{}{
		"status":      status,
		"retry_count": job.RetryCount,
		"next_retry":  job.NextRetry,
		"error":       errMsg,
		"updated_at":  time.Now(),
	}

	// Terminal jobs keep no payload; it may carry short-lived secrets
	if status == JobStatusCompleted || status == JobStatusFailed {
		updates["payload"] = nil
	}

	err := q.db.Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(updates).Error
	if err != nil {
		log.Printf("Failed to update job %s status: %v", job.ID, err)
	}
}

// backoffDelay computes the exponential backoff delay for a retry attempt
func backoffDelay(attempt int) time.Duration {
	delay := 30 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}
