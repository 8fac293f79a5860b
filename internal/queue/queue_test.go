package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJobDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Job{}))
	return db
}

func seedJob(t *testing.T, db *gorm.DB, retryCount int) *Job {
	t.Helper()

	job := &Job{
		ID:         uuid.New(),
		Type:       JobTypeSendVerificationEmail,
		Payload:    json.RawMessage(`{"email":"citizen@example.ca","code":"123456"}`),
		Status:     JobStatusProcessing,
		RetryCount: retryCount,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestCompleteScrubsPayload(t *testing.T) {
	db := setupJobDB(t)
	q := NewRedisQueue(nil, db)

	job := seedJob(t, db, 0)
	require.NoError(t, q.Complete(job, map[string]string{"status": "sent"}))

	var got Job
	require.NoError(t, db.First(&got, "id = ?", job.ID).Error)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Empty(t, got.Payload, "completed jobs keep no payload")
	assert.NotEmpty(t, got.Result)
}

func TestPermanentFailureScrubsPayload(t *testing.T) {
	db := setupJobDB(t)
	q := NewRedisQueue(nil, db)

	// Retry budget already spent, so this failure is terminal
	job := seedJob(t, db, 3)
	require.NoError(t, q.Fail(job, errors.New("smtp connection refused")))

	var got Job
	require.NoError(t, db.First(&got, "id = ?", job.ID).Error)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Empty(t, got.Payload, "failed jobs keep no payload")
	assert.Equal(t, "smtp connection refused", got.Error)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(1))
	assert.Equal(t, 60*time.Second, backoffDelay(2))
	assert.Equal(t, 2*time.Minute, backoffDelay(3))
	assert.Equal(t, time.Hour, backoffDelay(10), "delay is capped")
}
