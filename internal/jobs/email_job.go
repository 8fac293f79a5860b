package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/civicos/identity-service/internal/queue"
	"github.com/civicos/identity-service/internal/services/email"
)

// VerificationEmailPayload is the payload for a verification email job
type VerificationEmailPayload struct {
	Email      string `json:"email"`
	Code       string `json:"code"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// EmailEnqueuer satisfies the verification service's Mailer by deferring
// delivery to the queue, so SMTP latency and retries stay out of the
// request path.
type EmailEnqueuer struct {
	queue queue.Enqueuer
}

// NewEmailEnqueuer creates a queue-backed mailer
func NewEmailEnqueuer(q queue.Enqueuer) *EmailEnqueuer {
	return &EmailEnqueuer{queue: q}
}

// SendVerificationCode enqueues a verification email job
func (e *EmailEnqueuer) SendVerificationCode(toEmail, code string, ttlMinutes int) error {
	_, err := e.queue.Enqueue(queue.JobTypeSendVerificationEmail, VerificationEmailPayload{
		Email:      toEmail,
		Code:       code,
		TTLMinutes: ttlMinutes,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue verification email: %w", err)
	}
	return nil
}

// RegisterVerificationEmailHandler registers the email delivery job handler
func RegisterVerificationEmailHandler(q *queue.RedisQueue, emailSvc *email.EmailService) {
	q.RegisterHandler(queue.JobTypeSendVerificationEmail, func(ctx context.Context, job queue.Job) (interface{}, error) {
		var payload VerificationEmailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal email job payload: %w", err)
		}

		if err := emailSvc.SendVerificationCode(payload.Email, payload.Code, payload.TTLMinutes); err != nil {
			return nil, err
		}

		return map[string]interface{}{"status": "sent"}, nil
	})
}
