package jobs

import (
	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/queue"
	"github.com/civicos/identity-service/internal/services/email"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
)

// RegisterAllJobHandlers registers every job handler with the queue
func RegisterAllJobHandlers(
	q *queue.RedisQueue,
	store *database.VerificationStore,
	files storage.Store,
	emailSvc *email.EmailService,
	audit *utils.AuditLogger,
) {
	RegisterVerificationEmailHandler(q, emailSvc)
	RegisterPurgeHandler(q, store, files, audit)
}

// ScheduleRecurringJobs schedules all recurring jobs on the worker
func ScheduleRecurringJobs(w *queue.Worker) error {
	return SchedulePurge(w)
}
