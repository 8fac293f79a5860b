package jobs

import (
	"context"
	"log"
	"time"

	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/queue"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
)

// PurgeInterval is how often expired pending verifications are swept
const PurgeInterval = time.Hour

// RegisterPurgeHandler registers the handler that deletes pending
// verification records past their retention deadline, along with their
// stored documents
func RegisterPurgeHandler(q *queue.RedisQueue, store *database.VerificationStore, files storage.Store, audit *utils.AuditLogger) {
	q.RegisterHandler(queue.JobTypePurgeExpiredVerifications, func(ctx context.Context, job queue.Job) (interface{}, error) {
		purged, paths, err := store.PurgeExpired(time.Now())
		if err != nil {
			return nil, err
		}

		// Rows are already gone; a failed file removal is logged and left
		// for the next sweep rather than failing the job.
		for _, path := range paths {
			if err := files.Remove(path); err != nil {
				log.Printf("Failed to remove purged document %s: %v", path, err)
			}
		}

		if purged > 0 {
			log.Printf("Purged %d expired verification records", purged)
			if err := audit.LogEvent(ctx, utils.AuditEventRecordsPurged, utils.AuditSeverityInfo,
				"Expired verification records purged", nil, "", "", true,
				map[string]interface{}{"count": purged}); err != nil {
				log.Printf("Failed to write purge audit log: %v", err)
			}
		}

		return map[string]interface{}{"purged": purged}, nil
	})
}

// SchedulePurge schedules the recurring purge sweep on the worker
func SchedulePurge(w *queue.Worker) error {
	return w.ScheduleRecurring(PurgeInterval, queue.JobTypePurgeExpiredVerifications)
}
