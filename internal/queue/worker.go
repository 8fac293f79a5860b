package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// Worker processes jobs from the queue and runs recurring jobs on a schedule
type Worker struct {
	queue      *RedisQueue
	numWorkers int
	wg         sync.WaitGroup
	quit       chan struct{}
	scheduler  *gocron.Scheduler
}

// NewWorker creates a new worker
func NewWorker(queue *RedisQueue, numWorkers int) *Worker {
	return &Worker{
		queue:      queue,
		numWorkers: numWorkers,
		quit:       make(chan struct{}),
		scheduler:  gocron.NewScheduler(time.UTC),
	}
}

// ScheduleRecurring enqueues a job of the given type on a fixed interval
func (w *Worker) ScheduleRecurring(interval time.Duration, jobType JobType) error {
	_, err := w.scheduler.Every(interval).Do(func() {
		if _, err := w.queue.Enqueue(jobType, struct{}{}); err != nil {
			log.Printf("Failed to enqueue recurring job %s: %v", jobType, err)
		}
	})
	return err
}

// Start starts the worker goroutines and the recurring-job scheduler
func (w *Worker) Start() {
	log.Printf("Starting %d queue workers", w.numWorkers)

	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.process(i)
	}

	// Delayed retries move back to the main queue once due
	w.wg.Add(1)
	go w.moveDelayed()

	w.scheduler.StartAsync()
}

// Stop stops the worker and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	log.Printf("Stopping queue workers")
	close(w.quit)
	w.wg.Wait()
	w.scheduler.Stop()
}

// process pulls jobs off the queue and dispatches them to their handlers
func (w *Worker) process(workerID int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.quit:
			log.Printf("Worker %d stopped", workerID)
			return
		default:
			job, err := w.queue.Dequeue(1 * time.Second)
			if err != nil {
				log.Printf("Error dequeueing job: %v", err)
				time.Sleep(1 * time.Second)
				continue
			}
			if job == nil {
				continue
			}

			handler, ok := w.queue.Handler(job.Type)
			if !ok {
				log.Printf("No handler registered for job type %s", job.Type)
				w.queue.updateJobStatus(job, JobStatusFailed, "no handler registered")
				continue
			}

			result, err := handler(context.Background(), *job)
			if err != nil {
				if failErr := w.queue.Fail(job, err); failErr != nil {
					log.Printf("Error marking job %s as failed: %v", job.ID, failErr)
				}
				continue
			}

			if err := w.queue.Complete(job, result); err != nil {
				log.Printf("Error marking job %s as completed: %v", job.ID, err)
			}
		}
	}
}

// moveDelayed periodically promotes due retries
func (w *Worker) moveDelayed() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			if err := w.queue.MoveDelayedJobs(); err != nil {
				log.Printf("Error moving delayed jobs: %v", err)
			}
		}
	}
}
