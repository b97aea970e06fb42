package dispatch

import (
	"context"
	"time"

	"ticketq/internal/clock"
	"ticketq/internal/log"
	"ticketq/internal/metrics"
	"ticketq/internal/retry"
	"ticketq/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Reserver executes a reservation: create the waiting list entry if the
// user has none and run a promotion pass. Execution is idempotent, so
// at-least-once delivery across the two paths is safe.
type Reserver interface {
	JoinQueue(ctx context.Context, eventID, userID, ticketTypeID string, quantity int) (store.WaitlistEntry, error)
}

// Worker drains both dispatch paths and executes reservation jobs. A
// circuit breaker around the datastore writes keeps a database outage
// from hammering retries; jobs simply wait on the queue until it
// closes again.
type Worker struct {
	queue    Queue
	reserver Reserver
	hooks    CompletionHooks
	cb       *gobreaker.CircuitBreaker
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   *log.Logger
	interval time.Duration
	policy   retry.Policy
}

func NewWorker(queue Queue, reserver Reserver, hooks CompletionHooks, clk clock.Clock, m *metrics.Metrics, logger *log.Logger, interval time.Duration, policy retry.Policy) *Worker {
	if hooks == nil {
		hooks = NopHooks{}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reservation-worker",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Worker{
		queue:    queue,
		reserver: reserver,
		hooks:    hooks,
		cb:       cb,
		clk:      clk,
		metrics:  m,
		logger:   logger,
		interval: interval,
		policy:   policy,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reservation worker shutting down")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes everything currently due on both paths.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.queue.PopPrimary(ctx)
		if err != nil {
			w.logger.Error("Primary pop failed", zap.Error(err))
			break
		}
		if job == nil {
			break
		}
		w.process(ctx, *job, PathPrimary)
	}
	for {
		job, err := w.queue.PopDueBackup(ctx, w.clk.Now())
		if err != nil {
			w.logger.Error("Backup pop failed", zap.Error(err))
			break
		}
		if job == nil {
			break
		}
		w.process(ctx, *job, PathBackup)
	}
}

func (w *Worker) process(ctx context.Context, job ReservationJob, path ProcessingPath) {
	_, err := w.cb.Execute(func() (interface{}, error) {
		return w.reserver.JoinQueue(ctx, job.EventID, job.UserID, job.TicketTypeID, job.Quantity)
	})

	jobID := job.PrimaryJobID
	queueName := "primary"
	// A retried primary-only job travels the delayed queue without a
	// backup identity; its status stays under the primary ID.
	if path == PathBackup && job.BackupJobID != 0 {
		jobID = job.BackupJobID
		queueName = "backup"
	}

	st := JobStatus{
		JobID:        jobID,
		Queue:        queueName,
		BackupJobID:  job.BackupJobID,
		DedupeKey:    job.DedupeKey,
		EventID:      job.EventID,
		UserID:       job.UserID,
		CompletedVia: path,
		UpdatedAt:    w.clk.Now(),
	}
	if err != nil {
		st.Error = err.Error()
		st.CompletedVia = 0
		w.metrics.JobFailures.Inc()

		job.Attempts++
		if w.policy.Exhausted(job.Attempts) {
			st.State = StateFailed
			w.logger.Error("Reservation job failed terminally",
				zap.Error(err),
				zap.Int64("job_id", jobID),
				zap.Int("attempts", job.Attempts),
				zap.String("path", path.String()))
			if serr := w.queue.SetStatus(ctx, st); serr != nil {
				w.logger.Error("Failed to record job failure", zap.Error(serr), zap.Int64("job_id", jobID))
			}
			return
		}

		// Re-enqueue on the delayed queue with exponential backoff; the
		// status stays pending with the last error attached.
		backoff := w.policy.Backoff(job.Attempts)
		st.State = StatePending
		if serr := w.queue.SetStatus(ctx, st); serr != nil {
			w.logger.Error("Failed to record retry attempt", zap.Error(serr), zap.Int64("job_id", jobID))
		}
		if perr := w.queue.PushBackup(ctx, job, w.clk.Now().Add(backoff)); perr != nil {
			st.State = StateFailed
			w.logger.Error("Failed to re-enqueue job, failing terminally", zap.Error(perr), zap.Int64("job_id", jobID))
			w.queue.SetStatus(ctx, st)
			return
		}
		w.logger.Warn("Reservation job retrying",
			zap.Error(err),
			zap.Int64("job_id", jobID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("backoff", backoff))
		return
	}

	st.State = StateCompleted
	if serr := w.queue.SetStatus(ctx, st); serr != nil {
		w.logger.Error("Failed to record job completion", zap.Error(serr), zap.Int64("job_id", jobID))
	}

	claimed, cerr := w.queue.ClaimCompletion(ctx, job.DedupeKey)
	if cerr != nil {
		w.logger.Warn("Completion claim failed", zap.Error(cerr), zap.String("dedupe_key", job.DedupeKey))
		return
	}
	if claimed {
		w.hooks.OnReservationComplete(ctx, job)
		w.metrics.JobsCompleted.WithLabelValues(path.String()).Inc()
	}
}
