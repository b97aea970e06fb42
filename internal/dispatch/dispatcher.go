package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ticketq/internal/clock"
	"ticketq/internal/id"
	"ticketq/internal/log"
	"ticketq/internal/metrics"

	"go.uber.org/zap"
)

// CompletionHooks run exactly once per reservation job, when the first
// path reports completion: cache invalidation and the user
// notification. The dedup claim in the queue guarantees the other path
// cannot re-run them.
type CompletionHooks interface {
	OnReservationComplete(ctx context.Context, job ReservationJob)
}

type NopHooks struct{}

func (NopHooks) OnReservationComplete(context.Context, ReservationJob) {}

// Dispatcher submits reservation jobs down two redundant paths and
// reconciles their status.
type Dispatcher struct {
	queue       Queue
	node        *id.Node
	hooks       CompletionHooks
	clk         clock.Clock
	metrics     *metrics.Metrics
	logger      *log.Logger
	backupDelay time.Duration
}

func NewDispatcher(queue Queue, node *id.Node, hooks CompletionHooks, clk clock.Clock, m *metrics.Metrics, logger *log.Logger, backupDelay time.Duration) *Dispatcher {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Dispatcher{
		queue:       queue,
		node:        node,
		hooks:       hooks,
		clk:         clk,
		metrics:     m,
		logger:      logger,
		backupDelay: backupDelay,
	}
}

type ReserveInput struct {
	EventID      string `json:"event_id"`
	UserID       string `json:"user_id"`
	TicketTypeID string `json:"ticket_type_id,omitempty"`
	Quantity     int    `json:"quantity"`
}

type ReserveResult struct {
	PrimaryJobID int64          `json:"primary_job_id"`
	BackupJobID  int64          `json:"backup_job_id,omitempty"`
	Path         ProcessingPath `json:"processing_path"`
}

// Reserve submits the job to the primary queue and, best-effort, a
// delayed copy to the backup queue keyed for deduplication. A backup
// submission failure degrades the path to primary-only; it never fails
// the call. Only when neither path accepts the job does Reserve fail.
func (d *Dispatcher) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	primaryID := d.node.Generate()
	job := ReservationJob{
		PrimaryJobID: primaryID,
		DedupeKey:    strconv.FormatInt(primaryID, 10),
		Path:         PathPrimary,
		EventID:      in.EventID,
		UserID:       in.UserID,
		TicketTypeID: in.TicketTypeID,
		Quantity:     in.Quantity,
	}

	primaryErr := d.queue.PushPrimary(ctx, job)
	if primaryErr != nil {
		d.logger.Error("Primary enqueue failed", zap.Error(primaryErr), zap.Int64("job_id", primaryID))
		// Last resort: the backup path alone, due immediately.
		job.BackupJobID = d.node.Generate()
		job.Path = PathBackup
		if backupErr := d.queue.PushBackup(ctx, job, d.clk.Now()); backupErr != nil {
			d.metrics.JobFailures.Inc()
			return ReserveResult{}, fmt.Errorf("%w: %s", ErrJobFailed, primaryErr)
		}
		d.recordPending(ctx, job)
		d.metrics.JobsDispatched.WithLabelValues(PathBackup.String()).Inc()
		return ReserveResult{PrimaryJobID: primaryID, BackupJobID: job.BackupJobID, Path: PathBackup}, nil
	}

	job.BackupJobID = d.node.Generate()
	job.Path = PathBoth
	if err := d.queue.PushBackup(ctx, job, d.clk.Now().Add(d.backupDelay)); err != nil {
		d.logger.Warn("Backup enqueue failed, continuing on primary only", zap.Error(err), zap.Int64("job_id", primaryID))
		job.BackupJobID = 0
		job.Path = PathPrimary
	}

	d.recordPending(ctx, job)
	d.metrics.JobsDispatched.WithLabelValues(job.Path.String()).Inc()
	return ReserveResult{PrimaryJobID: primaryID, BackupJobID: job.BackupJobID, Path: job.Path}, nil
}

// BackupReserve accepts an externally submitted secondary-path job
// carrying the dedup key of its primary counterpart.
func (d *Dispatcher) BackupReserve(ctx context.Context, in ReserveInput, dedupeKey string) (ReserveResult, error) {
	primaryID, err := strconv.ParseInt(dedupeKey, 10, 64)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("invalid dedupe key %q: %w", dedupeKey, err)
	}
	job := ReservationJob{
		PrimaryJobID: primaryID,
		BackupJobID:  d.node.Generate(),
		DedupeKey:    dedupeKey,
		Path:         PathBackup,
		EventID:      in.EventID,
		UserID:       in.UserID,
		TicketTypeID: in.TicketTypeID,
		Quantity:     in.Quantity,
	}
	if err := d.queue.PushBackup(ctx, job, d.clk.Now().Add(d.backupDelay)); err != nil {
		return ReserveResult{}, fmt.Errorf("backup enqueue: %w", err)
	}
	d.metrics.JobsDispatched.WithLabelValues(PathBackup.String()).Inc()
	return ReserveResult{PrimaryJobID: primaryID, BackupJobID: job.BackupJobID, Path: PathBackup}, nil
}

// Status reconciles the two paths. The primary's terminal state wins;
// a pending primary with a completed backup is synthesized into a
// completed primary (completed-via-backup), and the completion side
// effects run exactly once across both paths.
func (d *Dispatcher) Status(ctx context.Context, jobID int64, queue string) (*JobStatus, error) {
	if queue == "backup" {
		return d.queue.GetStatus(ctx, "backup", jobID)
	}

	primary, err := d.queue.GetStatus(ctx, "primary", jobID)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, nil
	}
	if primary.State.Terminal() {
		return primary, nil
	}
	if primary.BackupJobID == 0 {
		return primary, nil
	}

	backup, err := d.queue.GetStatus(ctx, "backup", primary.BackupJobID)
	if err != nil {
		return nil, err
	}
	if backup == nil || backup.State != StateCompleted {
		return primary, nil
	}

	// The backup finished first: synthesize the primary completion.
	primary.State = StateCompleted
	primary.CompletedVia = PathBackup
	primary.UpdatedAt = d.clk.Now()
	if err := d.queue.SetStatus(ctx, *primary); err != nil {
		d.logger.Warn("Failed to persist synthesized status", zap.Error(err), zap.Int64("job_id", jobID))
	}

	claimed, err := d.queue.ClaimCompletion(ctx, primary.DedupeKey)
	if err != nil {
		d.logger.Warn("Completion claim failed", zap.Error(err), zap.String("dedupe_key", primary.DedupeKey))
	}
	if claimed {
		d.hooks.OnReservationComplete(ctx, ReservationJob{
			PrimaryJobID: primary.JobID,
			BackupJobID:  primary.BackupJobID,
			DedupeKey:    primary.DedupeKey,
			Path:         PathBackup,
			EventID:      backup.EventID,
			UserID:       backup.UserID,
		})
		d.metrics.JobsCompleted.WithLabelValues(PathBackup.String()).Inc()
	}
	return primary, nil
}

func (d *Dispatcher) recordPending(ctx context.Context, job ReservationJob) {
	now := d.clk.Now()
	statuses := []JobStatus{{
		JobID:       job.PrimaryJobID,
		Queue:       "primary",
		State:       StatePending,
		BackupJobID: job.BackupJobID,
		DedupeKey:   job.DedupeKey,
		EventID:     job.EventID,
		UserID:      job.UserID,
		UpdatedAt:   now,
	}}
	if job.BackupJobID != 0 {
		statuses = append(statuses, JobStatus{
			JobID:     job.BackupJobID,
			Queue:     "backup",
			State:     StatePending,
			DedupeKey: job.DedupeKey,
			EventID:   job.EventID,
			UserID:    job.UserID,
			UpdatedAt: now,
		})
	}
	for _, st := range statuses {
		if err := d.queue.SetStatus(ctx, st); err != nil {
			d.logger.Warn("Failed to record pending status", zap.Error(err), zap.Int64("job_id", st.JobID))
		}
	}
}
