package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobFailed means both the primary and the backup path failed. The
// caller must surface it as a retryable failure, not silent loss.
var ErrJobFailed = errors.New("reservation job failed on both paths")

// ProcessingPath is a tagged variant, not a free-form string, so the
// completion-dedup logic can switch exhaustively.
type ProcessingPath uint8

const (
	PathPrimary ProcessingPath = iota + 1
	PathBackup
	PathBoth
)

func (p ProcessingPath) String() string {
	switch p {
	case PathPrimary:
		return "primary"
	case PathBackup:
		return "backup"
	case PathBoth:
		return "both"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

func (p ProcessingPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *ProcessingPath) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "primary":
		*p = PathPrimary
	case "backup":
		*p = PathBackup
	case "both":
		*p = PathBoth
	default:
		return fmt.Errorf("unknown processing path %q", s)
	}
	return nil
}

// ReservationJob is the payload carried by both queues. DedupeKey is
// the primary job's ID; the backup copy carries the same key so that
// whichever path completes first claims the completion side effects.
type ReservationJob struct {
	PrimaryJobID int64          `json:"primary_job_id"`
	BackupJobID  int64          `json:"backup_job_id,omitempty"`
	DedupeKey    string         `json:"dedupe_key"`
	Path         ProcessingPath `json:"processing_path"`

	EventID      string `json:"event_id"`
	UserID       string `json:"user_id"`
	TicketTypeID string `json:"ticket_type_id,omitempty"`
	Quantity     int    `json:"quantity"`

	// Attempts counts executions so far; the worker uses it to decide
	// between re-enqueueing with backoff and failing terminally.
	Attempts int `json:"attempts,omitempty"`
}

type JobState string

const (
	StatePending   JobState = "pending"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether the state will not change again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobStatus is the polled status record per (queue, job). A primary
// status with CompletedVia == PathBackup was synthesized from the
// backup path finishing first.
type JobStatus struct {
	JobID        int64          `json:"job_id"`
	Queue        string         `json:"queue"`
	State        JobState       `json:"state"`
	BackupJobID  int64          `json:"backup_job_id,omitempty"`
	DedupeKey    string         `json:"dedupe_key,omitempty"`
	CompletedVia ProcessingPath `json:"completed_via,omitempty"`
	Error        string         `json:"error,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
