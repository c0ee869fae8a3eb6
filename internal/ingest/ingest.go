// Package ingest loads catalog rows from uploaded CSV files.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaError reports a file that can never be processed as submitted.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}

// TransientError wraps whole-file faults that are worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusFailed         Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusRunning, StatusFailed},
	StatusRunning:        {StatusSucceeded, StatusRetryScheduled, StatusFailed},
	StatusRetryScheduled: {StatusRunning, StatusFailed},
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrRunNotFound   = errors.New("import run not found")
	ErrRunFinished   = errors.New("import run already finished")
	ErrBadTransition = errors.New("invalid import run transition")
)

// Run is the persisted lifecycle of one uploaded file.
type Run struct {
	ID            string     `json:"task_id"`
	File          string     `json:"file"`
	BlobKey       string     `json:"-"`
	NotifyAddress string     `json:"notify_address,omitempty"`
	SubmittedBy   string     `json:"submitted_by,omitempty"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	Report        *Report    `json:"report,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Owner is the scheduler instance holding the run; HeartbeatAt is its
	// last sign of life.
	Owner       string     `json:"-"`
	HeartbeatAt *time.Time `json:"-"`
}

func NewRun(file, blobKey, notifyAddress, submittedBy string, now time.Time) Run {
	return Run{
		ID:            uuid.NewString(),
		File:          file,
		BlobKey:       blobKey,
		NotifyAddress: strings.TrimSpace(notifyAddress),
		SubmittedBy:   submittedBy,
		Status:        StatusPending,
		CreatedAt:     now,
	}
}

func (r *Run) transition(to Status, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, r.Status, to)
	}
	r.Status = to
	switch to {
	case StatusRunning:
		r.Attempts++
		r.StartedAt = &now
		r.NextAttemptAt = nil
	case StatusSucceeded, StatusFailed:
		r.FinishedAt = &now
		r.NextAttemptAt = nil
	}
	return nil
}
