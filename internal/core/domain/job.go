package domain

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Terminal reports whether no further automatic transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ProcessingStage maps an internal job status to the stage label persisted on
// the submission document for external observers.
func (s JobStatus) ProcessingStage() string {
	switch s {
	case JobStatusPending:
		return "queued_for_processing"
	case JobStatusProcessing:
		return "ai_processing"
	case JobStatusCompleted:
		return "analysis_complete"
	case JobStatusFailed:
		return "processing_failed"
	case JobStatusRetrying:
		return "retry_wait"
	}
	return string(s)
}

// Job tracks one submission's attempt-series through inference processing.
// The job table is in-process only; the document store is the system of
// record for status as seen by anyone outside the queue.
type Job struct {
	SubmissionID string     `json:"submission_id"`
	Payload      Document   `json:"payload,omitempty"` // snapshot taken at enqueue time
	Status       JobStatus  `json:"status"`
	Attempt      int        `json:"attempt"` // execution attempts so far
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"` // set only while retrying
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobStatusView is a read-only copy of a job's lifecycle state.
type JobStatusView struct {
	SubmissionID string     `json:"submission_id"`
	Status       JobStatus  `json:"status"`
	Stage        string     `json:"processing_stage"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// QueueStats is a point-in-time snapshot of the job table.
type QueueStats struct {
	TotalJobs  int `json:"total_jobs"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	QueueDepth int `json:"queue_depth"`
}

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrStoreUnavailable = errors.New("document store unavailable")
	ErrMalformedRanking = errors.New("malformed ranking output")

	// ErrUnprocessableSubmission marks input that can never succeed, e.g. a
	// submission with no analyzable assets. Jobs failing with it are not retried.
	ErrUnprocessableSubmission = errors.New("submission has no analyzable content")
)
