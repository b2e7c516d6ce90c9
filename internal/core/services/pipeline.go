package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// SubmissionStatus is the externally visible processing state of one
// submission, merged from the in-memory job table and the stored document.
type SubmissionStatus struct {
	SubmissionID string    `json:"submission_id"`
	Status       string    `json:"status"`
	Stage        string    `json:"processing_stage"`
	Attempt      int       `json:"attempt,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	InQueue      bool      `json:"in_queue"`
}

// Pipeline is the facade the request layer talks to: it hides the split
// between live queue state and persisted status.
type Pipeline struct {
	logger *slog.Logger
	queue  *ProcessingQueue
	store  ports.DocumentStore
}

func NewPipeline(logger *slog.Logger, queue *ProcessingQueue, store ports.DocumentStore) *Pipeline {
	return &Pipeline{logger: logger, queue: queue, store: store}
}

// QueueSubmission hands a finalized submission to the processing queue.
func (p *Pipeline) QueueSubmission(ctx context.Context, submissionID string, payload domain.Document) bool {
	return p.queue.Enqueue(ctx, submissionID, payload)
}

// Status reports a submission's processing state. A Retrying job is shown as
// "processing" here; the raw retry state is only visible through the queue's
// own Status call.
func (p *Pipeline) Status(ctx context.Context, submissionID string) (SubmissionStatus, error) {
	view, err := p.queue.Status(submissionID)
	if err == nil {
		return SubmissionStatus{
			SubmissionID: submissionID,
			Status:       maskRetrying(view.Status),
			Stage:        view.Stage,
			Attempt:      view.Attempt,
			LastError:    view.LastError,
			InQueue:      true,
		}, nil
	}

	// Not tracked in-process (e.g. after a restart): the store is the system
	// of record.
	doc, err := p.store.Get(ctx, domain.CollectionSubmissions, submissionID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return SubmissionStatus{}, domain.ErrJobNotFound
		}
		return SubmissionStatus{}, fmt.Errorf("load submission %s: %w", submissionID, err)
	}

	status := domain.JobStatus(domain.StringField(doc, "status", string(domain.JobStatusPending)))
	return SubmissionStatus{
		SubmissionID: submissionID,
		Status:       maskRetrying(status),
		Stage:        domain.StringField(doc, "processingStage", status.ProcessingStage()),
		InQueue:      false,
	}, nil
}

// Cancel stops a submission that has not started executing.
func (p *Pipeline) Cancel(ctx context.Context, submissionID string) bool {
	return p.queue.Cancel(ctx, submissionID)
}

// Stats exposes queue statistics.
func (p *Pipeline) Stats() domain.QueueStats {
	return p.queue.Stats()
}

func maskRetrying(status domain.JobStatus) string {
	if status == domain.JobStatusRetrying {
		return string(domain.JobStatusProcessing)
	}
	return string(status)
}
