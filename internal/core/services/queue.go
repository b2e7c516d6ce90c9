package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// QueueConfig defines concurrency and retry limits for the processing queue.
type QueueConfig struct {
	MaxWorkers  int64
	QueueDepth  int
	MaxAttempts int // retries beyond the first attempt
	RetryDelays []time.Duration
}

// ProcessingQueue routes finalized submissions through the inference
// provider. Producers hand submissions off via Enqueue; a bounded pool of
// workers pulls them and applies state transitions. All transitions go
// through one mutex so a worker completing a job and the retry scheduler
// resurrecting it can never race.
type ProcessingQueue struct {
	logger    *slog.Logger
	store     ports.DocumentStore
	inference ports.InferenceProvider
	bus       *EventBus
	policy    RetryPolicy

	maxAttempts int
	pending     chan *domain.Job
	sem         *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewProcessingQueue(
	logger *slog.Logger,
	store ports.DocumentStore,
	inference ports.InferenceProvider,
	bus *EventBus,
	cfg QueueConfig,
) *ProcessingQueue {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 2
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &ProcessingQueue{
		logger:      logger,
		store:       store,
		inference:   inference,
		bus:         bus,
		policy:      NewRetryPolicy(cfg.RetryDelays),
		maxAttempts: maxAttempts,
		pending:     make(chan *domain.Job, depth),
		sem:         semaphore.NewWeighted(workers),
		jobs:        make(map[string]*domain.Job),
	}
}

// Enqueue registers a submission for processing. It returns false without
// enqueuing when a non-terminal job already exists for the id, so submitting
// twice while the first run is in flight is a no-op.
func (q *ProcessingQueue) Enqueue(ctx context.Context, submissionID string, payload domain.Document) bool {
	now := time.Now().UTC()

	q.mu.Lock()
	if existing, ok := q.jobs[submissionID]; ok && !existing.Status.Terminal() {
		q.mu.Unlock()
		q.logger.Warn("submission already queued or processing", "submission_id", submissionID)
		return false
	}
	job := &domain.Job{
		SubmissionID: submissionID,
		Payload:      payload,
		Status:       domain.JobStatusPending,
		MaxAttempts:  q.maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	q.jobs[submissionID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job:
	default:
		q.mu.Lock()
		delete(q.jobs, submissionID)
		q.mu.Unlock()
		q.logger.Error("processing queue full, rejecting submission", "submission_id", submissionID)
		return false
	}

	q.persistStatus(ctx, submissionID, domain.JobStatusPending)
	q.publishStatus(job)
	q.logger.Info("queued submission for processing", "submission_id", submissionID)
	return true
}

// Run consumes the pending queue until ctx is cancelled. Each job executes in
// its own goroutine; the weighted semaphore bounds concurrency to the
// configured worker count. The inference call itself runs with no lock held.
func (q *ProcessingQueue) Run(ctx context.Context) error {
	q.logger.Info("processing queue started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("processing queue stopped")
			return nil
		case job := <-q.pending:
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func(j *domain.Job) {
				defer q.sem.Release(1)
				q.process(ctx, j)
			}(job)
		}
	}
}

// Status returns a snapshot of a tracked job.
func (q *ProcessingQueue) Status(submissionID string) (domain.JobStatusView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[submissionID]
	if !ok {
		return domain.JobStatusView{}, domain.ErrJobNotFound
	}
	return snapshotJob(job), nil
}

// Cancel forces a Failed transition for a job that has not started executing.
// It returns false once the job is Processing or terminal: the in-flight
// execution is not interrupted.
func (q *ProcessingQueue) Cancel(ctx context.Context, submissionID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[submissionID]
	if !ok || (job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRetrying) {
		q.mu.Unlock()
		return false
	}
	job.Status = domain.JobStatusFailed
	job.LastError = "cancelled"
	job.NextRetryAt = nil
	job.UpdatedAt = time.Now().UTC()
	q.mu.Unlock()

	q.persistStatus(ctx, submissionID, domain.JobStatusFailed)
	q.publishStatus(job)
	q.logger.Info("cancelled job", "submission_id", submissionID)
	return true
}

// Stats reports per-status job counts and the current queue depth.
func (q *ProcessingQueue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := domain.QueueStats{
		TotalJobs:  len(q.jobs),
		QueueDepth: len(q.pending),
	}
	for _, job := range q.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Queued++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		case domain.JobStatusRetrying:
			stats.Retrying++
		}
	}
	return stats
}

// Recover rescans the submissions collection for documents stuck in a
// non-terminal status and re-enqueues them. The in-flight job table does not
// survive restarts; the store does, so this rebuilds scheduling state.
func (q *ProcessingQueue) Recover(ctx context.Context) error {
	docs, err := q.store.Query(ctx, domain.CollectionSubmissions, func(doc domain.Document) bool {
		switch domain.JobStatus(domain.StringField(doc, "status", "")) {
		case domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusRetrying:
			return true
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("scan submissions for recovery: %w", err)
	}

	recovered := 0
	for id, doc := range docs {
		if q.Enqueue(ctx, id, doc) {
			recovered++
		}
	}
	if recovered > 0 {
		q.logger.Info("recovered interrupted submissions", "count", recovered)
	}
	return nil
}

// RequeueDue atomically moves every Retrying job whose backoff has elapsed
// back to Pending and pushes it onto the queue tail. Called by the retry
// scheduler; shares the job-table mutex with workers so a job already moved
// to Pending by a concurrent scan is never enqueued twice.
func (q *ProcessingQueue) RequeueDue(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	var due []*domain.Job
	for _, job := range q.jobs {
		if job.Status == domain.JobStatusRetrying && job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			job.Status = domain.JobStatusPending
			job.NextRetryAt = nil
			job.UpdatedAt = now
			due = append(due, job)
		}
	}
	q.mu.Unlock()

	requeued := 0
	for _, job := range due {
		select {
		case q.pending <- job:
			requeued++
			q.persistStatus(ctx, job.SubmissionID, domain.JobStatusPending)
			q.publishStatus(job)
			q.logger.Info("requeued submission for retry",
				"submission_id", job.SubmissionID, "attempt", job.Attempt+1)
		default:
			// Queue full: push the retry out by one tick instead of dropping it.
			q.mu.Lock()
			job.Status = domain.JobStatusRetrying
			at := now
			job.NextRetryAt = &at
			q.mu.Unlock()
			q.logger.Warn("queue full, deferring retry", "submission_id", job.SubmissionID)
		}
	}
	return requeued
}

// process runs one execution attempt. Failures never escape: they end in a
// Retrying or Failed transition with lastError populated.
func (q *ProcessingQueue) process(ctx context.Context, job *domain.Job) {
	if !q.beginExecution(job) {
		// Cancelled (or otherwise moved) between dequeue and execution.
		return
	}
	q.persistStatus(ctx, job.SubmissionID, domain.JobStatusProcessing)
	q.publishStatus(job)
	q.logger.Info("processing submission", "submission_id", job.SubmissionID, "attempt", job.Attempt)

	defer func() {
		if r := recover(); r != nil {
			q.handleFailure(ctx, job, fmt.Errorf("panic during processing: %v", r))
		}
	}()

	payload := q.refreshPayload(ctx, job)

	report, err := q.inference.Evaluate(ctx, job.SubmissionID, payload)
	if err != nil {
		q.handleFailure(ctx, job, err)
		return
	}

	startupID := domain.StringField(report, "startupId", job.SubmissionID)
	if err := q.store.Set(ctx, domain.CollectionReports, startupID, report); err != nil {
		// Treated as transient: the report can be regenerated on retry.
		q.handleFailure(ctx, job, fmt.Errorf("persist evaluation report: %w", err))
		return
	}

	q.complete(ctx, job)
}

// beginExecution is the Pending→Processing choke point. It refuses jobs that
// are no longer Pending (cancelled, or claimed by another worker), so a job
// is never concurrently owned twice.
func (q *ProcessingQueue) beginExecution(job *domain.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.Status != domain.JobStatusPending {
		return false
	}
	job.Status = domain.JobStatusProcessing
	job.Attempt++
	job.UpdatedAt = time.Now().UTC()
	return true
}

// refreshPayload re-reads the submission document before executing. The
// snapshot taken at enqueue time may predate file uploads finishing; the
// fresh copy wins, the snapshot is the fallback.
func (q *ProcessingQueue) refreshPayload(ctx context.Context, job *domain.Job) domain.Document {
	doc, err := q.store.Get(ctx, domain.CollectionSubmissions, job.SubmissionID)
	if err != nil {
		q.logger.Warn("unable to refresh submission before processing",
			"submission_id", job.SubmissionID, "error", err)
		return job.Payload
	}
	if _, ok := doc["id"]; !ok {
		doc["id"] = job.SubmissionID
	}

	q.mu.Lock()
	job.Payload = doc
	q.mu.Unlock()
	return doc
}

func (q *ProcessingQueue) complete(ctx context.Context, job *domain.Job) {
	q.mu.Lock()
	job.Status = domain.JobStatusCompleted
	job.LastError = ""
	job.NextRetryAt = nil
	job.UpdatedAt = time.Now().UTC()
	q.mu.Unlock()

	q.persistStatus(ctx, job.SubmissionID, domain.JobStatusCompleted)
	q.publishStatus(job)

	// The report pool changed materially: let the recommendation layer know.
	q.bus.Publish(Event{
		SubmissionID: BroadcastChannel,
		Type:         EventTypeDataChanged,
		Data:         fmt.Sprintf(`{"submission_id":%q}`, job.SubmissionID),
		Timestamp:    time.Now().Unix(),
	})

	q.logger.Info("successfully processed submission",
		"submission_id", job.SubmissionID, "attempt", job.Attempt)
}

// handleFailure applies the retry policy. Transient failures within the
// attempt cap park the job as Retrying with a backoff; unprocessable input
// and exhausted jobs go terminal.
func (q *ProcessingQueue) handleFailure(ctx context.Context, job *domain.Job, cause error) {
	now := time.Now().UTC()

	q.mu.Lock()
	job.LastError = cause.Error()
	job.UpdatedAt = now

	var status domain.JobStatus
	switch {
	case errors.Is(cause, domain.ErrUnprocessableSubmission):
		status = domain.JobStatusFailed
	case job.Attempt <= job.MaxAttempts:
		delay := q.policy.Delay(job.Attempt)
		at := now.Add(delay)
		job.NextRetryAt = &at
		status = domain.JobStatusRetrying
	default:
		status = domain.JobStatusFailed
	}
	job.Status = status
	q.mu.Unlock()

	q.persistStatus(ctx, job.SubmissionID, status)
	q.publishStatus(job)

	if status == domain.JobStatusRetrying {
		q.logger.Warn("submission processing failed, will retry",
			"submission_id", job.SubmissionID,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts+1,
			"next_retry_at", job.NextRetryAt,
			"error", cause)
		return
	}
	q.logger.Error("submission processing failed permanently",
		"submission_id", job.SubmissionID, "attempt", job.Attempt, "error", cause)
}

// persistStatus records the externally visible status on the submission
// document. A persist failure is logged, not fatal: the in-memory job state
// stays authoritative until the next successful write.
func (q *ProcessingQueue) persistStatus(ctx context.Context, submissionID string, status domain.JobStatus) {
	err := q.store.Update(ctx, domain.CollectionSubmissions, submissionID, domain.Document{
		"status":          string(status),
		"processingStage": status.ProcessingStage(),
		"updated_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		q.logger.Error("failed to persist submission status",
			"submission_id", submissionID, "status", status, "error", err)
	}
}

func (q *ProcessingQueue) publishStatus(job *domain.Job) {
	q.mu.Lock()
	view := snapshotJob(job)
	q.mu.Unlock()

	payload, err := json.Marshal(map[string]any{
		"status":  string(view.Status),
		"stage":   view.Stage,
		"attempt": view.Attempt,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"status":%q}`, view.Status))
	}
	q.bus.Publish(Event{
		SubmissionID: view.SubmissionID,
		Type:         EventTypeStatus,
		Data:         string(payload),
		Timestamp:    time.Now().Unix(),
	})
}

func snapshotJob(job *domain.Job) domain.JobStatusView {
	view := domain.JobStatusView{
		SubmissionID: job.SubmissionID,
		Status:       job.Status,
		Stage:        job.Status.ProcessingStage(),
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.NextRetryAt != nil {
		at := *job.NextRetryAt
		view.NextRetryAt = &at
	}
	return view
}
