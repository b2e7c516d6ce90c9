package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturekit/dealflow/internal/core/domain"
)

// fakeStore is an in-memory document store shared by the service tests. It
// records every status value persisted for a submission so tests can assert
// the full transition sequence.
type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]map[string]domain.Document
	statusLog map[string][]string
	failSet   func(collection, id string) error
	failAll   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:      make(map[string]map[string]domain.Document),
		statusLog: make(map[string][]string),
	}
}

func (f *fakeStore) seed(collection, id string, doc domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]domain.Document)
	}
	f.docs[collection][id] = doc
}

func (f *fakeStore) Get(_ context.Context, collection, id string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, domain.ErrStoreUnavailable
	}
	doc, ok := f.docs[collection][id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	out := make(domain.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Set(_ context.Context, collection, id string, doc domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return domain.ErrStoreUnavailable
	}
	if f.failSet != nil {
		if err := f.failSet(collection, id); err != nil {
			return err
		}
	}
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]domain.Document)
	}
	f.docs[collection][id] = doc
	return nil
}

func (f *fakeStore) Update(_ context.Context, collection, id string, fields domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return domain.ErrStoreUnavailable
	}
	doc, ok := f.docs[collection][id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	for k, v := range fields {
		doc[k] = v
	}
	if collection == domain.CollectionSubmissions {
		if status, ok := fields["status"].(string); ok {
			f.statusLog[id] = append(f.statusLog[id], status)
		}
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return domain.ErrStoreUnavailable
	}
	delete(f.docs[collection], id)
	return nil
}

func (f *fakeStore) Query(_ context.Context, collection string, filter func(domain.Document) bool) (map[string]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, domain.ErrStoreUnavailable
	}
	out := make(map[string]domain.Document)
	for id, doc := range f.docs[collection] {
		if filter == nil || filter(doc) {
			out[id] = doc
		}
	}
	return out, nil
}

func (f *fakeStore) statuses(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statusLog[id]))
	copy(out, f.statusLog[id])
	return out
}

// fakeInference drives the queue and rerank tests with function fields.
type fakeInference struct {
	mu         sync.Mutex
	evaluateFn func(submissionID string, submission domain.Document) (domain.Document, error)
	rankFn     func(preferences domain.Document, summaries []domain.StartupSummary) (domain.RankingResponse, error)
	evalCalls  int
}

func (f *fakeInference) Evaluate(_ context.Context, submissionID string, submission domain.Document) (domain.Document, error) {
	f.mu.Lock()
	f.evalCalls++
	fn := f.evaluateFn
	f.mu.Unlock()
	if fn == nil {
		return domain.Document{"startupId": submissionID}, nil
	}
	return fn(submissionID, submission)
}

func (f *fakeInference) Rank(_ context.Context, preferences domain.Document, summaries []domain.StartupSummary) (domain.RankingResponse, error) {
	f.mu.Lock()
	fn := f.rankFn
	f.mu.Unlock()
	if fn == nil {
		return FallbackRanking(summaries), nil
	}
	return fn(preferences, summaries)
}

func (f *fakeInference) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evalCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func newTestQueue(store *fakeStore, inference *fakeInference, cfg QueueConfig) (*ProcessingQueue, *EventBus) {
	logger := testLogger()
	bus := NewEventBus(logger)
	return NewProcessingQueue(logger, store, inference, bus, cfg), bus
}

func waitForStatus(t *testing.T, q *ProcessingQueue, id string, want domain.JobStatus) domain.JobStatusView {
	t.Helper()
	var view domain.JobStatusView
	require.Eventually(t, func() bool {
		v, err := q.Status(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "timed out waiting for status %s", want)
	return view
}

func TestQueue_EnqueueIsIdempotentWhileNonTerminal(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"status": "draft"})
	q, _ := newTestQueue(store, &fakeInference{}, QueueConfig{})

	ctx := context.Background()
	assert.True(t, q.Enqueue(ctx, "sub-1", domain.Document{"startupName": "Acme"}))
	assert.False(t, q.Enqueue(ctx, "sub-1", domain.Document{"startupName": "Acme"}))

	stats := q.Stats()
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.Queued)
}

func TestQueue_SuccessfulProcessing(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme", "description": "b2b payments"})

	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			return domain.Document{
				"startupId": id,
				"scores":    domain.Document{"OverallScore": 8.0},
			}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	view := waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)
	assert.Equal(t, 1, view.Attempt)
	assert.Empty(t, view.LastError)

	// Report persisted under the startup id.
	report, err := store.Get(ctx, domain.CollectionReports, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", report["startupId"])

	assert.Equal(t, []string{"queued", "processing", "completed"}, store.statuses("sub-1"))
}

func TestQueue_RefreshesPayloadBeforeExecution(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{
		"startupName":    "Acme",
		"uploadedAssets": []any{"deck.pdf"},
	})

	var seen domain.Document
	var seenMu sync.Mutex
	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			seenMu.Lock()
			seen = submission
			seenMu.Unlock()
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	// Stale snapshot: the uploaded assets only exist in the store.
	require.True(t, q.Enqueue(ctx, "sub-1", domain.Document{"startupName": "Acme"}))
	waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)

	seenMu.Lock()
	defer seenMu.Unlock()
	assert.Equal(t, []any{"deck.pdf"}, seen["uploadedAssets"])
}

func TestQueue_TransientFailureRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})

	var failures int
	var mu sync.Mutex
	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures < 2 {
				failures++
				return nil, errors.New("inference timeout")
			}
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{
		RetryDelays: []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()
	scheduler := NewRetryScheduler(testLogger(), q, 5*time.Millisecond)
	go func() { _ = scheduler.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	view := waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)

	assert.Equal(t, 3, view.Attempt, "two failures plus the successful attempt")
	assert.Empty(t, view.LastError)
}

func TestQueue_StatusSequenceForSingleRetry(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})

	var failed bool
	var mu sync.Mutex
	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			mu.Lock()
			defer mu.Unlock()
			if !failed {
				failed = true
				return nil, errors.New("temporary store outage")
			}
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{
		RetryDelays: []time.Duration{10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()
	scheduler := NewRetryScheduler(testLogger(), q, 5*time.Millisecond)
	go func() { _ = scheduler.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)

	assert.Equal(t,
		[]string{"queued", "processing", "retrying", "queued", "processing", "completed"},
		store.statuses("sub-1"))
}

func TestQueue_ExhaustedRetriesEndFailed(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})

	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			return nil, errors.New("inference down")
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{
		MaxAttempts: 3,
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()
	scheduler := NewRetryScheduler(testLogger(), q, 2*time.Millisecond)
	go func() { _ = scheduler.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))

	var view domain.JobStatusView
	require.Eventually(t, func() bool {
		v, err := q.Status("sub-1")
		if err != nil {
			return false
		}
		view = v
		return view.Status == domain.JobStatusFailed && view.Attempt == 4
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, view.Attempt, "maxAttempts retries plus the first attempt")
	assert.Contains(t, view.LastError, "inference down")

	// Never resurrected automatically.
	calls := inference.calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, inference.calls())
	final, err := q.Status("sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
}

func TestQueue_UnprocessableSubmissionFailsWithoutRetry(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{})

	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			return nil, fmt.Errorf("evaluate: %w", domain.ErrUnprocessableSubmission)
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	view := waitForStatus(t, q, "sub-1", domain.JobStatusFailed)
	assert.Equal(t, 1, view.Attempt)
}

func TestQueue_CancelOnlyBeforeExecution(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})
	store.seed(domain.CollectionSubmissions, "sub-2", domain.Document{"startupName": "Bolt"})

	release := make(chan struct{})
	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			<-release
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{MaxWorkers: 1})

	ctx := context.Background()

	// Pending job: cancellable, and only once.
	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	assert.True(t, q.Cancel(ctx, "sub-1"))
	assert.False(t, q.Cancel(ctx, "sub-1"), "already terminal")

	// Unknown id.
	assert.False(t, q.Cancel(ctx, "nope"))

	// Retrying job: cancellable while waiting out its backoff.
	at := time.Now().UTC().Add(time.Minute)
	q.mu.Lock()
	q.jobs["sub-retry"] = &domain.Job{
		SubmissionID: "sub-retry",
		Status:       domain.JobStatusRetrying,
		Attempt:      1,
		MaxAttempts:  3,
		NextRetryAt:  &at,
	}
	q.mu.Unlock()
	store.seed(domain.CollectionSubmissions, "sub-retry", domain.Document{})
	assert.True(t, q.Cancel(ctx, "sub-retry"))

	// Processing job: the in-flight execution is not interrupted.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { _ = q.Run(runCtx) }()

	require.True(t, q.Enqueue(ctx, "sub-2", nil))
	waitForStatus(t, q, "sub-2", domain.JobStatusProcessing)
	assert.False(t, q.Cancel(ctx, "sub-2"))

	close(release)
	waitForStatus(t, q, "sub-2", domain.JobStatusCompleted)
	assert.False(t, q.Cancel(ctx, "sub-2"))
}

func TestQueue_CancelledJobIsNotExecuted(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})

	inference := &fakeInference{}
	q, _ := newTestQueue(store, inference, QueueConfig{})

	ctx := context.Background()
	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	require.True(t, q.Cancel(ctx, "sub-1"))

	// Start the workers after cancelling: the dequeued job must be skipped.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { _ = q.Run(runCtx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, inference.calls())
	view, err := q.Status("sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
}

func TestQueue_PersistFailureDoesNotCrashWorker(t *testing.T) {
	store := newFakeStore()
	// No submission document seeded: every status persist fails with not-found.

	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	view := waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
}

func TestQueue_CompletionPublishesDataChangedBroadcast(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{"startupName": "Acme"})

	q, bus := newTestQueue(store, &fakeInference{}, QueueConfig{})
	ch, unsub := bus.Subscribe(BroadcastChannel)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.True(t, q.Enqueue(ctx, "sub-1", nil))
	waitForStatus(t, q, "sub-1", domain.JobStatusCompleted)

	select {
	case evt := <-ch:
		assert.Equal(t, EventTypeDataChanged, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data-changed broadcast")
	}
}

func TestQueue_RecoverRequeuesNonTerminalSubmissions(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-a", domain.Document{"status": "processing"})
	store.seed(domain.CollectionSubmissions, "sub-b", domain.Document{"status": "retrying"})
	store.seed(domain.CollectionSubmissions, "sub-c", domain.Document{"status": "completed"})
	store.seed(domain.CollectionSubmissions, "sub-d", domain.Document{"status": "failed"})

	q, _ := newTestQueue(store, &fakeInference{}, QueueConfig{})
	require.NoError(t, q.Recover(context.Background()))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 2, stats.TotalJobs)
}

func TestQueue_ConcurrencyBoundedByWorkerCount(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.seed(domain.CollectionSubmissions, fmt.Sprintf("sub-%d", i), domain.Document{"startupName": "x"})
	}

	var running, peak int32
	var mu sync.Mutex
	inference := &fakeInference{
		evaluateFn: func(id string, submission domain.Document) (domain.Document, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return domain.Document{"startupId": id}, nil
		},
	}
	q, _ := newTestQueue(store, inference, QueueConfig{MaxWorkers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(ctx, fmt.Sprintf("sub-%d", i), nil))
	}
	for i := 0; i < 5; i++ {
		waitForStatus(t, q, fmt.Sprintf("sub-%d", i), domain.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2))
	assert.Greater(t, peak, int32(0))
}
