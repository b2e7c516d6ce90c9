package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturekit/dealflow/internal/core/domain"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := NewRetryPolicy(nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 900 * time.Second},
		{4, 900 * time.Second}, // last delay repeats
		{9, 900 * time.Second},
		{0, 60 * time.Second}, // clamped to the first attempt
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_CustomDelays(t *testing.T) {
	policy := NewRetryPolicy([]time.Duration{time.Second})
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, time.Second, policy.Delay(5))
}

func TestRequeueDue_MovesElapsedJobsOnly(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "due", domain.Document{})
	store.seed(domain.CollectionSubmissions, "later", domain.Document{})
	q, _ := newTestQueue(store, &fakeInference{}, QueueConfig{})

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	q.mu.Lock()
	q.jobs["due"] = &domain.Job{
		SubmissionID: "due",
		Status:       domain.JobStatusRetrying,
		Attempt:      1,
		MaxAttempts:  3,
		NextRetryAt:  &past,
	}
	q.jobs["later"] = &domain.Job{
		SubmissionID: "later",
		Status:       domain.JobStatusRetrying,
		Attempt:      1,
		MaxAttempts:  3,
		NextRetryAt:  &future,
	}
	q.mu.Unlock()

	requeued := q.RequeueDue(context.Background(), now)
	assert.Equal(t, 1, requeued)

	view, err := q.Status("due")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, view.Status)
	assert.Nil(t, view.NextRetryAt)

	view, err = q.Status("later")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, view.Status)

	// A second scan at the same instant finds nothing new.
	assert.Equal(t, 0, q.RequeueDue(context.Background(), now))
	assert.Equal(t, 1, len(q.pending))
}

func TestRetryScheduler_RunRequeuesOnTick(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionSubmissions, "sub-1", domain.Document{})
	q, _ := newTestQueue(store, &fakeInference{}, QueueConfig{})

	past := time.Now().UTC().Add(-time.Second)
	q.mu.Lock()
	q.jobs["sub-1"] = &domain.Job{
		SubmissionID: "sub-1",
		Status:       domain.JobStatusRetrying,
		Attempt:      1,
		MaxAttempts:  3,
		NextRetryAt:  &past,
	}
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := NewRetryScheduler(testLogger(), q, 5*time.Millisecond)
	go func() { _ = scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		view, err := q.Status("sub-1")
		return err == nil && view.Status == domain.JobStatusPending
	}, time.Second, 5*time.Millisecond)
}
