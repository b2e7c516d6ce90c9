package services

import (
	"context"
	"log/slog"
	"time"
)

// defaultRetryDelays is the fixed backoff table: 1 min, 5 min, 15 min. The
// lookup is linear and the last value repeats for further attempts.
var defaultRetryDelays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// RetryPolicy maps an attempt number to a backoff duration.
type RetryPolicy struct {
	delays []time.Duration
}

func NewRetryPolicy(delays []time.Duration) RetryPolicy {
	if len(delays) == 0 {
		delays = defaultRetryDelays
	}
	return RetryPolicy{delays: delays}
}

// Delay returns the backoff for the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	i := attempt - 1
	if i >= len(p.delays) {
		i = len(p.delays) - 1
	}
	return p.delays[i]
}

// RetryScheduler periodically resurrects jobs whose backoff has elapsed.
// It moves them back to the pending queue through the queue's own transition
// choke point, so a concurrent scan can never double-enqueue a job.
type RetryScheduler struct {
	logger *slog.Logger
	queue  *ProcessingQueue
	tick   time.Duration
}

func NewRetryScheduler(logger *slog.Logger, queue *ProcessingQueue, tick time.Duration) *RetryScheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &RetryScheduler{logger: logger, queue: queue, tick: tick}
}

// Run blocks until ctx is cancelled, scanning for due retries every tick.
func (s *RetryScheduler) Run(ctx context.Context) error {
	s.logger.Info("retry scheduler started", "check_interval", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			if n := s.queue.RequeueDue(ctx, time.Now().UTC()); n > 0 {
				s.logger.Info("requeued retryable jobs", "count", n)
			}
		}
	}
}
