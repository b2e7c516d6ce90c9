package services

import (
	"context"
	"log/slog"
)

// CacheInvalidator bridges the processing queue and the recommendation
// layer: every data-changed broadcast (a completed evaluation) invalidates
// all cached rankings, optionally followed by an eager fan-out recompute.
type CacheInvalidator struct {
	logger *slog.Logger
	bus    *EventBus
	rerank *RerankService
	eager  bool
}

func NewCacheInvalidator(logger *slog.Logger, bus *EventBus, rerank *RerankService, eager bool) *CacheInvalidator {
	return &CacheInvalidator{logger: logger, bus: bus, rerank: rerank, eager: eager}
}

// Run blocks until ctx is cancelled, reacting to broadcast events.
func (c *CacheInvalidator) Run(ctx context.Context) error {
	ch, unsub := c.bus.Subscribe(BroadcastChannel)
	defer unsub()

	c.logger.Info("cache invalidator started", "eager_recompute", c.eager)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache invalidator stopped")
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if event.Type != EventTypeDataChanged {
				continue
			}
			c.handleDataChanged(ctx)
		}
	}
}

func (c *CacheInvalidator) handleDataChanged(ctx context.Context) {
	if err := c.rerank.InvalidateAll(ctx); err != nil {
		c.logger.Error("global cache invalidation failed", "error", err)
		return
	}
	if !c.eager {
		return
	}

	outcomes, err := c.rerank.FanOut(ctx)
	if err != nil {
		c.logger.Error("fan-out recompute failed", "error", err)
		return
	}
	failed := 0
	for _, o := range outcomes {
		if !o.Success {
			failed++
		}
	}
	c.logger.Info("eager recompute finished", "investors", len(outcomes), "failed", failed)
}
