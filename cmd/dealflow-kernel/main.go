package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/venturekit/dealflow/internal/adapters/duckdb"
	"github.com/venturekit/dealflow/internal/adapters/providers"
	"github.com/venturekit/dealflow/internal/config"
	"github.com/venturekit/dealflow/internal/core/services"
	"github.com/venturekit/dealflow/pkg/kernel"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting dealflow kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg := config.Load()

	store, err := duckdb.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init document store: %w", err)
	}
	defer store.Close()

	inference := providers.Build(logger, cfg.Inference)

	eventBus := services.NewEventBus(logger)

	queue := services.NewProcessingQueue(logger, store, inference, eventBus, services.QueueConfig{
		MaxWorkers:  cfg.MaxWorkers,
		QueueDepth:  cfg.QueueDepth,
		MaxAttempts: cfg.MaxAttempts,
	})

	// Re-enqueue submissions interrupted by the previous shutdown before the
	// workers start. The store is the system of record for status; the job
	// table itself is rebuilt here.
	if err := queue.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	retryScheduler := services.NewRetryScheduler(logger, queue, cfg.RetryTick)
	rerank := services.NewRerankService(logger, store, inference)
	invalidator := services.NewCacheInvalidator(logger, eventBus, rerank, cfg.EagerRecompute)
	pipeline := services.NewPipeline(logger, queue, store)

	apiServer := kernel.NewServer(logger, pipeline, queue, rerank, eventBus, store)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(gCtx)
	})

	g.Go(func() error {
		return retryScheduler.Run(gCtx)
	})

	g.Go(func() error {
		return invalidator.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
