package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
	"github.com/venturekit/dealflow/internal/core/services"
)

// Server is the thin HTTP surface over the processing pipeline and the
// recommendation layer. Authentication, uploads and page rendering belong to
// the surrounding request layer, not here.
type Server struct {
	logger   *slog.Logger
	pipeline *services.Pipeline
	queue    *services.ProcessingQueue
	rerank   *services.RerankService
	bus      *services.EventBus
	store    ports.DocumentStore
}

func NewServer(
	logger *slog.Logger,
	pipeline *services.Pipeline,
	queue *services.ProcessingQueue,
	rerank *services.RerankService,
	bus *services.EventBus,
	store ports.DocumentStore,
) *Server {
	return &Server{
		logger:   logger,
		pipeline: pipeline,
		queue:    queue,
		rerank:   rerank,
		bus:      bus,
		store:    store,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", s.handleCreateSubmission)
		r.Post("/submissions/{id}/process", s.handleProcessSubmission)
		r.Get("/submissions/{id}/status", s.handleSubmissionStatus)
		r.Delete("/submissions/{id}", s.handleCancelSubmission)
		r.Get("/submissions/{id}/events", s.handleSubmissionEvents)
		r.Get("/queue/stats", s.handleQueueStats)

		r.Get("/investors/{id}/recommendations", s.handleGetRecommendations)
		r.Put("/investors/{id}/preferences", s.handleUpdatePreferences)
		r.Post("/recommendations/refresh", s.handleRefreshRecommendations)
	})

	return r
}

// handleCreateSubmission stores a finalized submission document and queues it
// for analysis in one step.
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode submission: %w", err))
		return
	}

	id := domain.StringField(doc, "id", "")
	if id == "" {
		id = uuid.New().String()
		doc["id"] = id
	}
	doc["status"] = string(domain.JobStatusPending)
	doc["processingStage"] = domain.JobStatusPending.ProcessingStage()

	if err := s.store.Set(r.Context(), domain.CollectionSubmissions, id, doc); err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}

	if !s.pipeline.QueueSubmission(r.Context(), id, doc) {
		writeErr(w, http.StatusConflict, fmt.Errorf("submission %s is already queued or processing", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"submission_id": id, "queued": true})
}

// handleProcessSubmission enqueues an already stored submission.
func (s *Server) handleProcessSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.store.Get(r.Context(), domain.CollectionSubmissions, id)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}

	if !s.pipeline.QueueSubmission(r.Context(), id, doc) {
		writeErr(w, http.StatusConflict, fmt.Errorf("submission %s is already queued or processing", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"submission_id": id, "queued": true})
}

func (s *Server) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.pipeline.Cancel(r.Context(), id) {
		writeErr(w, http.StatusConflict, fmt.Errorf("submission %s cannot be cancelled", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission_id": id, "cancelled": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

// handleSubmissionEvents streams a submission's lifecycle events over SSE.
func (s *Server) handleSubmissionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.bus.Subscribe(id)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.rerank.GetRanking(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDocumentNotFound):
			writeErr(w, http.StatusNotFound, fmt.Errorf("investor %s not found", id))
		case errors.Is(err, services.ErrNoStartupData):
			writeErr(w, http.StatusNotFound, err)
		default:
			writeErr(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUpdatePreferences persists new preferences and recomputes the
// investor's ranking right away.
func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var prefs domain.Document
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode preferences: %w", err))
		return
	}

	err := s.store.Update(r.Context(), domain.CollectionUsers, id, domain.Document{"preferences": prefs})
	if errors.Is(err, domain.ErrDocumentNotFound) {
		err = s.store.Set(r.Context(), domain.CollectionUsers, id, domain.Document{
			"role":        "investor",
			"preferences": prefs,
		})
	}
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}

	result, err := s.rerank.OnPreferenceChange(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNoStartupData) {
			writeJSON(w, http.StatusOK, map[string]any{"investor_id": id, "updated": true, "ranking": nil})
			return
		}
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investor_id": id, "updated": true, "ranking": result})
}

// handleRefreshRecommendations drops every cache entry and recomputes for
// all investors with standing preferences.
func (s *Server) handleRefreshRecommendations(w http.ResponseWriter, r *http.Request) {
	if err := s.rerank.InvalidateAll(r.Context()); err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	outcomes, err := s.rerank.FanOut(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
