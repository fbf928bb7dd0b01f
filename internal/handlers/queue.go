package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
	"crmsync/internal/queue"
)

type QueueHandler struct {
	queue queue.Queue
}

// NewQueueHandler accepts a nil queue; the endpoints then report 503.
func NewQueueHandler(q queue.Queue) *QueueHandler {
	return &QueueHandler{queue: q}
}

// Status reports queue counters.
func (h *QueueHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.queue == nil {
			respondError(w, http.StatusServiceUnavailable, "Webhook queue not configured")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status": "running",
			"queue":  h.queue.Stats(),
		})
	}
}

// Jobs lists pending jobs, optionally filtered by ?provider= and capped by ?limit=.
func (h *QueueHandler) Jobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inspector, ok := h.inspector(w)
		if !ok {
			return
		}
		provider := models.Provider(r.URL.Query().Get("provider"))
		if provider != "" && !provider.Valid() {
			respondError(w, http.StatusBadRequest, "Unknown provider")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		all := inspector.Jobs(provider, 0)
		shown := all
		if len(shown) > limit {
			shown = shown[:limit]
		}
		respondWithJSON(w, http.StatusOK, map[string]any{
			"filtered_count": len(all),
			"shown_count":    len(shown),
			"jobs":           shown,
		})
	}
}

// Retry makes a pending job ready immediately with a fresh attempt budget.
func (h *QueueHandler) Retry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inspector, ok := h.inspector(w)
		if !ok {
			return
		}
		jobID := mux.Vars(r)["jobId"]
		if jobID == "" {
			respondError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		if err := inspector.Retry(jobID); err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				respondError(w, http.StatusNotFound, "Job not found or already completed")
				return
			}
			log.Error().Err(err).Str("jobID", jobID).Msg("Manual job retry failed")
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "retry scheduled", "jobId": jobID})
	}
}

func (h *QueueHandler) inspector(w http.ResponseWriter) (queue.Inspector, bool) {
	if h.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "Webhook queue not configured")
		return nil, false
	}
	inspector, ok := h.queue.(queue.Inspector)
	if !ok {
		respondError(w, http.StatusNotImplemented, "Job inspection is not supported by this queue backend")
		return nil, false
	}
	return inspector, true
}
