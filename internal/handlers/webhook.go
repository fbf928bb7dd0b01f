// Package handlers exposes the inbound webhook endpoints and the queue
// inspection API.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
)

const maxWebhookBody = 1 << 20

// Enqueuer accepts webhook bodies for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, provider models.Provider, payload string) (*models.WebhookJob, error)
}

// Dispatcher processes a webhook body synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider models.Provider, payload string) error
}

// WebhookHandler answers every delivery with 200 {"status":"ok"}; failures
// are retried by the queue, not by the sender.
type WebhookHandler struct {
	queue      Enqueuer
	dispatcher Dispatcher
}

// NewWebhookHandler needs a queue, a dispatcher or both. Without a queue
// webhooks are dispatched inline.
func NewWebhookHandler(queue Enqueuer, dispatcher Dispatcher) (*WebhookHandler, error) {
	if queue == nil && dispatcher == nil {
		return nil, errors.New("webhook handler needs a queue or a dispatcher")
	}
	return &WebhookHandler{queue: queue, dispatcher: dispatcher}, nil
}

func (h *WebhookHandler) AmoCRM() http.HandlerFunc {
	return h.handle(models.ProviderAmoCRM)
}

func (h *WebhookHandler) LPTracker() http.HandlerFunc {
	return h.handle(models.ProviderLPTracker)
}

func (h *WebhookHandler) handle(provider models.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			log.Error().Err(err).Str("provider", string(provider)).Msg("Failed to read webhook body")
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		payload := string(body)
		log.Info().Str("provider", string(provider)).Int("size", len(body)).Msg("Received webhook")

		// The CRM may hang up before processing finishes.
		ctx := context.WithoutCancel(r.Context())
		if h.queue != nil {
			job, err := h.queue.Enqueue(ctx, provider, payload)
			if err == nil {
				log.Debug().Str("jobID", job.ID).Str("provider", string(provider)).Msg("Webhook queued")
				respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
				return
			}
			log.Error().Err(err).Str("provider", string(provider)).Msg("Failed to enqueue webhook, dispatching inline")
		}
		if h.dispatcher != nil {
			if err := h.dispatcher.Dispatch(ctx, provider, payload); err != nil {
				log.Error().Err(err).Str("provider", string(provider)).Msg("Inline webhook processing failed")
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
