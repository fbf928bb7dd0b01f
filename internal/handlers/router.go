package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Routes struct {
	AmoCRMWebhookPath    string
	LPTrackerWebhookPath string
}

// NewRouter wires every endpoint behind the request logging chain.
func NewRouter(webhooks *WebhookHandler, queues *QueueHandler, routes Routes) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	router.Handle(routes.AmoCRMWebhookPath, webhooks.AmoCRM()).Methods(http.MethodPost)
	router.Handle(routes.LPTrackerWebhookPath, webhooks.LPTracker()).Methods(http.MethodPost)
	log.Info().
		Str("amocrm", routes.AmoCRMWebhookPath).
		Str("lptracker", routes.LPTrackerWebhookPath).
		Msg("Registered webhook handlers")

	router.Handle("/queue/status", queues.Status()).Methods(http.MethodGet)
	router.Handle("/queue/jobs", queues.Jobs()).Methods(http.MethodGet)
	router.Handle("/queue/jobs/{jobId}/retry", queues.Retry()).Methods(http.MethodPost)

	chain := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.RequestIDHandler("reqID", "X-Request-Id"),
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("HTTP request")
		}),
	)
	return chain.Then(router)
}
