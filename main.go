package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/config"
	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/archive"
	"crmsync/internal/cache"
	"crmsync/internal/db"
	"crmsync/internal/dispatcher"
	"crmsync/internal/handlers"
	"crmsync/internal/lock"
	"crmsync/internal/mapper"
	"crmsync/internal/models"
	"crmsync/internal/queue"
	"crmsync/internal/rules"
	"crmsync/internal/secrets"
	"crmsync/internal/services"
	"crmsync/internal/storage"
	"crmsync/internal/systemlog"
	"crmsync/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Initializing database...")
	conn, err := db.InitDB(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer conn.Close()
	if err := db.MigrateDB(conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	store, err := storage.NewSQLStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil && !errors.Is(err, secrets.ErrNoKey) {
		log.Fatal().Err(err).Msg("Invalid ENCRYPTION_KEY")
	}

	caches := cache.New(cfg.MetadataTTL, cfg.RulesTTL, cfg.TokenTTL)

	amoService, err := services.NewAmoCRMSyncService(store, caches, box, services.AmoCRMOptions{
		Scheme:  cfg.AmoCRMScheme,
		Domain:  cfg.AmoCRMDomain,
		Timeout: cfg.HTTPTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AmoCRMSyncService")
	}

	lptClient, err := lptracker.NewClient(cfg.LPTrackerBaseURL, cfg.HTTPTimeout, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LPTracker client")
	}
	tokens, err := services.NewLPTrackerTokens(lptClient, store, caches, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LPTracker token source")
	}
	lptClient.SetTokenSource(tokens)
	lptService, err := services.NewLPTrackerSyncService(lptClient, store, caches)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LPTrackerSyncService")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		redisLocker, err := lock.Connect(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	disp, err := dispatcher.New(dispatcher.Deps{
		Store: store,
		Cache: caches,
		Enrichers: map[models.Provider]dispatcher.Enricher{
			models.ProviderAmoCRM:    amoService,
			models.ProviderLPTracker: lptService,
		},
		Connectors: map[models.ActionType]dispatcher.Connector{
			models.ActionSyncToAmoCRM:    amoService,
			models.ActionSyncToLPTracker: lptService,
		},
		Mapper:    mapper.New(amoService),
		Evaluator: rules.NewEvaluator(),
		Locker:    locker,
		Logs:      systemlog.New(store),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dispatcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	webhookQueue, err := newQueue(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook queue")
	}
	var enqueuer handlers.Enqueuer
	if webhookQueue != nil {
		webhookQueue.OnProcess(func(ctx context.Context, job *models.WebhookJob) error {
			return disp.Dispatch(ctx, job.Provider, job.Payload)
		})
		if cfg.S3Bucket != "" {
			failedArchive, err := archive.NewS3Archive(archive.Config{
				Bucket:    cfg.S3Bucket,
				Region:    cfg.S3Region,
				Endpoint:  cfg.S3Endpoint,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				PathStyle: cfg.S3PathStyle,
				Timeout:   cfg.HTTPTimeout,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialize S3 archive")
			}
			webhookQueue.OnFailed(failedArchive.HandleFailed)
		}
		if err := webhookQueue.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start webhook queue")
		}
		enqueuer = webhookQueue
	}

	webhooks, err := handlers.NewWebhookHandler(enqueuer, disp)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook handler")
	}
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(webhooks, handlers.NewQueueHandler(webhookQueue), handlers.Routes{
			AmoCRMWebhookPath:    cfg.AmoCRMWebhookPath,
			LPTrackerWebhookPath: cfg.LPTrackerWebhookPath,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if webhookQueue != nil {
		if err := webhookQueue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Webhook queue shutdown failed")
		}
	}
	log.Info().Msg("Server stopped")
}

// newQueue returns nil when QUEUE_BACKEND is "none".
func newQueue(cfg *config.Config) (queue.Queue, error) {
	opts := queue.Options{
		Concurrency: cfg.QueueConcurrency,
		MaxAttempts: cfg.QueueMaxAttempts,
		RetryBase:   cfg.QueueRetryBase,
		RetryCap:    cfg.QueueRetryCap,
		MaxJobAge:   cfg.QueueMaxJobAge,
		PollEvery:   cfg.QueuePollEvery,
	}
	switch cfg.QueueBackend {
	case "rabbitmq":
		return queue.DialRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQQueue, opts)
	case "none":
		return nil, nil
	}
	return queue.NewMemory(opts), nil
}
