// Package storage is the engine's view of the persistence layer: rules,
// tenant settings, cached provider metadata, idempotency markers and system logs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"crmsync/internal/models"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// Store is the full collaborator surface consumed by the engine. Consumers
// depend on the narrower interfaces declared in their own packages.
type Store interface {
	GetSyncRules(ctx context.Context, userID int64) ([]models.SyncRule, error)
	IncrementRuleExecution(ctx context.Context, ruleID int64) error

	GetAmoCRMSettings(ctx context.Context, userID int64) (*models.AmoCRMSettings, error)
	GetLPTrackerSettings(ctx context.Context, userID int64) (*models.LPTrackerSettings, error)
	GetLPTrackerGlobalSettings(ctx context.Context) (*models.LPTrackerGlobalSettings, error)
	SaveLPTrackerToken(ctx context.Context, token string, expiresAt time.Time) error
	FindUserByAmoCRMSubdomain(ctx context.Context, subdomain string) (int64, error)
	FindUserByLPTrackerProject(ctx context.Context, projectID string) (int64, error)

	GetAmoCRMMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error)
	SaveAmoCRMMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error
	GetLPTrackerMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error)
	SaveLPTrackerMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error

	CheckWebhookProcessed(ctx context.Context, key models.ProcessedKey) (bool, error)
	MarkWebhookProcessed(ctx context.Context, key models.ProcessedKey) error

	CreateSystemLog(ctx context.Context, entry *models.SystemLog) error
}
