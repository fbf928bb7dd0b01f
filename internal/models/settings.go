package models

import (
	"encoding/json"
	"time"
)

// AmoCRMSettings is a tenant's AmoCRM connection. APIKey is stored encrypted
// and only decrypted right before a request.
type AmoCRMSettings struct {
	UserID    int64  `db:"user_id"`
	Subdomain string `db:"subdomain"`
	APIKey    string `db:"api_key"`
	IsActive  bool   `db:"is_active"`
}

type LPTrackerSettings struct {
	UserID    int64  `db:"user_id"`
	ProjectID string `db:"project_id"`
	IsActive  bool   `db:"is_active"`
}

// LPTrackerGlobalSettings holds the shared LPTracker account. The token is
// reused by every tenant until it expires or is rejected.
type LPTrackerGlobalSettings struct {
	Login          string     `db:"login"`
	Password       string     `db:"password"`
	Service        string     `db:"service"`
	Token          string     `db:"token"`
	TokenExpiresAt *time.Time `db:"token_expires_at"`
}

// Metadata types cached per tenant. Funnel metadata is keyed per project as
// MetadataFunnel + ":" + project id.
const (
	MetadataContactFields = "contact_fields"
	MetadataFunnel        = "funnel"
)

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// SystemLog is a structured entry for the tenant-visible log.
type SystemLog struct {
	ID        int64           `db:"id" json:"id"`
	UserID    *int64          `db:"user_id" json:"userId,omitempty"`
	Level     LogLevel        `db:"level" json:"level"`
	Message   string          `db:"message" json:"message"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	Source    string          `db:"source" json:"source"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// ProcessedKey identifies one rule firing for one event instance.
type ProcessedKey struct {
	UserID         int64
	Provider       Provider
	EntityID       string
	RuleID         int64
	EventTimestamp string
}
