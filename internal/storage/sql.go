package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"crmsync/internal/models"
)

// SQLStore implements Store on top of sqlx. Queries are written with '?'
// placeholders and rebound for the active driver.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (sqlx.DB) cannot be nil")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) GetSyncRules(ctx context.Context, userID int64) ([]models.SyncRule, error) {
	var rules []models.SyncRule
	err := s.db.SelectContext(ctx, &rules, s.q(`
		SELECT id, user_id, name, webhook_source, conditions, actions, is_active, execution_count, created_at
		FROM sync_rules WHERE user_id = ? ORDER BY id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("select sync rules for user %d: %w", userID, err)
	}
	return rules, nil
}

// CreateSyncRule inserts a rule and sets its ID. Rules are normally authored by
// the settings UI; the engine itself never writes them.
func (s *SQLStore) CreateSyncRule(ctx context.Context, rule *models.SyncRule) error {
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO sync_rules (user_id, name, webhook_source, conditions, actions, is_active, execution_count)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		rule.UserID, rule.Name, rule.WebhookSource, rule.Conditions, rule.Actions, rule.IsActive, rule.ExecutionCount,
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("insert sync rule: %w", err)
	}
	return nil
}

func (s *SQLStore) IncrementRuleExecution(ctx context.Context, ruleID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sync_rules SET execution_count = execution_count + 1 WHERE id = ?`), ruleID)
	if err != nil {
		return fmt.Errorf("increment rule %d: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetAmoCRMSettings(ctx context.Context, userID int64) (*models.AmoCRMSettings, error) {
	var st models.AmoCRMSettings
	err := s.db.GetContext(ctx, &st, s.q(`SELECT user_id, subdomain, api_key, is_active FROM amocrm_settings WHERE user_id = ?`), userID)
	if err != nil {
		return nil, notFound(err, "amocrm settings")
	}
	return &st, nil
}

func (s *SQLStore) UpsertAmoCRMSettings(ctx context.Context, st *models.AmoCRMSettings) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO amocrm_settings (user_id, subdomain, api_key, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET subdomain = excluded.subdomain, api_key = excluded.api_key, is_active = excluded.is_active`),
		st.UserID, strings.ToLower(st.Subdomain), st.APIKey, st.IsActive)
	if err != nil {
		return fmt.Errorf("upsert amocrm settings: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLPTrackerSettings(ctx context.Context, userID int64) (*models.LPTrackerSettings, error) {
	var st models.LPTrackerSettings
	err := s.db.GetContext(ctx, &st, s.q(`SELECT user_id, project_id, is_active FROM lptracker_settings WHERE user_id = ?`), userID)
	if err != nil {
		return nil, notFound(err, "lptracker settings")
	}
	return &st, nil
}

func (s *SQLStore) UpsertLPTrackerSettings(ctx context.Context, st *models.LPTrackerSettings) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO lptracker_settings (user_id, project_id, is_active) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET project_id = excluded.project_id, is_active = excluded.is_active`),
		st.UserID, st.ProjectID, st.IsActive)
	if err != nil {
		return fmt.Errorf("upsert lptracker settings: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLPTrackerGlobalSettings(ctx context.Context) (*models.LPTrackerGlobalSettings, error) {
	var st models.LPTrackerGlobalSettings
	err := s.db.GetContext(ctx, &st, `SELECT login, password, service, token, token_expires_at FROM lptracker_global_settings WHERE id = 1`)
	if err != nil {
		return nil, notFound(err, "lptracker global settings")
	}
	return &st, nil
}

func (s *SQLStore) UpsertLPTrackerGlobalSettings(ctx context.Context, st *models.LPTrackerGlobalSettings) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO lptracker_global_settings (id, login, password, service, token, token_expires_at) VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET login = excluded.login, password = excluded.password, service = excluded.service,
			token = excluded.token, token_expires_at = excluded.token_expires_at`),
		st.Login, st.Password, st.Service, st.Token, st.TokenExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert lptracker global settings: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveLPTrackerToken(ctx context.Context, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE lptracker_global_settings SET token = ?, token_expires_at = ? WHERE id = 1`), token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save lptracker token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) FindUserByAmoCRMSubdomain(ctx context.Context, subdomain string) (int64, error) {
	var userID int64
	err := s.db.GetContext(ctx, &userID, s.q(`SELECT user_id FROM amocrm_settings WHERE subdomain = ? AND is_active = ?`),
		strings.ToLower(strings.TrimSpace(subdomain)), true)
	if err != nil {
		return 0, notFound(err, "amocrm subdomain")
	}
	return userID, nil
}

func (s *SQLStore) FindUserByLPTrackerProject(ctx context.Context, projectID string) (int64, error) {
	var userID int64
	err := s.db.GetContext(ctx, &userID, s.q(`SELECT user_id FROM lptracker_settings WHERE project_id = ? AND is_active = ? ORDER BY user_id LIMIT 1`),
		strings.TrimSpace(projectID), true)
	if err != nil {
		return 0, notFound(err, "lptracker project")
	}
	return userID, nil
}

func (s *SQLStore) GetAmoCRMMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error) {
	return s.getMetadata(ctx, userID, models.ProviderAmoCRM, typ)
}

func (s *SQLStore) SaveAmoCRMMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error {
	return s.saveMetadata(ctx, userID, models.ProviderAmoCRM, typ, data)
}

func (s *SQLStore) GetLPTrackerMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error) {
	return s.getMetadata(ctx, userID, models.ProviderLPTracker, typ)
}

func (s *SQLStore) SaveLPTrackerMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error {
	return s.saveMetadata(ctx, userID, models.ProviderLPTracker, typ, data)
}

func (s *SQLStore) getMetadata(ctx context.Context, userID int64, provider models.Provider, typ string) (json.RawMessage, error) {
	var data string
	err := s.db.GetContext(ctx, &data, s.q(`SELECT data FROM provider_metadata WHERE user_id = ? AND provider = ? AND type = ?`),
		userID, provider, typ)
	if err != nil {
		return nil, notFound(err, string(provider)+" metadata")
	}
	return json.RawMessage(data), nil
}

func (s *SQLStore) saveMetadata(ctx context.Context, userID int64, provider models.Provider, typ string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO provider_metadata (user_id, provider, type, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, type) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		userID, provider, typ, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save %s metadata %s: %w", provider, typ, err)
	}
	return nil
}

func (s *SQLStore) CheckWebhookProcessed(ctx context.Context, key models.ProcessedKey) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`
		SELECT COUNT(*) FROM processed_webhooks
		WHERE user_id = ? AND provider = ? AND entity_id = ? AND rule_id = ? AND event_timestamp = ?`),
		key.UserID, key.Provider, key.EntityID, key.RuleID, key.EventTimestamp)
	if err != nil {
		return false, fmt.Errorf("check processed webhook: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) MarkWebhookProcessed(ctx context.Context, key models.ProcessedKey) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO processed_webhooks (user_id, provider, entity_id, rule_id, event_timestamp, processed_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		key.UserID, key.Provider, key.EntityID, key.RuleID, key.EventTimestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark processed webhook: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateSystemLog(ctx context.Context, entry *models.SystemLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var data any
	if len(entry.Data) > 0 {
		data = string(entry.Data)
	}
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO system_logs (user_id, level, message, data, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		entry.UserID, entry.Level, entry.Message, data, entry.Source, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

// ListSystemLogs returns the newest entries first.
func (s *SQLStore) ListSystemLogs(ctx context.Context, limit int) ([]models.SystemLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.SystemLog
	err := s.db.SelectContext(ctx, &logs, s.q(`
		SELECT id, user_id, level, message, COALESCE(data, '') AS data, source, created_at
		FROM system_logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	return logs, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

var _ Store = (*SQLStore)(nil)
