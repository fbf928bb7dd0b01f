// Package cache holds the engine's short-lived lookups: provider metadata,
// active rule sets and the shared LPTracker token.
package cache

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"crmsync/internal/models"
)

const tokenKey = "lptracker:token"

// Service is created once at startup and passed to every consumer.
type Service struct {
	metadata *cache.Cache
	rules    *cache.Cache
	token    *cache.Cache
	tokenTTL time.Duration
}

// New builds a cache service. A zero TTL keeps entries until invalidated.
func New(metadataTTL, rulesTTL, tokenTTL time.Duration) *Service {
	return &Service{
		metadata: cache.New(ttl(metadataTTL), time.Minute),
		rules:    cache.New(ttl(rulesTTL), time.Minute),
		token:    cache.New(ttl(tokenTTL), time.Minute),
		tokenTTL: ttl(tokenTTL),
	}
}

func ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return cache.NoExpiration
	}
	return d
}

func metadataKey(userID int64, provider models.Provider, typ string) string {
	return fmt.Sprintf("%d:%s:%s", userID, provider, typ)
}

func rulesKey(userID int64, provider models.Provider) string {
	return fmt.Sprintf("%d:%s", userID, provider)
}

// Metadata returns cached provider metadata of the given type.
func (s *Service) Metadata(userID int64, provider models.Provider, typ string) (any, bool) {
	return s.metadata.Get(metadataKey(userID, provider, typ))
}

func (s *Service) SetMetadata(userID int64, provider models.Provider, typ string, v any) {
	s.metadata.SetDefault(metadataKey(userID, provider, typ), v)
}

func (s *Service) InvalidateMetadata(userID int64, provider models.Provider, typ string) {
	s.metadata.Delete(metadataKey(userID, provider, typ))
}

// Rules returns the cached active rule set for a tenant and source provider.
func (s *Service) Rules(userID int64, provider models.Provider) ([]models.SyncRule, bool) {
	v, ok := s.rules.Get(rulesKey(userID, provider))
	if !ok {
		return nil, false
	}
	rules, ok := v.([]models.SyncRule)
	return rules, ok
}

// SetRules stores the active rules whose webhook source is provider, keeping
// their stored order.
func (s *Service) SetRules(userID int64, provider models.Provider, all []models.SyncRule) []models.SyncRule {
	active := make([]models.SyncRule, 0, len(all))
	for _, r := range all {
		if r.IsActive && r.WebhookSource == provider {
			active = append(active, r)
		}
	}
	s.rules.SetDefault(rulesKey(userID, provider), active)
	return active
}

func (s *Service) InvalidateRules(userID int64) {
	s.rules.Delete(rulesKey(userID, models.ProviderAmoCRM))
	s.rules.Delete(rulesKey(userID, models.ProviderLPTracker))
}

// Token returns the cached LPTracker token.
func (s *Service) Token() (string, bool) {
	v, ok := s.token.Get(tokenKey)
	if !ok {
		return "", false
	}
	tok, ok := v.(string)
	return tok, ok && tok != ""
}

// SetToken caches the token until expiresAt, or for the configured token TTL
// when expiresAt is zero or later than that.
func (s *Service) SetToken(token string, expiresAt time.Time) {
	d := s.tokenTTL
	if !expiresAt.IsZero() {
		until := time.Until(expiresAt)
		if until <= 0 {
			return
		}
		if d == cache.NoExpiration || until < d {
			d = until
		}
	}
	s.token.Set(tokenKey, token, d)
}

func (s *Service) InvalidateToken() {
	s.token.Delete(tokenKey)
}
