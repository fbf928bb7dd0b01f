package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/cache"
)

// LPTrackerTokens supplies the shared LPTracker token: cache first, then the
// persisted token, then a fresh login with the global credentials.
type LPTrackerTokens struct {
	client *lptracker.Client
	store  LPTrackerStore
	cache  *cache.Service
	ttl    time.Duration
	now    func() time.Time

	mu sync.Mutex
}

func NewLPTrackerTokens(client *lptracker.Client, store LPTrackerStore, c *cache.Service, ttl time.Duration) (*LPTrackerTokens, error) {
	if client == nil {
		return nil, fmt.Errorf("LPTracker client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("LPTracker store cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("cache service cannot be nil")
	}
	return &LPTrackerTokens{client: client, store: store, cache: c, ttl: ttl, now: time.Now}, nil
}

func (t *LPTrackerTokens) Token(ctx context.Context) (string, error) {
	if tok, ok := t.cache.Token(); ok {
		return tok, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another caller may have logged in while we waited.
	if tok, ok := t.cache.Token(); ok {
		return tok, nil
	}

	global, err := t.store.GetLPTrackerGlobalSettings(ctx)
	if err != nil {
		return "", fmt.Errorf("load LPTracker global settings: %w", err)
	}
	now := t.now()
	if global.Token != "" && global.TokenExpiresAt != nil && now.Before(*global.TokenExpiresAt) {
		t.cache.SetToken(global.Token, *global.TokenExpiresAt)
		return global.Token, nil
	}

	token, err := t.client.Login(ctx, global.Login, global.Password, global.Service)
	if err != nil {
		return "", err
	}
	expiresAt := now.Add(t.ttl)
	t.cache.SetToken(token, expiresAt)
	if err := t.store.SaveLPTrackerToken(ctx, token, expiresAt); err != nil {
		log.Warn().Err(err).Msg("Failed to persist LPTracker token")
	}
	return token, nil
}

// Invalidate drops the cached token. The persisted copy is ignored from now on
// because it is overwritten by the next login.
func (t *LPTrackerTokens) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.InvalidateToken()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SaveLPTrackerToken(ctx, "", t.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to clear persisted LPTracker token")
	}
}
