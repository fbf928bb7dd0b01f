package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"crmsync/internal/models"
	"crmsync/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	amo       map[int64]*models.AmoCRMSettings
	lpt       map[int64]*models.LPTrackerSettings
	global    *models.LPTrackerGlobalSettings
	metadata  map[string]json.RawMessage
	savedMeta int
	lptMeta   map[string]json.RawMessage
	tokens    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		amo:      map[int64]*models.AmoCRMSettings{},
		lpt:      map[int64]*models.LPTrackerSettings{},
		metadata: map[string]json.RawMessage{},
		lptMeta:  map[string]json.RawMessage{},
	}
}

func (f *fakeStore) GetAmoCRMSettings(_ context.Context, userID int64) (*models.AmoCRMSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.amo[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetAmoCRMMetadata(_ context.Context, userID int64, typ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.metadata[typ]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) SaveAmoCRMMetadata(_ context.Context, userID int64, typ string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[typ] = data
	f.savedMeta++
	return nil
}

func (f *fakeStore) GetLPTrackerSettings(_ context.Context, userID int64) (*models.LPTrackerSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.lpt[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetLPTrackerGlobalSettings(context.Context) (*models.LPTrackerGlobalSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.global == nil {
		return nil, storage.ErrNotFound
	}
	g := *f.global
	return &g, nil
}

func (f *fakeStore) SaveLPTrackerToken(_ context.Context, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.global != nil {
		f.global.Token = token
		f.global.TokenExpiresAt = &expiresAt
	}
	return nil
}

func (f *fakeStore) GetLPTrackerMetadata(_ context.Context, userID int64, typ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.lptMeta[typ]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) SaveLPTrackerMetadata(_ context.Context, userID int64, typ string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lptMeta[typ] = data
	return nil
}
