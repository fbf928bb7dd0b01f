package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"crmsync/internal/adapters/amocrm"
	"crmsync/internal/models"
	"crmsync/internal/storage"
)

// ContactFieldID resolves a contact field code (PHONE, EMAIL) to the tenant's
// numeric field id. Definitions come from the cache, then stored metadata, then
// the AmoCRM API; API results are saved back to storage.
func (s *AmoCRMSyncService) ContactFieldID(ctx context.Context, userID int64, code string) (int, bool) {
	fields, err := s.contactFields(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("userID", userID).Str("code", code).Msg("AmoCRM contact field metadata unavailable")
		return 0, false
	}
	id, ok := fields[strings.ToUpper(code)]
	return int(id), ok
}

func (s *AmoCRMSyncService) contactFields(ctx context.Context, userID int64) (map[string]int64, error) {
	if v, ok := s.cache.Metadata(userID, models.ProviderAmoCRM, models.MetadataContactFields); ok {
		if fields, ok := v.(map[string]int64); ok {
			return fields, nil
		}
	}

	s.fieldsMu.Lock()
	defer s.fieldsMu.Unlock()

	raw, err := s.store.GetAmoCRMMetadata(ctx, userID, models.MetadataContactFields)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	var defs []amocrm.CustomField
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &defs); err != nil {
			log.Warn().Err(err).Int64("userID", userID).Msg("Stored AmoCRM contact fields are corrupt, reloading")
			defs = nil
		}
	}

	if len(defs) == 0 {
		c, err := s.client(ctx, userID)
		if err != nil {
			return nil, err
		}
		if defs, err = c.ContactFields(ctx); err != nil {
			return nil, err
		}
		if data, err := json.Marshal(defs); err == nil {
			if err := s.store.SaveAmoCRMMetadata(ctx, userID, models.MetadataContactFields, data); err != nil {
				log.Warn().Err(err).Int64("userID", userID).Msg("Failed to save AmoCRM contact field metadata")
			}
		}
	}

	fields := make(map[string]int64, len(defs))
	for _, d := range defs {
		if d.Code != "" {
			fields[strings.ToUpper(d.Code)] = d.ID
		}
	}
	s.cache.SetMetadata(userID, models.ProviderAmoCRM, models.MetadataContactFields, fields)
	return fields, nil
}
