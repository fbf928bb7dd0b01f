package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/models"
	"crmsync/internal/storage"
)

// routedStage checks a stage id against the project funnel. Unknown stages
// are dropped, leaving a new lead in the default stage and an existing lead
// where it is. When the funnel cannot be loaded the stage is sent as-is.
func (s *LPTrackerSyncService) routedStage(ctx context.Context, userID int64, projectID, stageID string) string {
	if stageID == "" {
		return ""
	}
	stages, fresh, err := s.funnelStages(ctx, userID, projectID, false)
	if err != nil {
		log.Warn().Err(err).Int64("userID", userID).Str("projectID", projectID).Msg("LPTracker funnel metadata unavailable")
		return stageID
	}
	if stages[stageID] {
		return stageID
	}
	if !fresh {
		// The funnel may have changed since it was stored.
		if stages, _, err = s.funnelStages(ctx, userID, projectID, true); err == nil && stages[stageID] {
			return stageID
		}
	}
	log.Warn().Int64("userID", userID).Str("projectID", projectID).Str("stageID", stageID).Msg("Stage is not in the LPTracker funnel, leaving it unset")
	return ""
}

// funnelStages returns the set of stage ids of a project funnel from the
// cache, then stored metadata, then the API. fresh reports an API read.
func (s *LPTrackerSyncService) funnelStages(ctx context.Context, userID int64, projectID string, reload bool) (map[string]bool, bool, error) {
	typ := models.MetadataFunnel + ":" + projectID
	if !reload {
		if v, ok := s.cache.Metadata(userID, models.ProviderLPTracker, typ); ok {
			if stages, ok := v.(map[string]bool); ok {
				return stages, false, nil
			}
		}
	}

	s.funnelMu.Lock()
	defer s.funnelMu.Unlock()

	var defs []lptracker.Stage
	if !reload {
		raw, err := s.store.GetLPTrackerMetadata(ctx, userID, typ)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &defs); err != nil {
				log.Warn().Err(err).Int64("userID", userID).Msg("Stored LPTracker funnel is corrupt, reloading")
				defs = nil
			}
		}
	}

	fresh := len(defs) == 0
	if fresh {
		var err error
		if defs, err = s.client.Funnel(ctx, projectID); err != nil {
			return nil, false, err
		}
		if data, err := json.Marshal(defs); err == nil {
			if err := s.store.SaveLPTrackerMetadata(ctx, userID, typ, data); err != nil {
				log.Warn().Err(err).Int64("userID", userID).Msg("Failed to save LPTracker funnel metadata")
			}
		}
	}

	stages := make(map[string]bool, len(defs))
	for _, d := range defs {
		stages[idString(d.ID)] = true
	}
	s.cache.SetMetadata(userID, models.ProviderLPTracker, typ, stages)
	return stages, fresh, nil
}
