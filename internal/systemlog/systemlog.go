// Package systemlog records business events both to the process log and to the
// tenant-visible system log table.
package systemlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
)

type Store interface {
	CreateSystemLog(ctx context.Context, entry *models.SystemLog) error
}

// Sink writes entries best effort: storage failures are logged and dropped.
type Sink struct {
	store   Store
	timeout time.Duration
}

// New creates a sink. A nil store only logs.
func New(store Store) *Sink {
	return &Sink{store: store, timeout: 5 * time.Second}
}

// Fields is the structured payload attached to an entry.
type Fields map[string]any

func (s *Sink) Info(ctx context.Context, userID int64, source, msg string, fields Fields) {
	s.write(ctx, userID, models.LogInfo, source, msg, fields)
}

func (s *Sink) Warn(ctx context.Context, userID int64, source, msg string, fields Fields) {
	s.write(ctx, userID, models.LogWarning, source, msg, fields)
}

func (s *Sink) Error(ctx context.Context, userID int64, source, msg string, fields Fields) {
	s.write(ctx, userID, models.LogError, source, msg, fields)
}

// write records the entry. userID 0 means the entry is not tied to a tenant.
func (s *Sink) write(ctx context.Context, userID int64, level models.LogLevel, source, msg string, fields Fields) {
	event := zerologEvent(level).Str("source", source)
	if userID != 0 {
		event = event.Int64("userID", userID)
	}
	event.Fields(map[string]any(fields)).Msg(msg)

	if s == nil || s.store == nil {
		return
	}
	entry := &models.SystemLog{Level: level, Message: msg, Source: source}
	if userID != 0 {
		uid := userID
		entry.UserID = &uid
	}
	if len(fields) > 0 {
		if data, err := json.Marshal(fields); err == nil {
			entry.Data = data
		}
	}

	// Logging must outlive a cancelled request.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.CreateSystemLog(wctx, entry); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Failed to write system log")
	}
}

func zerologEvent(level models.LogLevel) *zerolog.Event {
	switch level {
	case models.LogWarning:
		return log.Warn()
	case models.LogError:
		return log.Error()
	}
	return log.Info()
}
