// Package services implements the CRM connectors: find-or-create sync of a
// mapped contact and lead into a target CRM, plus the enrichment reads the
// dispatcher needs to build an event.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"crmsync/internal/adapters/amocrm"
	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/models"
)

// ErrNoTenantSettings means the tenant has no active connection to the provider.
var ErrNoTenantSettings = errors.New("tenant has no active provider settings")

// taskDue is how far ahead AmoCRM tasks created by rules are scheduled.
const taskDue = 24 * time.Hour

type AmoCRMStore interface {
	GetAmoCRMSettings(ctx context.Context, userID int64) (*models.AmoCRMSettings, error)
	GetAmoCRMMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error)
	SaveAmoCRMMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error
}

type LPTrackerStore interface {
	GetLPTrackerSettings(ctx context.Context, userID int64) (*models.LPTrackerSettings, error)
	GetLPTrackerGlobalSettings(ctx context.Context) (*models.LPTrackerGlobalSettings, error)
	SaveLPTrackerToken(ctx context.Context, token string, expiresAt time.Time) error
	GetLPTrackerMetadata(ctx context.Context, userID int64, typ string) (json.RawMessage, error)
	SaveLPTrackerMetadata(ctx context.Context, userID int64, typ string, data json.RawMessage) error
}

// IsTransient reports whether a connector error is worth retrying: timeouts,
// network failures, rate limiting and 5xx answers from either CRM.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var amoErr *amocrm.APIError
	if errors.As(err, &amoErr) {
		return retryableStatus(amoErr.StatusCode)
	}
	var lptErr *lptracker.APIError
	if errors.As(err, &lptErr) {
		return retryableStatus(lptErr.StatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(m[key]))
}

func intPtr(m map[string]any, key string) *int {
	v, ok := m[key]
	if !ok || models.IsEmpty(v) {
		return nil
	}
	n, err := models.DecimalInt(v)
	if err != nil {
		return nil
	}
	return &n
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func idString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// contactName picks a display name for a new contact.
func contactName(contact map[string]any, fallback string) string {
	if name := stringValue(contact, models.KeyName); name != "" {
		return name
	}
	full := strings.TrimSpace(stringValue(contact, models.KeyFirstName) + " " + stringValue(contact, models.KeyLastName))
	if full != "" {
		return full
	}
	return fallback
}

// hasContactData reports whether the mapped contact carries anything worth
// creating a contact for.
func hasContactData(contact map[string]any) bool {
	for _, v := range contact {
		if !models.IsEmpty(v) {
			return true
		}
	}
	return false
}

func searchValue(contact map[string]any, by models.SearchBy) (models.SearchBy, string) {
	if by == "" {
		by = models.SearchByPhone
	}
	return by, stringValue(contact, string(by))
}
