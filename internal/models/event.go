package models

import (
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// CustomField is a provider custom field value in a provider-neutral shape.
// AmoCRM fields carry a numeric ID and an optional code (PHONE, EMAIL, ...);
// LPTracker fields carry an ID and a display name.
type CustomField struct {
	ID     string `json:"id"`
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	Values []any  `json:"values"`
}

// First returns the first non-empty value of the field.
func (f CustomField) First() (any, bool) {
	for _, v := range f.Values {
		if !IsEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

// Matches reports whether key names this field by id, code or name.
func (f CustomField) Matches(key string) bool {
	if key == "" {
		return false
	}
	return f.ID == key || strings.EqualFold(f.Code, key) || (f.Name != "" && strings.EqualFold(f.Name, key))
}

// LeadDetail is the fully fetched lead (AmoCRM deal or LPTracker lead).
type LeadDetail struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PipelineID   string        `json:"pipelineId,omitempty"`
	StatusID     string        `json:"statusId,omitempty"`
	Price        *float64      `json:"price,omitempty"`
	ContactIDs   []string      `json:"contactIds,omitempty"`
	CustomFields []CustomField `json:"customFields,omitempty"`
}

// ContactDetail is a fully fetched contact linked to the lead.
type ContactDetail struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	FirstName    string        `json:"firstName,omitempty"`
	LastName     string        `json:"lastName,omitempty"`
	Phones       []string      `json:"phones,omitempty"`
	Emails       []string      `json:"emails,omitempty"`
	CustomFields []CustomField `json:"customFields,omitempty"`
}

// Event is the normalized context of one webhook notification. It lives only
// for the duration of rule processing.
type Event struct {
	Provider  Provider        `json:"provider"`
	UserID    int64           `json:"userId"`
	EntityID  string          `json:"entityId"`
	Action    string          `json:"action"`
	Timestamp string          `json:"timestamp,omitempty"`
	Raw       map[string]any  `json:"raw"`
	Lead      *LeadDetail     `json:"lead,omitempty"`
	Contacts  []ContactDetail `json:"contacts,omitempty"`
}

// RawString returns a raw webhook field as a trimmed string.
func (e *Event) RawString(key string) string {
	if e == nil || e.Raw == nil {
		return ""
	}
	v, ok := e.Raw[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

// RawCustomFields returns the flat custom field array LPTracker embeds in the
// webhook body ("custom": [{"id":..,"name":..,"value":..}]).
func (e *Event) RawCustomFields() []CustomField {
	if e == nil || e.Raw == nil {
		return nil
	}
	items, ok := e.Raw["custom"].([]any)
	if !ok {
		return nil
	}
	var out []CustomField
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := CustomField{
			ID:   cast.ToString(m["id"]),
			Name: cast.ToString(m["name"]),
		}
		if v, ok := m["value"]; ok {
			f.Values = append(f.Values, v)
		}
		out = append(out, f)
	}
	return out
}

// IsEmpty reports whether a value carries no data: nil, blank strings and empty
// slices all count as absent.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// DecimalInt converts a numeric value to an int, truncating fractions. Strings
// are always read as base 10, so "0150" is 150.
func DecimalInt(v any) (int, error) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
