package dispatcher

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"crmsync/internal/models"
)

// Envelope is one entity-level notification extracted from a webhook body.
type Envelope struct {
	EntityID   string
	TenantHint string // AmoCRM subdomain or LPTracker project id
	Action     string
	Timestamp  string
	Raw        map[string]any
}

// Normalize splits a raw webhook body into envelopes.
func Normalize(provider models.Provider, payload string) ([]Envelope, error) {
	switch provider {
	case models.ProviderAmoCRM:
		return normalizeAmoCRM(payload)
	case models.ProviderLPTracker:
		return normalizeLPTracker(payload)
	}
	return nil, fmt.Errorf("unknown webhook provider %q", provider)
}

// normalizeAmoCRM parses the form-encoded body AmoCRM posts:
// account[subdomain]=x&leads[status][0][id]=1&leads[status][0][status_id]=2...
func normalizeAmoCRM(payload string) ([]Envelope, error) {
	form, err := url.ParseQuery(payload)
	if err != nil {
		return nil, fmt.Errorf("parse AmoCRM form body: %w", err)
	}
	subdomain := strings.ToLower(strings.TrimSpace(form.Get("account[subdomain]")))

	type leadKey struct {
		action string
		index  string
	}
	leads := map[leadKey]map[string]any{}
	for key, values := range form {
		segs := bracketPath(key)
		if len(segs) < 4 || segs[0] != "leads" || len(values) == 0 {
			continue
		}
		k := leadKey{action: segs[1], index: segs[2]}
		raw, ok := leads[k]
		if !ok {
			raw = map[string]any{}
			leads[k] = raw
		}
		setPath(raw, segs[3:], values[0])
	}

	keys := make([]leadKey, 0, len(leads))
	for k := range leads {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].action != keys[j].action {
			return keys[i].action < keys[j].action
		}
		a, _ := strconv.Atoi(keys[i].index)
		b, _ := strconv.Atoi(keys[j].index)
		return a < b
	})

	var out []Envelope
	for _, k := range keys {
		raw := leads[k]
		if !isSupportedAmoCRMEvent(k.action) {
			log.Debug().Str("action", k.action).Msg("Ignoring AmoCRM lead event")
			continue
		}
		id := cast.ToString(raw["id"])
		if id == "" {
			log.Warn().Str("action", k.action).Str("index", k.index).Msg("AmoCRM lead event without id")
			continue
		}
		if !validEntityID(id) {
			log.Warn().Str("action", k.action).Str("id", id).Msg("AmoCRM lead event with non-numeric id")
			continue
		}
		ts := cast.ToString(raw["last_modified"])
		if ts == "" {
			ts = cast.ToString(raw["updated_at"])
		}
		out = append(out, Envelope{
			EntityID:   id,
			TenantHint: subdomain,
			Action:     k.action,
			Timestamp:  ts,
			Raw:        raw,
		})
	}
	return out, nil
}

// bracketPath splits "leads[status][0][id]" into [leads status 0 id].
func bracketPath(key string) []string {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}
	}
	segs := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		segs = append(segs, rest[1:end])
		rest = rest[end+1:]
	}
	return segs
}

// setPath stores value at a nested path, creating maps along the way. Numeric
// segments stay map keys.
func setPath(m map[string]any, path []string, value string) {
	for i, seg := range path {
		if i == len(path)-1 {
			m[seg] = value
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
}

// normalizeLPTracker accepts {"data": "<json>"} or {"data": {...}} as a JSON
// body, or data=<json> as a form body.
func normalizeLPTracker(payload string) ([]Envelope, error) {
	payload = strings.TrimSpace(payload)
	var inner map[string]any

	if strings.HasPrefix(payload, "{") {
		var outer map[string]any
		if err := json.Unmarshal([]byte(payload), &outer); err != nil {
			return nil, fmt.Errorf("parse LPTracker body: %w", err)
		}
		switch data := outer["data"].(type) {
		case string:
			if err := json.Unmarshal([]byte(data), &inner); err != nil {
				return nil, fmt.Errorf("parse LPTracker data field: %w", err)
			}
		case map[string]any:
			inner = data
		case nil:
			inner = outer
		default:
			return nil, fmt.Errorf("unexpected LPTracker data field type %T", data)
		}
	} else {
		form, err := url.ParseQuery(payload)
		if err != nil {
			return nil, fmt.Errorf("parse LPTracker form body: %w", err)
		}
		data := form.Get("data")
		if data == "" {
			return nil, fmt.Errorf("LPTracker form body has no data field")
		}
		if err := json.Unmarshal([]byte(data), &inner); err != nil {
			return nil, fmt.Errorf("parse LPTracker data field: %w", err)
		}
	}

	id := cast.ToString(inner["id"])
	if id == "" {
		id = cast.ToString(inner["lead_id"])
	}
	if id == "" {
		return nil, fmt.Errorf("LPTracker webhook without lead id")
	}
	if !validEntityID(id) {
		return nil, fmt.Errorf("LPTracker webhook lead id %q is not numeric", id)
	}
	return []Envelope{{
		EntityID:   id,
		TenantHint: cast.ToString(inner["project_id"]),
		Action:     cast.ToString(inner["action"]),
		Timestamp:  cast.ToString(inner["action_timestamp"]),
		Raw:        inner,
	}}, nil
}

// validEntityID accepts positive decimal ids. Ids end up in API request paths.
func validEntityID(id string) bool {
	n, err := strconv.ParseUint(id, 10, 64)
	return err == nil && n > 0
}
