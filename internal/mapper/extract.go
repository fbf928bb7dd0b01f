package mapper

import (
	"strconv"

	"crmsync/internal/models"
)

// standardFields reads the well-known names from the enriched event.
var standardFields = map[string]func(ev *models.Event) any{
	models.KeyName: func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return c.Name })
	},
	models.KeyFirstName: func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return c.FirstName })
	},
	models.KeyLastName: func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return c.LastName })
	},
	models.KeyPhone: func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return first(c.Phones) })
	},
	models.KeyEmail: func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return first(c.Emails) })
	},
	"deal_name": leadName,
	"lead_name": leadName,
	models.KeyPrice: func(ev *models.Event) any {
		if ev.Lead == nil || ev.Lead.Price == nil {
			return nil
		}
		return *ev.Lead.Price
	},
	"pipeline_id": func(ev *models.Event) any {
		if ev.Lead == nil {
			return nil
		}
		return ev.Lead.PipelineID
	},
	"status_id": leadStatus,
	"stage":     leadStatus,
	"lead_id": func(ev *models.Event) any {
		if ev.Lead != nil && ev.Lead.ID != "" {
			return ev.Lead.ID
		}
		return ev.EntityID
	},
	"contact_id": func(ev *models.Event) any {
		return fromContacts(ev, func(c models.ContactDetail) any { return c.ID })
	},
}

func leadName(ev *models.Event) any {
	if ev.Lead == nil {
		return nil
	}
	return ev.Lead.Name
}

func leadStatus(ev *models.Event) any {
	if ev.Lead == nil {
		return nil
	}
	return ev.Lead.StatusID
}

func first(values []string) any {
	for _, v := range values {
		if !models.IsEmpty(v) {
			return v
		}
	}
	return nil
}

func fromContacts(ev *models.Event, get func(models.ContactDetail) any) any {
	for _, c := range ev.Contacts {
		if v := get(c); !models.IsEmpty(v) {
			return v
		}
	}
	return nil
}

// IsStandard reports whether name is one of the well-known source names.
func IsStandard(name string) bool {
	_, ok := standardFields[name]
	return ok
}

// Standard returns a well-known attribute of the enriched event.
func Standard(ev *models.Event, name string) (any, bool) {
	get, ok := standardFields[name]
	if !ok || ev == nil {
		return nil, false
	}
	v := get(ev)
	return v, !models.IsEmpty(v)
}

// Custom looks a custom field up by id, code or name: lead fields first, then
// contact fields, then the custom array embedded in the raw webhook.
func Custom(ev *models.Event, key string) (any, bool) {
	if ev == nil || key == "" {
		return nil, false
	}
	if ev.Lead != nil {
		if v, ok := findCustom(ev.Lead.CustomFields, key); ok {
			return v, true
		}
	}
	for _, c := range ev.Contacts {
		if v, ok := findCustom(c.CustomFields, key); ok {
			return v, true
		}
	}
	return findCustom(ev.RawCustomFields(), key)
}

func findCustom(fields []models.CustomField, key string) (any, bool) {
	for _, f := range fields {
		if f.Matches(key) {
			if v, ok := f.First(); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Raw returns a raw webhook field, looking into an embedded contact object as
// LPTracker sends it.
func Raw(ev *models.Event, name string) (any, bool) {
	if ev == nil || ev.Raw == nil {
		return nil, false
	}
	if v, ok := ev.Raw[name]; ok && !models.IsEmpty(v) {
		return v, true
	}
	if contact, ok := ev.Raw["contact"].(map[string]any); ok {
		if v, ok := contact[name]; ok && !models.IsEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

// Extract resolves a source field name against an event. Standard names come
// from the enriched details, then lead custom fields, then raw fields. Numeric
// names are custom field ids. Anything else is matched against custom field
// codes and names before falling back to raw fields.
func Extract(ev *models.Event, name string) any {
	if ev == nil || name == "" {
		return nil
	}
	if IsStandard(name) {
		if v, ok := Standard(ev, name); ok {
			return v
		}
		if ev.Lead != nil {
			if v, ok := findCustom(ev.Lead.CustomFields, name); ok {
				return v
			}
		}
		v, _ := Raw(ev, name)
		return v
	}
	if v, ok := Custom(ev, name); ok {
		return v
	}
	if isNumeric(name) {
		return nil
	}
	v, _ := Raw(ev, name)
	return v
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
