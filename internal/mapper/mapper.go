// Package mapper translates source event fields into the contact, lead, note
// and task payloads a target CRM connector writes.
package mapper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"crmsync/internal/models"
)

// FieldCatalog resolves AmoCRM contact field codes to tenant field ids.
type FieldCatalog interface {
	ContactFieldID(ctx context.Context, userID int64, code string) (int, bool)
}

// legacyContactFields are the bare-string mappings older rules may carry.
var legacyContactFields = map[string]bool{
	models.KeyName:      true,
	models.KeyFirstName: true,
	models.KeyLastName:  true,
	models.KeyPhone:     true,
	models.KeyEmail:     true,
}

type Mapper struct {
	catalog FieldCatalog
}

// New creates a mapper. catalog may be nil; AmoCRM phone and email then fall
// back to the PHONE/EMAIL field codes.
func New(catalog FieldCatalog) *Mapper {
	return &Mapper{catalog: catalog}
}

// Map builds the target payload. Empty source values are skipped, so a key is
// never present with an empty value.
func (m *Mapper) Map(ctx context.Context, userID int64, mappings map[string]models.FieldMapping, ev *models.Event, target models.Provider) (*models.MappedData, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown target provider %q", target)
	}
	out := models.NewMappedData()

	// Stable order keeps notes, tasks and custom field lists deterministic.
	sources := make([]string, 0, len(mappings))
	for source := range mappings {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		mapping, ok := normalize(source, mappings[source])
		if !ok {
			continue
		}
		value := Extract(ev, source)
		if models.IsEmpty(value) {
			continue
		}

		switch mapping.Entity {
		case models.EntityNote:
			out.Notes = append(out.Notes, valueString(value))
		case models.EntityTask:
			out.Tasks = append(out.Tasks, valueString(value))
		case models.EntityLead:
			m.mapLead(out.Lead, mapping, value, target)
		default:
			m.mapContact(ctx, userID, out.Contact, mapping, value, target)
		}
	}
	return out, nil
}

func normalize(source string, mapping models.FieldMapping) (models.FieldMapping, bool) {
	if mapping.Legacy {
		field := strings.TrimSpace(mapping.Field)
		if !legacyContactFields[field] {
			log.Warn().Str("source", source).Str("target", field).Msg("Skipping legacy field mapping without entity information")
			return mapping, false
		}
		return models.FieldMapping{Entity: models.EntityContact, Field: field, Type: models.FieldTypeStandard}, true
	}
	mapping.Field = strings.TrimSpace(mapping.Field)
	if mapping.Entity == "" {
		mapping.Entity = models.EntityContact
	}
	if mapping.Type == "" {
		mapping.Type = models.FieldTypeStandard
	}
	if mapping.Field == "" && mapping.Entity != models.EntityNote && mapping.Entity != models.EntityTask {
		log.Warn().Str("source", source).Msg("Skipping field mapping without a target field")
		return mapping, false
	}
	return mapping, true
}

func (m *Mapper) mapContact(ctx context.Context, userID int64, contact map[string]any, mapping models.FieldMapping, value any, target models.Provider) {
	if mapping.Type == models.FieldTypeCustom {
		setCustom(contact, mapping.Field, value, target)
		return
	}
	switch mapping.Field {
	case models.KeyPhone, models.KeyEmail:
		contact[mapping.Field] = valueString(value)
		if target == models.ProviderAmoCRM {
			appendAmoValue(contact, m.multiField(ctx, userID, mapping.Field, value))
		}
	default:
		contact[mapping.Field] = value
	}
}

func (m *Mapper) mapLead(lead map[string]any, mapping models.FieldMapping, value any, target models.Provider) {
	if mapping.Type == models.FieldTypeCustom {
		setCustom(lead, mapping.Field, value, target)
		return
	}
	switch mapping.Field {
	case models.KeyName, "deal_name", "lead_name":
		lead[models.KeyName] = valueString(value)
	case models.KeyPrice:
		price, err := models.DecimalInt(value)
		if err != nil {
			log.Warn().Interface("value", value).Msg("Skipping non-numeric price")
			return
		}
		lead[models.KeyPrice] = price
	default:
		lead[mapping.Field] = value
	}
}

// multiField builds the AmoCRM PHONE/EMAIL custom field entry.
func (m *Mapper) multiField(ctx context.Context, userID int64, field string, value any) models.CustomFieldValue {
	code := strings.ToUpper(field)
	cf := models.CustomFieldValue{
		Values: []models.FieldValue{{Value: valueString(value), EnumCode: "WORK"}},
	}
	if m.catalog != nil {
		if id, ok := m.catalog.ContactFieldID(ctx, userID, code); ok {
			cf.FieldID = id
			return cf
		}
	}
	cf.FieldCode = code
	return cf
}

func setCustom(dst map[string]any, field string, value any, target models.Provider) {
	if target == models.ProviderAmoCRM {
		id, err := strconv.Atoi(field)
		if err != nil || id <= 0 {
			log.Warn().Str("field", field).Msg("Skipping AmoCRM custom field with non-numeric id")
			return
		}
		appendAmoValue(dst, models.CustomFieldValue{FieldID: id, Values: []models.FieldValue{{Value: value}}})
		return
	}
	custom, _ := dst[models.KeyCustom].(map[string]any)
	if custom == nil {
		custom = map[string]any{}
		dst[models.KeyCustom] = custom
	}
	custom[field] = value
}

func appendAmoValue(dst map[string]any, cf models.CustomFieldValue) {
	list, _ := dst[models.KeyCustomFieldsValues].([]models.CustomFieldValue)
	dst[models.KeyCustomFieldsValues] = append(list, cf)
}

func valueString(v any) string {
	if list, ok := v.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if !models.IsEmpty(item) {
				parts = append(parts, cast.ToString(item))
			}
		}
		return strings.Join(parts, ", ")
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strings.TrimSpace(cast.ToString(v))
}
