package models

// Keys used in the mapped contact/lead dictionaries.
const (
	KeyName               = "name"
	KeyFirstName          = "first_name"
	KeyLastName           = "last_name"
	KeyPhone              = "phone"
	KeyEmail              = "email"
	KeyPrice              = "price"
	KeyCustomFieldsValues = "custom_fields_values"
	KeyCustom             = "custom"
)

// FieldValue and CustomFieldValue are AmoCRM's custom field write shape.
type FieldValue struct {
	Value    any    `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

type CustomFieldValue struct {
	FieldID   int          `json:"field_id,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []FieldValue `json:"values"`
}

// MappedData is the Field Mapper output handed to a connector.
//
// Contact and Lead hold flat standard attributes plus the provider-shaped custom
// collection: KeyCustomFieldsValues ([]CustomFieldValue) for AmoCRM, KeyCustom
// (map[string]any) for LPTracker.
type MappedData struct {
	Contact map[string]any `json:"contact"`
	Lead    map[string]any `json:"lead"`
	Notes   []string       `json:"notes,omitempty"`
	Tasks   []string       `json:"tasks,omitempty"`
}

func NewMappedData() *MappedData {
	return &MappedData{
		Contact: map[string]any{},
		Lead:    map[string]any{},
	}
}

// SyncResult reports what a connector resolved or created.
type SyncResult struct {
	ContactID      string `json:"contactId"`
	LeadID         string `json:"leadId"`
	ContactCreated bool   `json:"contactCreated"`
	LeadCreated    bool   `json:"leadCreated"`
	NotesCreated   int    `json:"notesCreated"`
	TasksCreated   int    `json:"tasksCreated"`
}
