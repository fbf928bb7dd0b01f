package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies one of the two CRM platforms the engine talks to.
type Provider string

const (
	ProviderAmoCRM    Provider = "amocrm"
	ProviderLPTracker Provider = "lptracker"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderAmoCRM || p == ProviderLPTracker
}

type ConditionType string

const (
	ConditionPipeline      ConditionType = "pipeline"
	ConditionStatus        ConditionType = "status"
	ConditionFieldEquals   ConditionType = "field_equals"
	ConditionFieldContains ConditionType = "field_contains"
	ConditionFieldNotEmpty ConditionType = "field_not_empty"
	ConditionExpression    ConditionType = "expression"
)

const (
	OperatorAND = "AND"
	OperatorOR  = "OR"
)

type ActionType string

const (
	ActionSyncToAmoCRM    ActionType = "sync_to_amocrm"
	ActionSyncToLPTracker ActionType = "sync_to_lptracker"
)

// Target returns the provider an action writes to.
func (t ActionType) Target() (Provider, bool) {
	switch t {
	case ActionSyncToAmoCRM:
		return ProviderAmoCRM, true
	case ActionSyncToLPTracker:
		return ProviderLPTracker, true
	}
	return "", false
}

// SearchBy names the contact attribute used to find an existing contact.
type SearchBy string

const (
	SearchByPhone SearchBy = "phone"
	SearchByEmail SearchBy = "email"
	SearchByName  SearchBy = "name"
)

// SyncRule is a user-defined "if conditions then actions" rule. Rules are edited
// elsewhere; the engine only reads them.
type SyncRule struct {
	ID             int64          `json:"id" db:"id"`
	UserID         int64          `json:"userId" db:"user_id"`
	Name           string         `json:"name" db:"name"`
	WebhookSource  Provider       `json:"webhookSource" db:"webhook_source"`
	Conditions     ConditionGroup `json:"conditions" db:"conditions"`
	Actions        ActionList     `json:"actions" db:"actions"`
	IsActive       bool           `json:"isActive" db:"is_active"`
	ExecutionCount int64          `json:"executionCount" db:"execution_count"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
}

// ConditionGroup combines every leaf with a single operator.
type ConditionGroup struct {
	Operator string      `json:"operator"`
	Rules    []Condition `json:"rules"`
}

// Condition is a type-tagged leaf. Field is only used by the field_* kinds.
type Condition struct {
	Type  ConditionType `json:"type"`
	Field string        `json:"field,omitempty"`
	Value any           `json:"value,omitempty"`
}

type ActionList struct {
	List []Action `json:"list"`
}

// Action describes one sync to a target CRM. Pipeline/status apply to AmoCRM,
// stage/project to LPTracker.
type Action struct {
	Type          ActionType              `json:"type"`
	SearchBy      SearchBy                `json:"searchBy,omitempty"`
	FieldMappings map[string]FieldMapping `json:"fieldMappings,omitempty"`
	PipelineID    FlexID                  `json:"pipelineId,omitempty"`
	StatusID      FlexID                  `json:"statusId,omitempty"`
	StageID       FlexID                  `json:"stageId,omitempty"`
	ProjectID     FlexID                  `json:"projectId,omitempty"`
}

// Routing extracts the provider routing overrides of an action.
func (a Action) Routing() Routing {
	return Routing{
		PipelineID: string(a.PipelineID),
		StatusID:   string(a.StatusID),
		StageID:    string(a.StageID),
		ProjectID:  string(a.ProjectID),
	}
}

// Routing carries optional target placement for a synced lead.
type Routing struct {
	PipelineID string
	StatusID   string
	StageID    string
	ProjectID  string
}

const (
	EntityContact = "contact"
	EntityLead    = "lead"
	EntityNote    = "note"
	EntityTask    = "task"

	FieldTypeStandard = "standard"
	FieldTypeCustom   = "custom"
)

// FieldMapping routes one source value into a target entity field. Older rules
// store a bare target field string instead of an object; those are flagged Legacy.
type FieldMapping struct {
	Entity string `json:"entity"`
	Field  string `json:"field"`
	Type   string `json:"type"`
	Legacy bool   `json:"-"`
}

func (m *FieldMapping) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		*m = FieldMapping{Field: legacy, Legacy: true}
		return nil
	}
	type plain FieldMapping
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("field mapping: %w", err)
	}
	*m = FieldMapping(p)
	return nil
}

func (m FieldMapping) MarshalJSON() ([]byte, error) {
	if m.Legacy {
		return json.Marshal(m.Field)
	}
	type plain FieldMapping
	return json.Marshal(plain(m))
}

// FlexID accepts ids stored either as JSON strings or numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Scan/Value let sqlx read and write the JSON columns directly.

func (g *ConditionGroup) Scan(src any) error { return scanJSON(src, g) }

func (g ConditionGroup) Value() (driver.Value, error) { return valueJSON(g) }

func (l *ActionList) Scan(src any) error { return scanJSON(src, l) }

func (l ActionList) Value() (driver.Value, error) { return valueJSON(l) }

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func valueJSON(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
