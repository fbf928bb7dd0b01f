package amocrm

import "crmsync/internal/models"

// Lead is an AmoCRM deal as returned by /api/v4/leads.
type Lead struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	Price              *float64            `json:"price"`
	PipelineID         int64               `json:"pipeline_id"`
	StatusID           int64               `json:"status_id"`
	CustomFieldsValues []CustomFieldValues `json:"custom_fields_values"`
	Embedded           *LeadEmbedded       `json:"_embedded,omitempty"`
}

type LeadEmbedded struct {
	Contacts []EntityRef `json:"contacts,omitempty"`
}

// EntityRef links one entity to another inside _embedded.
type EntityRef struct {
	ID int64 `json:"id"`
}

// Contact is an AmoCRM contact. Leads are only present when requested with=leads.
type Contact struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	FirstName          string              `json:"first_name"`
	LastName           string              `json:"last_name"`
	CustomFieldsValues []CustomFieldValues `json:"custom_fields_values"`
	Embedded           *ContactEmbedded    `json:"_embedded,omitempty"`
}

type ContactEmbedded struct {
	Leads []EntityRef `json:"leads,omitempty"`
}

// CustomFieldValues is the read shape of a custom field on a lead or contact.
type CustomFieldValues struct {
	FieldID   int64               `json:"field_id"`
	FieldName string              `json:"field_name"`
	FieldCode string              `json:"field_code"`
	Values    []models.FieldValue `json:"values"`
}

// CustomField describes a tenant's field definition (/contacts/custom_fields).
type CustomField struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
}

type contactsResponse struct {
	Embedded struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}

type leadsResponse struct {
	Embedded struct {
		Leads []Lead `json:"leads"`
	} `json:"_embedded"`
}

type customFieldsResponse struct {
	Embedded struct {
		CustomFields []CustomField `json:"custom_fields"`
	} `json:"_embedded"`
}

// ContactPayload creates a contact.
type ContactPayload struct {
	Name               string                    `json:"name,omitempty"`
	FirstName          string                    `json:"first_name,omitempty"`
	LastName           string                    `json:"last_name,omitempty"`
	CustomFieldsValues []models.CustomFieldValue `json:"custom_fields_values,omitempty"`
}

// LeadPayload creates or updates a lead. Embedded is only honoured on create.
type LeadPayload struct {
	Name               string                    `json:"name,omitempty"`
	Price              *int                      `json:"price,omitempty"`
	PipelineID         int64                     `json:"pipeline_id,omitempty"`
	StatusID           int64                     `json:"status_id,omitempty"`
	CustomFieldsValues []models.CustomFieldValue `json:"custom_fields_values,omitempty"`
	Embedded           *LeadEmbedded             `json:"_embedded,omitempty"`
}

type notePayload struct {
	NoteType string     `json:"note_type"`
	Params   noteParams `json:"params"`
}

type noteParams struct {
	Text string `json:"text"`
}

type taskPayload struct {
	Text         string `json:"text"`
	CompleteTill int64  `json:"complete_till"`
	EntityID     int64  `json:"entity_id"`
	EntityType   string `json:"entity_type"`
}
