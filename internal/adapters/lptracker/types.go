package lptracker

import "encoding/json"

// envelope wraps every LPTracker response: {"status":"success","result":...}.
type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Errors []apiMessage    `json:"errors,omitempty"`
}

type apiMessage struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Service  string `json:"service"`
	Version  string `json:"version"`
}

type loginResult struct {
	Token string `json:"token"`
}

// CustomValue is a custom field value on a lead or contact.
type CustomValue struct {
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value"`
}

// Detail is a contact channel: type is "phone" or "email".
type Detail struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type Lead struct {
	ID        int64         `json:"id"`
	ContactID int64         `json:"contact_id"`
	ProjectID int64         `json:"project_id"`
	Name      string        `json:"name"`
	StageID   int64         `json:"funnel"`
	Price     *float64      `json:"price"`
	Custom    []CustomValue `json:"custom"`
}

type Contact struct {
	ID        int64         `json:"id"`
	ProjectID int64         `json:"project_id"`
	Name      string        `json:"name"`
	FirstName string        `json:"first_name"`
	LastName  string        `json:"last_name"`
	Details   []Detail      `json:"details"`
	Custom    []CustomValue `json:"custom"`
}

// Values returns every detail value of the given type.
func (c *Contact) Values(typ string) []string {
	var out []string
	for _, d := range c.Details {
		if d.Type == typ && d.Data != "" {
			out = append(out, d.Data)
		}
	}
	return out
}

// ContactPayload creates a contact inside a project.
type ContactPayload struct {
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name,omitempty"`
	FirstName string         `json:"first_name,omitempty"`
	LastName  string         `json:"last_name,omitempty"`
	Details   []Detail       `json:"details,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// LeadPayload creates or updates a lead. ContactID is required on create.
type LeadPayload struct {
	ContactID int64          `json:"contact_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	StageID   string         `json:"funnel,omitempty"`
	Price     *int           `json:"price,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// Stage is one step of a project funnel.
type Stage struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type commentPayload struct {
	Text string `json:"text"`
}
