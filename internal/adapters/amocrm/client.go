// Package amocrm is a thin resty client for the parts of the AmoCRM v4 API the
// sync engine needs.
package amocrm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"crmsync/pkg/httputil"
)

// APIError is returned when AmoCRM answers with a non-2xx status.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("AmoCRM API %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to a single tenant account.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a client for https://{subdomain}.{domain} authenticated with
// a long-lived API key.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("AmoCRM baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("AmoCRM apiKey cannot be empty")
	}
	client := httputil.NewRestyClient(baseURL, timeout).SetAuthToken(apiKey)
	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// BaseURL builds the account URL from a subdomain.
func BaseURL(scheme, subdomain, domain string) string {
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, strings.ToLower(subdomain), domain)
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		log.Error().Err(err).Str("baseURL", c.baseURL).Str("op", op).Msg("AmoCRM API: request failed")
		return fmt.Errorf("AmoCRM API %s request failed: %w", op, err)
	}
	if resp.IsError() {
		log.Error().Str("baseURL", c.baseURL).Str("op", op).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("AmoCRM API: returned an error")
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// GetLead fetches a lead together with its linked contact ids.
func (c *Client) GetLead(ctx context.Context, id string) (*Lead, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("with", "contacts").
		SetResult(&Lead{}).
		Get("/api/v4/leads/" + id)
	if err := c.check("GetLead", resp, err); err != nil {
		return nil, err
	}
	return resp.Result().(*Lead), nil
}

func (c *Client) GetContact(ctx context.Context, id string) (*Contact, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&Contact{}).
		Get("/api/v4/contacts/" + id)
	if err := c.check("GetContact", resp, err); err != nil {
		return nil, err
	}
	return resp.Result().(*Contact), nil
}

// FindContact searches contacts by a free-text query (phone, email or name) and
// returns the first hit with its linked leads. A nil contact means no match.
func (c *Client) FindContact(ctx context.Context, query string) (*Contact, error) {
	var result contactsResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"query": query, "with": "leads"}).
		SetResult(&result).
		Get("/api/v4/contacts")
	if err := c.check("FindContact", resp, err); err != nil {
		return nil, err
	}
	// AmoCRM answers 204 with an empty body when nothing matches.
	if resp.StatusCode() == http.StatusNoContent || len(result.Embedded.Contacts) == 0 {
		log.Debug().Str("query", query).Msg("No AmoCRM contact found")
		return nil, nil
	}
	for _, contact := range result.Embedded.Contacts {
		if strings.EqualFold(contact.Name, query) {
			return &contact, nil
		}
	}
	return &result.Embedded.Contacts[0], nil
}

func (c *Client) CreateContact(ctx context.Context, payload ContactPayload) (*Contact, error) {
	var result contactsResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody([]ContactPayload{payload}).
		SetResult(&result).
		Post("/api/v4/contacts")
	if err := c.check("CreateContact", resp, err); err != nil {
		return nil, err
	}
	if len(result.Embedded.Contacts) == 0 {
		return nil, fmt.Errorf("AmoCRM API CreateContact: empty response")
	}
	contact := result.Embedded.Contacts[0]
	log.Info().Int64("contactID", contact.ID).Msg("Successfully created AmoCRM contact")
	return &contact, nil
}

// CreateLead creates a lead. Link it to a contact through payload.Embedded.
func (c *Client) CreateLead(ctx context.Context, payload LeadPayload) (*Lead, error) {
	var result leadsResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody([]LeadPayload{payload}).
		SetResult(&result).
		Post("/api/v4/leads")
	if err := c.check("CreateLead", resp, err); err != nil {
		return nil, err
	}
	if len(result.Embedded.Leads) == 0 {
		return nil, fmt.Errorf("AmoCRM API CreateLead: empty response")
	}
	lead := result.Embedded.Leads[0]
	log.Info().Int64("leadID", lead.ID).Msg("Successfully created AmoCRM lead")
	return &lead, nil
}

func (c *Client) UpdateLead(ctx context.Context, id int64, payload LeadPayload) error {
	payload.Embedded = nil
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Patch("/api/v4/leads/" + strconv.FormatInt(id, 10))
	if err := c.check("UpdateLead", resp, err); err != nil {
		return err
	}
	log.Info().Int64("leadID", id).Msg("Successfully updated AmoCRM lead")
	return nil
}

// AddNote attaches a common text note to a lead.
func (c *Client) AddNote(ctx context.Context, leadID int64, text string) error {
	body := []notePayload{{NoteType: "common", Params: noteParams{Text: text}}}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/api/v4/leads/%d/notes", leadID))
	return c.check("AddNote", resp, err)
}

// AddTask creates a task on a lead due at completeTill.
func (c *Client) AddTask(ctx context.Context, leadID int64, text string, completeTill time.Time) error {
	body := []taskPayload{{
		Text:         text,
		CompleteTill: completeTill.Unix(),
		EntityID:     leadID,
		EntityType:   "leads",
	}}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/v4/tasks")
	return c.check("AddTask", resp, err)
}

// ContactFields lists the account's contact field definitions.
func (c *Client) ContactFields(ctx context.Context) ([]CustomField, error) {
	var result customFieldsResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("limit", "250").
		SetResult(&result).
		Get("/api/v4/contacts/custom_fields")
	if err := c.check("ContactFields", resp, err); err != nil {
		return nil, err
	}
	return result.Embedded.CustomFields, nil
}
