// Package lptracker is a resty client for the LPTracker REST API. Every call is
// authenticated with a shared token obtained from /login.
package lptracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"crmsync/pkg/httputil"
)

const apiVersion = "1.0"

// APIError is returned for non-2xx answers and for {"status":"error"} bodies.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LPTracker API %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// TokenSource hands out the shared API token. Invalidate is called when the
// API rejects it so the next Token call logs in again.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type Client struct {
	httpClient *resty.Client
	tokens     TokenSource
}

// NewClient creates a client. tokens may be nil when only Login is used.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("LPTracker baseURL cannot be empty")
	}
	return &Client{
		httpClient: httputil.NewRestyClient(baseURL, timeout),
		tokens:     tokens,
	}, nil
}

// SetTokenSource attaches the token source after construction; the source
// usually needs this client to log in.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Login exchanges the account credentials for an API token.
func (c *Client) Login(ctx context.Context, login, password, service string) (string, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(loginRequest{Login: login, Password: password, Service: service, Version: apiVersion}).
		Post("/login")
	var result loginResult
	if err := decode("Login", resp, err, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("LPTracker API Login: empty token")
	}
	log.Info().Msg("Obtained LPTracker API token")
	return result.Token, nil
}

// call runs an authenticated request and retries once with a fresh token when
// the current one is rejected.
func (c *Client) call(ctx context.Context, op, method, path string, body any, out any) error {
	if c.tokens == nil {
		return fmt.Errorf("LPTracker API %s: no token source configured", op)
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var token string
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("LPTracker API %s: obtain token: %w", op, err)
		}
		req := c.httpClient.R().SetContext(ctx).SetHeader("token", token)
		if body != nil {
			req.SetBody(body)
		}
		resp, reqErr := req.Execute(method, path)
		err = decode(op, resp, reqErr, out)
		if !IsUnauthorized(err) {
			return err
		}
		log.Warn().Str("op", op).Msg("LPTracker token rejected, refreshing")
		c.tokens.Invalidate()
	}
	return err
}

func decode(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("LPTracker API: request failed")
		return fmt.Errorf("LPTracker API %s request failed: %w", op, err)
	}
	if resp.IsError() {
		log.Error().Str("op", op).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("LPTracker API: returned an error")
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("LPTracker API %s: decode response: %w", op, err)
	}
	if env.Status != "success" {
		log.Error().Str("op", op).Str("responseBody", resp.String()).Msg("LPTracker API: returned an error status")
		return &APIError{Op: op, StatusCode: errorCode(env.Errors, resp.StatusCode()), Body: resp.String()}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("LPTracker API %s: decode result: %w", op, err)
	}
	return nil
}

// errorCode lifts an HTTP-like code out of an error body; LPTracker reports an
// expired token with a 200 status and code 401.
func errorCode(msgs []apiMessage, fallback int) int {
	for _, m := range msgs {
		switch v := m.Code.(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return fallback
}

func (c *Client) GetLead(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	if err := c.call(ctx, "GetLead", http.MethodGet, "/lead/"+id, nil, &lead); err != nil {
		return nil, err
	}
	return &lead, nil
}

func (c *Client) GetContact(ctx context.Context, id string) (*Contact, error) {
	var contact Contact
	if err := c.call(ctx, "GetContact", http.MethodGet, "/contact/"+id, nil, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}

// FindContact looks a contact up inside a project by phone, email or name.
// A nil contact means no match.
func (c *Client) FindContact(ctx context.Context, projectID, by, value string) (*Contact, error) {
	query := url.Values{"project_id": {projectID}, by: {value}}
	var contacts []Contact
	if err := c.call(ctx, "FindContact", http.MethodGet, "/contact/search?"+query.Encode(), nil, &contacts); err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		log.Debug().Str("projectID", projectID).Str("by", by).Msg("No LPTracker contact found")
		return nil, nil
	}
	return &contacts[0], nil
}

// ContactLeads lists the leads attached to a contact.
func (c *Client) ContactLeads(ctx context.Context, contactID int64) ([]Lead, error) {
	var leads []Lead
	if err := c.call(ctx, "ContactLeads", http.MethodGet, fmt.Sprintf("/contact/%d/leads", contactID), nil, &leads); err != nil {
		return nil, err
	}
	return leads, nil
}

func (c *Client) CreateContact(ctx context.Context, payload ContactPayload) (*Contact, error) {
	var contact Contact
	if err := c.call(ctx, "CreateContact", http.MethodPost, "/contact", payload, &contact); err != nil {
		return nil, err
	}
	log.Info().Int64("contactID", contact.ID).Msg("Successfully created LPTracker contact")
	return &contact, nil
}

func (c *Client) CreateLead(ctx context.Context, payload LeadPayload) (*Lead, error) {
	var lead Lead
	if err := c.call(ctx, "CreateLead", http.MethodPost, "/lead", payload, &lead); err != nil {
		return nil, err
	}
	log.Info().Int64("leadID", lead.ID).Msg("Successfully created LPTracker lead")
	return &lead, nil
}

func (c *Client) UpdateLead(ctx context.Context, id int64, payload LeadPayload) error {
	payload.ContactID = 0
	if err := c.call(ctx, "UpdateLead", http.MethodPut, fmt.Sprintf("/lead/%d", id), payload, nil); err != nil {
		return err
	}
	log.Info().Int64("leadID", id).Msg("Successfully updated LPTracker lead")
	return nil
}

// AddComment posts a comment on a lead.
func (c *Client) AddComment(ctx context.Context, leadID int64, text string) error {
	return c.call(ctx, "AddComment", http.MethodPost, fmt.Sprintf("/lead/%d/comment", leadID), commentPayload{Text: text}, nil)
}

// Funnel lists the stages of a project's sales funnel.
func (c *Client) Funnel(ctx context.Context, projectID string) ([]Stage, error) {
	var stages []Stage
	if err := c.call(ctx, "Funnel", http.MethodGet, "/project/"+url.PathEscape(projectID)+"/funnel", nil, &stages); err != nil {
		return nil, err
	}
	return stages, nil
}
