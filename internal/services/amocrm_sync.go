package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/adapters/amocrm"
	"crmsync/internal/cache"
	"crmsync/internal/models"
	"crmsync/internal/secrets"
	"crmsync/internal/storage"
)

// AmoCRMOptions configures how tenant accounts are reached.
type AmoCRMOptions struct {
	Scheme  string
	Domain  string
	Timeout time.Duration
	// BaseURL overrides the https://{subdomain}.{domain} account URL.
	BaseURL func(subdomain string) string
}

// AmoCRMSyncService is the AmoCRM connector and enrichment reader.
type AmoCRMSyncService struct {
	store AmoCRMStore
	cache *cache.Service
	box   *secrets.Box
	opts  AmoCRMOptions
	now   func() time.Time

	fieldsMu sync.Mutex
}

// NewAmoCRMSyncService creates the connector. box may be nil, in which case
// stored API keys are used as-is.
func NewAmoCRMSyncService(store AmoCRMStore, c *cache.Service, box *secrets.Box, opts AmoCRMOptions) (*AmoCRMSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("AmoCRM store cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("cache service cannot be nil")
	}
	if opts.BaseURL == nil && opts.Domain == "" {
		return nil, fmt.Errorf("AmoCRM domain cannot be empty")
	}
	if box == nil {
		log.Warn().Msg("No encryption key configured, AmoCRM API keys are read as plain text")
	}
	return &AmoCRMSyncService{store: store, cache: c, box: box, opts: opts, now: time.Now}, nil
}

// client builds an API client for the tenant, decrypting the API key just
// before use.
func (s *AmoCRMSyncService) client(ctx context.Context, userID int64) (*amocrm.Client, error) {
	settings, err := s.store.GetAmoCRMSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("AmoCRM user %d: %w", userID, ErrNoTenantSettings)
		}
		return nil, fmt.Errorf("load AmoCRM settings for user %d: %w", userID, err)
	}
	if !settings.IsActive || settings.Subdomain == "" {
		return nil, fmt.Errorf("AmoCRM user %d: %w", userID, ErrNoTenantSettings)
	}

	apiKey := settings.APIKey
	if s.box != nil {
		if apiKey, err = s.box.Decrypt(settings.APIKey); err != nil {
			return nil, fmt.Errorf("decrypt AmoCRM API key for user %d: %w", userID, err)
		}
	}

	baseURL := amocrm.BaseURL(s.opts.Scheme, settings.Subdomain, s.opts.Domain)
	if s.opts.BaseURL != nil {
		baseURL = s.opts.BaseURL(settings.Subdomain)
	}
	return amocrm.NewClient(baseURL, apiKey, s.opts.Timeout)
}

// FetchEvent loads a lead and every linked contact.
func (s *AmoCRMSyncService) FetchEvent(ctx context.Context, userID int64, leadID string) (*models.LeadDetail, []models.ContactDetail, error) {
	c, err := s.client(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	lead, err := c.GetLead(ctx, leadID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch AmoCRM lead %s: %w", leadID, err)
	}
	detail := amoLeadDetail(lead)

	contacts := make([]models.ContactDetail, 0, len(detail.ContactIDs))
	for _, id := range detail.ContactIDs {
		contact, err := c.GetContact(ctx, id)
		if err != nil {
			log.Error().Err(err).Int64("userID", userID).Str("contactID", id).Msg("Failed to fetch AmoCRM contact")
			return nil, nil, fmt.Errorf("fetch AmoCRM contact %s: %w", id, err)
		}
		contacts = append(contacts, amoContactDetail(contact))
	}
	return detail, contacts, nil
}

// Sync writes mapped data into the tenant's AmoCRM account.
func (s *AmoCRMSyncService) Sync(ctx context.Context, userID int64, data *models.MappedData, searchBy models.SearchBy, routing models.Routing) (*models.SyncResult, error) {
	c, err := s.client(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := &models.SyncResult{}

	var contact *amocrm.Contact
	by, value := searchValue(data.Contact, searchBy)
	if value != "" {
		contact, err = c.FindContact(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("search AmoCRM contact by %s: %w", by, err)
		}
	}
	if contact != nil {
		log.Info().Int64("userID", userID).Int64("contactID", contact.ID).Str("searchBy", string(by)).Msg("Found existing AmoCRM contact")
	} else if hasContactData(data.Contact) {
		contact, err = c.CreateContact(ctx, amoContactPayload(data.Contact, value))
		if err != nil {
			return nil, fmt.Errorf("create AmoCRM contact: %w", err)
		}
		result.ContactCreated = true
	}

	payload := amoLeadPayload(data.Lead, routing)
	var leadID int64
	if contact != nil {
		result.ContactID = idString(contact.ID)
		if contact.Embedded != nil && len(contact.Embedded.Leads) > 0 {
			leadID = contact.Embedded.Leads[0].ID
		}
	}
	if leadID != 0 {
		if err := c.UpdateLead(ctx, leadID, payload); err != nil {
			return nil, fmt.Errorf("update AmoCRM lead %d: %w", leadID, err)
		}
	} else {
		if payload.Name == "" {
			payload.Name = contactName(data.Contact, "New lead")
		}
		if contact != nil {
			payload.Embedded = &amocrm.LeadEmbedded{Contacts: []amocrm.EntityRef{{ID: contact.ID}}}
		}
		lead, err := c.CreateLead(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("create AmoCRM lead: %w", err)
		}
		leadID = lead.ID
		result.LeadCreated = true
	}
	result.LeadID = idString(leadID)

	for _, note := range data.Notes {
		if err := c.AddNote(ctx, leadID, note); err != nil {
			log.Warn().Err(err).Int64("userID", userID).Int64("leadID", leadID).Msg("Failed to add AmoCRM note")
			continue
		}
		result.NotesCreated++
	}
	for _, task := range data.Tasks {
		if err := c.AddTask(ctx, leadID, task, s.now().Add(taskDue)); err != nil {
			log.Warn().Err(err).Int64("userID", userID).Int64("leadID", leadID).Msg("Failed to add AmoCRM task")
			continue
		}
		result.TasksCreated++
	}

	log.Info().
		Int64("userID", userID).
		Str("contactID", result.ContactID).
		Str("leadID", result.LeadID).
		Bool("contactCreated", result.ContactCreated).
		Bool("leadCreated", result.LeadCreated).
		Msg("AmoCRM sync complete")
	return result, nil
}

func amoContactPayload(contact map[string]any, fallbackName string) amocrm.ContactPayload {
	p := amocrm.ContactPayload{
		Name:      contactName(contact, fallbackName),
		FirstName: stringValue(contact, models.KeyFirstName),
		LastName:  stringValue(contact, models.KeyLastName),
	}
	if cf, ok := contact[models.KeyCustomFieldsValues].([]models.CustomFieldValue); ok {
		p.CustomFieldsValues = cf
	}
	return p
}

func amoLeadPayload(lead map[string]any, routing models.Routing) amocrm.LeadPayload {
	p := amocrm.LeadPayload{
		Name:  stringValue(lead, models.KeyName),
		Price: intPtr(lead, models.KeyPrice),
	}
	if cf, ok := lead[models.KeyCustomFieldsValues].([]models.CustomFieldValue); ok {
		p.CustomFieldsValues = cf
	}

	pipeline := routing.PipelineID
	if pipeline == "" {
		pipeline = stringValue(lead, "pipeline_id")
	}
	status := routing.StatusID
	if status == "" {
		status = stringValue(lead, "status_id")
	}
	if id, ok := parseID(pipeline); ok {
		p.PipelineID = id
	} else if pipeline != "" {
		log.Warn().Str("pipelineID", pipeline).Msg("Ignoring non-numeric AmoCRM pipeline id")
	}
	if id, ok := parseID(status); ok {
		p.StatusID = id
	} else if status != "" {
		log.Warn().Str("statusID", status).Msg("Ignoring non-numeric AmoCRM status id")
	}
	return p
}

func amoCustomFields(values []amocrm.CustomFieldValues) []models.CustomField {
	out := make([]models.CustomField, 0, len(values))
	for _, v := range values {
		f := models.CustomField{
			ID:   strconv.FormatInt(v.FieldID, 10),
			Code: v.FieldCode,
			Name: v.FieldName,
		}
		for _, fv := range v.Values {
			f.Values = append(f.Values, fv.Value)
		}
		out = append(out, f)
	}
	return out
}

func amoLeadDetail(lead *amocrm.Lead) *models.LeadDetail {
	d := &models.LeadDetail{
		ID:           idString(lead.ID),
		Name:         lead.Name,
		PipelineID:   idString(lead.PipelineID),
		StatusID:     idString(lead.StatusID),
		Price:        lead.Price,
		CustomFields: amoCustomFields(lead.CustomFieldsValues),
	}
	if lead.Embedded != nil {
		for _, c := range lead.Embedded.Contacts {
			d.ContactIDs = append(d.ContactIDs, idString(c.ID))
		}
	}
	return d
}

func amoContactDetail(c *amocrm.Contact) models.ContactDetail {
	d := models.ContactDetail{
		ID:           idString(c.ID),
		Name:         c.Name,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		CustomFields: amoCustomFields(c.CustomFieldsValues),
	}
	for _, f := range d.CustomFields {
		var dst *[]string
		switch strings.ToUpper(f.Code) {
		case "PHONE":
			dst = &d.Phones
		case "EMAIL":
			dst = &d.Emails
		default:
			continue
		}
		for _, v := range f.Values {
			if !models.IsEmpty(v) {
				*dst = append(*dst, strings.TrimSpace(fmt.Sprint(v)))
			}
		}
	}
	return d
}
