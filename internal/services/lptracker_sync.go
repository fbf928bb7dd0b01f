package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/cache"
	"crmsync/internal/models"
	"crmsync/internal/storage"
)

// taskPrefix marks comments that stand in for tasks; LPTracker has no task API.
const taskPrefix = "Task: "

// LPTrackerSyncService is the LPTracker connector and enrichment reader. A
// single API account serves every tenant; tenants are separated by project.
type LPTrackerSyncService struct {
	client *lptracker.Client
	store  LPTrackerStore
	cache  *cache.Service

	funnelMu sync.Mutex
}

func NewLPTrackerSyncService(client *lptracker.Client, store LPTrackerStore, c *cache.Service) (*LPTrackerSyncService, error) {
	if client == nil {
		return nil, fmt.Errorf("LPTracker client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("LPTracker store cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("cache service cannot be nil")
	}
	return &LPTrackerSyncService{client: client, store: store, cache: c}, nil
}

func (s *LPTrackerSyncService) projectID(ctx context.Context, userID int64, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	settings, err := s.store.GetLPTrackerSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("LPTracker user %d: %w", userID, ErrNoTenantSettings)
		}
		return "", fmt.Errorf("load LPTracker settings for user %d: %w", userID, err)
	}
	if !settings.IsActive || settings.ProjectID == "" {
		return "", fmt.Errorf("LPTracker user %d: %w", userID, ErrNoTenantSettings)
	}
	return settings.ProjectID, nil
}

// FetchEvent loads a lead and its contact.
func (s *LPTrackerSyncService) FetchEvent(ctx context.Context, userID int64, leadID string) (*models.LeadDetail, []models.ContactDetail, error) {
	lead, err := s.client.GetLead(ctx, leadID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch LPTracker lead %s: %w", leadID, err)
	}
	detail := lptLeadDetail(lead)
	if lead.ContactID == 0 {
		return detail, nil, nil
	}
	contact, err := s.client.GetContact(ctx, idString(lead.ContactID))
	if err != nil {
		log.Error().Err(err).Int64("userID", userID).Int64("contactID", lead.ContactID).Msg("Failed to fetch LPTracker contact")
		return nil, nil, fmt.Errorf("fetch LPTracker contact %d: %w", lead.ContactID, err)
	}
	return detail, []models.ContactDetail{lptContactDetail(contact)}, nil
}

// Sync writes mapped data into the tenant's LPTracker project.
func (s *LPTrackerSyncService) Sync(ctx context.Context, userID int64, data *models.MappedData, searchBy models.SearchBy, routing models.Routing) (*models.SyncResult, error) {
	projectID, err := s.projectID(ctx, userID, routing.ProjectID)
	if err != nil {
		return nil, err
	}
	result := &models.SyncResult{}

	var contact *lptracker.Contact
	by, value := searchValue(data.Contact, searchBy)
	if value != "" {
		contact, err = s.client.FindContact(ctx, projectID, string(by), value)
		if err != nil {
			return nil, fmt.Errorf("search LPTracker contact by %s: %w", by, err)
		}
	}

	var leadID int64
	if contact != nil {
		log.Info().Int64("userID", userID).Int64("contactID", contact.ID).Str("searchBy", string(by)).Msg("Found existing LPTracker contact")
		leads, err := s.client.ContactLeads(ctx, contact.ID)
		if err != nil {
			return nil, fmt.Errorf("list LPTracker leads of contact %d: %w", contact.ID, err)
		}
		if len(leads) > 0 {
			leadID = leads[0].ID
		}
	} else {
		contact, err = s.client.CreateContact(ctx, lptContactPayload(projectID, data.Contact, value))
		if err != nil {
			return nil, fmt.Errorf("create LPTracker contact: %w", err)
		}
		result.ContactCreated = true
	}
	result.ContactID = idString(contact.ID)

	payload := lptLeadPayload(data.Lead, routing)
	payload.StageID = s.routedStage(ctx, userID, projectID, payload.StageID)
	if leadID != 0 {
		if err := s.client.UpdateLead(ctx, leadID, payload); err != nil {
			return nil, fmt.Errorf("update LPTracker lead %d: %w", leadID, err)
		}
	} else {
		payload.ContactID = contact.ID
		if payload.Name == "" {
			payload.Name = contactName(data.Contact, "New lead")
		}
		lead, err := s.client.CreateLead(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("create LPTracker lead: %w", err)
		}
		leadID = lead.ID
		result.LeadCreated = true
	}
	result.LeadID = idString(leadID)

	for _, note := range data.Notes {
		if err := s.client.AddComment(ctx, leadID, note); err != nil {
			log.Warn().Err(err).Int64("userID", userID).Int64("leadID", leadID).Msg("Failed to add LPTracker comment")
			continue
		}
		result.NotesCreated++
	}
	for _, task := range data.Tasks {
		if err := s.client.AddComment(ctx, leadID, taskPrefix+task); err != nil {
			log.Warn().Err(err).Int64("userID", userID).Int64("leadID", leadID).Msg("Failed to add LPTracker task comment")
			continue
		}
		result.TasksCreated++
	}

	log.Info().
		Int64("userID", userID).
		Str("projectID", projectID).
		Str("contactID", result.ContactID).
		Str("leadID", result.LeadID).
		Bool("contactCreated", result.ContactCreated).
		Bool("leadCreated", result.LeadCreated).
		Msg("LPTracker sync complete")
	return result, nil
}

func lptContactPayload(projectID string, contact map[string]any, fallbackName string) lptracker.ContactPayload {
	p := lptracker.ContactPayload{
		ProjectID: projectID,
		Name:      contactName(contact, fallbackName),
		FirstName: stringValue(contact, models.KeyFirstName),
		LastName:  stringValue(contact, models.KeyLastName),
	}
	if phone := stringValue(contact, models.KeyPhone); phone != "" {
		p.Details = append(p.Details, lptracker.Detail{Type: "phone", Data: phone})
	}
	if email := stringValue(contact, models.KeyEmail); email != "" {
		p.Details = append(p.Details, lptracker.Detail{Type: "email", Data: email})
	}
	if custom, ok := contact[models.KeyCustom].(map[string]any); ok && len(custom) > 0 {
		p.Custom = custom
	}
	return p
}

func lptLeadPayload(lead map[string]any, routing models.Routing) lptracker.LeadPayload {
	p := lptracker.LeadPayload{
		Name:    stringValue(lead, models.KeyName),
		StageID: routing.StageID,
		Price:   intPtr(lead, models.KeyPrice),
	}
	if p.StageID == "" {
		p.StageID = stringValue(lead, "stage")
	}
	if custom, ok := lead[models.KeyCustom].(map[string]any); ok && len(custom) > 0 {
		p.Custom = custom
	}
	return p
}

func lptCustomFields(values []lptracker.CustomValue) []models.CustomField {
	out := make([]models.CustomField, 0, len(values))
	for _, v := range values {
		out = append(out, models.CustomField{
			ID:     idString(v.ID),
			Name:   v.Name,
			Values: []any{v.Value},
		})
	}
	return out
}

func lptLeadDetail(lead *lptracker.Lead) *models.LeadDetail {
	d := &models.LeadDetail{
		ID:           idString(lead.ID),
		Name:         lead.Name,
		PipelineID:   idString(lead.ProjectID),
		StatusID:     idString(lead.StageID),
		Price:        lead.Price,
		CustomFields: lptCustomFields(lead.Custom),
	}
	if lead.ContactID != 0 {
		d.ContactIDs = []string{idString(lead.ContactID)}
	}
	return d
}

func lptContactDetail(c *lptracker.Contact) models.ContactDetail {
	d := models.ContactDetail{
		ID:           idString(c.ID),
		Name:         strings.TrimSpace(c.Name),
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Phones:       c.Values("phone"),
		Emails:       c.Values("email"),
		CustomFields: lptCustomFields(c.Custom),
	}
	return d
}
