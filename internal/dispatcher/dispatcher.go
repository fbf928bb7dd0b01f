// Package dispatcher turns inbound CRM webhooks into rule executions: it
// normalizes the payload, resolves the tenant, enriches the event, evaluates
// the tenant's rules and runs matching actions through the connectors.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"crmsync/internal/cache"
	"crmsync/internal/lock"
	"crmsync/internal/models"
	"crmsync/internal/services"
	"crmsync/internal/storage"
	"crmsync/internal/systemlog"
)

type Store interface {
	GetSyncRules(ctx context.Context, userID int64) ([]models.SyncRule, error)
	IncrementRuleExecution(ctx context.Context, ruleID int64) error
	FindUserByAmoCRMSubdomain(ctx context.Context, subdomain string) (int64, error)
	FindUserByLPTrackerProject(ctx context.Context, projectID string) (int64, error)
	CheckWebhookProcessed(ctx context.Context, key models.ProcessedKey) (bool, error)
	MarkWebhookProcessed(ctx context.Context, key models.ProcessedKey) error
}

// Enricher reads the full lead and its contacts from the source CRM.
type Enricher interface {
	FetchEvent(ctx context.Context, userID int64, leadID string) (*models.LeadDetail, []models.ContactDetail, error)
}

// Connector writes mapped data into a target CRM.
type Connector interface {
	Sync(ctx context.Context, userID int64, data *models.MappedData, searchBy models.SearchBy, routing models.Routing) (*models.SyncResult, error)
}

type Mapper interface {
	Map(ctx context.Context, userID int64, mappings map[string]models.FieldMapping, ev *models.Event, target models.Provider) (*models.MappedData, error)
}

type Evaluator interface {
	Matches(group models.ConditionGroup, ev *models.Event) bool
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store      Store
	Cache      *cache.Service
	Enrichers  map[models.Provider]Enricher
	Connectors map[models.ActionType]Connector
	Mapper     Mapper
	Evaluator  Evaluator
	Locker     lock.Locker
	Logs       *systemlog.Sink
}

type Dispatcher struct {
	Deps
}

func New(deps Deps) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("dispatcher store cannot be nil")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("dispatcher cache cannot be nil")
	}
	if deps.Mapper == nil || deps.Evaluator == nil {
		return nil, fmt.Errorf("dispatcher mapper and evaluator are required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logs == nil {
		deps.Logs = systemlog.New(nil)
	}
	return &Dispatcher{Deps: deps}, nil
}

// HandleAmoCRMWebhook processes an AmoCRM webhook and never fails.
func (d *Dispatcher) HandleAmoCRMWebhook(ctx context.Context, payload string) {
	if err := d.Dispatch(ctx, models.ProviderAmoCRM, payload); err != nil {
		log.Error().Err(err).Msg("AmoCRM webhook processing failed")
	}
}

// HandleLPTrackerWebhook processes an LPTracker webhook and never fails.
func (d *Dispatcher) HandleLPTrackerWebhook(ctx context.Context, payload string) {
	if err := d.Dispatch(ctx, models.ProviderLPTracker, payload); err != nil {
		log.Error().Err(err).Msg("LPTracker webhook processing failed")
	}
}

// Dispatch processes one webhook body. The returned error is non-nil only for
// transient failures worth retrying; malformed payloads, unknown tenants and
// permanent action failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, provider models.Provider, payload string) error {
	envelopes, err := Normalize(provider, payload)
	if err != nil {
		log.Warn().Err(err).Str("provider", string(provider)).Msg("Dropping malformed webhook")
		return nil
	}
	if len(envelopes) == 0 {
		log.Debug().Str("provider", string(provider)).Msg("Webhook carried no lead events")
		return nil
	}

	var errs []error
	for _, env := range envelopes {
		if err := d.processEnvelope(ctx, provider, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) resolveTenant(ctx context.Context, provider models.Provider, hint string) (int64, error) {
	if hint == "" {
		return 0, storage.ErrNotFound
	}
	if provider == models.ProviderAmoCRM {
		return d.Store.FindUserByAmoCRMSubdomain(ctx, hint)
	}
	return d.Store.FindUserByLPTrackerProject(ctx, hint)
}

func (d *Dispatcher) processEnvelope(ctx context.Context, provider models.Provider, env Envelope) error {
	userID, err := d.resolveTenant(ctx, provider, env.TenantHint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.Logs.Warn(ctx, 0, sourceDispatcher, "Webhook tenant not found", systemlog.Fields{
				"provider": provider, "tenantHint": env.TenantHint, "entityId": env.EntityID,
			})
			return nil
		}
		return fmt.Errorf("resolve %s tenant %q: %w", provider, env.TenantHint, err)
	}

	rules, err := d.activeRules(ctx, userID, provider)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		log.Debug().Int64("userID", userID).Str("provider", string(provider)).Msg("No active rules for webhook source")
		return nil
	}

	ev := &models.Event{
		Provider:  provider,
		UserID:    userID,
		EntityID:  env.EntityID,
		Action:    env.Action,
		Timestamp: env.Timestamp,
		Raw:       env.Raw,
	}
	if enricher := d.Enrichers[provider]; enricher != nil {
		lead, contacts, err := enricher.FetchEvent(ctx, userID, env.EntityID)
		if err != nil {
			if errors.Is(err, services.ErrNoTenantSettings) {
				d.Logs.Warn(ctx, userID, sourceDispatcher, "Source provider is not connected", systemlog.Fields{"provider": provider})
				return nil
			}
			d.Logs.Error(ctx, userID, sourceDispatcher, "Failed to fetch webhook entity details", systemlog.Fields{
				"provider": provider, "entityId": env.EntityID, "error": err.Error(),
			})
			return fmt.Errorf("enrich %s lead %s: %w", provider, env.EntityID, err)
		}
		ev.Lead = lead
		ev.Contacts = contacts
	}

	var errs []error
	for i := range rules {
		if err := d.processRule(ctx, ev, &rules[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) activeRules(ctx context.Context, userID int64, provider models.Provider) ([]models.SyncRule, error) {
	if rules, ok := d.Cache.Rules(userID, provider); ok {
		return rules, nil
	}
	all, err := d.Store.GetSyncRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load rules for user %d: %w", userID, err)
	}
	return d.Cache.SetRules(userID, provider, all), nil
}

// processRule runs one rule for one event under the entity lock. Lock and
// marker lookup failures are returned, and so are transient connector errors
// when no action of the rule succeeded; all of them make the webhook retryable.
func (d *Dispatcher) processRule(ctx context.Context, ev *models.Event, rule *models.SyncRule) error {
	unlock, err := d.Locker.Lock(ctx, lock.Key(ev.UserID, ev.Provider, ev.EntityID))
	if err != nil {
		return fmt.Errorf("rule %d: %w", rule.ID, err)
	}
	defer unlock()

	if !d.Evaluator.Matches(rule.Conditions, ev) {
		log.Debug().Int64("ruleID", rule.ID).Str("entityID", ev.EntityID).Msg("Rule conditions not met")
		return nil
	}

	key := models.ProcessedKey{
		UserID:         ev.UserID,
		Provider:       ev.Provider,
		EntityID:       ev.EntityID,
		RuleID:         rule.ID,
		EventTimestamp: ev.Timestamp,
	}
	done, err := d.Store.CheckWebhookProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("rule %d: check processed marker: %w", rule.ID, err)
	}
	if done {
		log.Info().Int64("ruleID", rule.ID).Str("entityID", ev.EntityID).Str("timestamp", ev.Timestamp).Msg("Rule already processed for this event, skipping")
		return nil
	}

	var succeeded, failed int
	var transient []error
	for _, action := range rule.Actions.List {
		ran, err := d.runAction(ctx, ev, rule, action)
		switch {
		case err != nil:
			failed++
			if services.IsTransient(err) {
				transient = append(transient, err)
			}
		case ran:
			succeeded++
		}
	}
	if failed > 0 && succeeded == 0 {
		d.Logs.Error(ctx, ev.UserID, sourceRule, "All rule actions failed", systemlog.Fields{
			"ruleId": rule.ID, "ruleName": rule.Name, "entityId": ev.EntityID,
			"retryable": len(transient) > 0,
		})
		if len(transient) > 0 {
			return fmt.Errorf("rule %d: %w", rule.ID, errors.Join(transient...))
		}
		return nil
	}

	if err := d.Store.MarkWebhookProcessed(ctx, key); err != nil {
		log.Warn().Err(err).Int64("ruleID", rule.ID).Msg("Failed to write processed marker")
	}
	if err := d.Store.IncrementRuleExecution(ctx, rule.ID); err != nil {
		log.Warn().Err(err).Int64("ruleID", rule.ID).Msg("Failed to increment rule execution count")
	}
	d.Logs.Info(ctx, ev.UserID, sourceRule, "Rule executed", systemlog.Fields{
		"ruleId": rule.ID, "ruleName": rule.Name, "entityId": ev.EntityID,
		"succeeded": succeeded, "failed": failed,
	})
	return nil
}

// runAction reports whether the action ran; unknown or unconfigured actions
// are skipped without error.
func (d *Dispatcher) runAction(ctx context.Context, ev *models.Event, rule *models.SyncRule, action models.Action) (bool, error) {
	target, ok := action.Type.Target()
	if !ok {
		log.Warn().Int64("ruleID", rule.ID).Str("actionType", string(action.Type)).Msg("Skipping unknown action type")
		return false, nil
	}
	connector := d.Connectors[action.Type]
	if connector == nil {
		log.Warn().Int64("ruleID", rule.ID).Str("actionType", string(action.Type)).Msg("No connector configured for action")
		return false, nil
	}

	data, err := d.Mapper.Map(ctx, ev.UserID, action.FieldMappings, ev, target)
	if err != nil {
		d.Logs.Error(ctx, ev.UserID, sourceRule, "Field mapping failed", systemlog.Fields{
			"ruleId": rule.ID, "action": action.Type, "error": err.Error(),
		})
		return false, err
	}

	result, err := connector.Sync(ctx, ev.UserID, data, action.SearchBy, action.Routing())
	if err != nil {
		d.Logs.Error(ctx, ev.UserID, sourceRule, "Sync action failed", systemlog.Fields{
			"ruleId": rule.ID, "action": action.Type, "entityId": ev.EntityID, "error": err.Error(),
		})
		return false, err
	}
	d.Logs.Info(ctx, ev.UserID, sourceRule, "Sync action completed", systemlog.Fields{
		"ruleId": rule.ID, "action": action.Type, "entityId": ev.EntityID,
		"contactId": result.ContactID, "leadId": result.LeadID,
		"contactCreated": result.ContactCreated, "leadCreated": result.LeadCreated,
	})
	return true, nil
}
