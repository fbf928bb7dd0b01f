package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"crmsync/internal/adapters/lptracker"
	"crmsync/internal/cache"
	"crmsync/internal/mapper"
	"crmsync/internal/models"
	"crmsync/internal/rules"
	"crmsync/internal/services"
	"crmsync/internal/storage"
)

type memStore struct {
	mu         sync.Mutex
	rules      map[int64][]models.SyncRule
	subdomains map[string]int64
	projects   map[string]int64
	markers    map[models.ProcessedKey]bool
	executions map[int64]int
	rulesErr   error
}

func newMemStore() *memStore {
	return &memStore{
		rules:      map[int64][]models.SyncRule{},
		subdomains: map[string]int64{},
		projects:   map[string]int64{},
		markers:    map[models.ProcessedKey]bool{},
		executions: map[int64]int{},
	}
}

func (m *memStore) GetSyncRules(_ context.Context, userID int64) ([]models.SyncRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	return append([]models.SyncRule(nil), m.rules[userID]...), nil
}

func (m *memStore) IncrementRuleExecution(_ context.Context, ruleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[ruleID]++
	return nil
}

func (m *memStore) FindUserByAmoCRMSubdomain(_ context.Context, subdomain string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.subdomains[subdomain]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (m *memStore) FindUserByLPTrackerProject(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.projects[projectID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (m *memStore) CheckWebhookProcessed(_ context.Context, key models.ProcessedKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[key], nil
}

func (m *memStore) MarkWebhookProcessed(_ context.Context, key models.ProcessedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[key] = true
	return nil
}

type stubEnricher struct {
	mu    sync.Mutex
	lead  *models.LeadDetail
	cts   []models.ContactDetail
	err   error
	calls int
}

func (s *stubEnricher) FetchEvent(context.Context, int64, string) (*models.LeadDetail, []models.ContactDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.lead, s.cts, nil
}

type syncCall struct {
	userID   int64
	data     *models.MappedData
	searchBy models.SearchBy
	routing  models.Routing
}

type recordingConnector struct {
	mu    sync.Mutex
	calls []syncCall
	errs  []error // consumed per call
	delay time.Duration
}

func (r *recordingConnector) Sync(_ context.Context, userID int64, data *models.MappedData, searchBy models.SearchBy, routing models.Routing) (*models.SyncResult, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{userID: userID, data: data, searchBy: searchBy, routing: routing})
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.SyncResult{ContactID: "1", LeadID: "2"}, nil
}

func (r *recordingConnector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	d     *Dispatcher
	store *memStore
	amo   *stubEnricher
	lpt   *stubEnricher
	toLPT *recordingConnector
	toAmo *recordingConnector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	price := 1500.0
	f := &fixture{
		store: newMemStore(),
		amo: &stubEnricher{
			lead: &models.LeadDetail{ID: "5", Name: "Deal", PipelineID: "42", StatusID: "7", Price: &price},
			cts:  []models.ContactDetail{{ID: "8", Name: "Ivan", Phones: []string{"+79990001122"}}},
		},
		lpt: &stubEnricher{
			lead: &models.LeadDetail{ID: "77", StatusID: "5", Price: &price},
			cts:  []models.ContactDetail{{ID: "20", Name: "Olga", Emails: []string{"olga@example.com"}}},
		},
		toLPT: &recordingConnector{},
		toAmo: &recordingConnector{},
	}
	f.store.subdomains["acme"] = 1
	f.store.projects["900"] = 1

	d, err := New(Deps{
		Store: f.store,
		Cache: cache.New(time.Minute, time.Minute, time.Hour),
		Enrichers: map[models.Provider]Enricher{
			models.ProviderAmoCRM:    f.amo,
			models.ProviderLPTracker: f.lpt,
		},
		Connectors: map[models.ActionType]Connector{
			models.ActionSyncToLPTracker: f.toLPT,
			models.ActionSyncToAmoCRM:    f.toAmo,
		},
		Mapper:    mapper.New(nil),
		Evaluator: rules.NewEvaluator(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.d = d
	return f
}

func pipelineRule(id int64, pipeline string, action models.Action) models.SyncRule {
	return models.SyncRule{
		ID:            id,
		UserID:        1,
		Name:          fmt.Sprintf("rule %d", id),
		WebhookSource: models.ProviderAmoCRM,
		IsActive:      true,
		Conditions: models.ConditionGroup{Operator: models.OperatorAND, Rules: []models.Condition{
			{Type: models.ConditionPipeline, Value: pipeline},
		}},
		Actions: models.ActionList{List: []models.Action{action}},
	}
}

func toLPTrackerAction() models.Action {
	return models.Action{
		Type:     models.ActionSyncToLPTracker,
		SearchBy: models.SearchByPhone,
		StageID:  "5",
		FieldMappings: map[string]models.FieldMapping{
			"phone": {Entity: models.EntityContact, Field: "phone", Type: models.FieldTypeStandard},
			"name":  {Entity: models.EntityContact, Field: "name", Type: models.FieldTypeStandard},
			"price": {Entity: models.EntityLead, Field: "price", Type: models.FieldTypeStandard},
		},
	}
}

func amoPayload(leadID, ts string) string {
	return url.Values{
		"account[subdomain]":              {"acme"},
		"leads[status][0][id]":            {leadID},
		"leads[status][0][pipeline_id]":   {"42"},
		"leads[status][0][last_modified]": {ts},
	}.Encode()
}

func lptPayload(ts string) string {
	return `{"data":"{\"id\":77,\"project_id\":900,\"action\":\"update\",\"action_timestamp\":` + ts + `}"}`
}

func TestPipelineRuleSyncsToLPTracker(t *testing.T) {
	f := newFixture(t)
	f.store.rules[1] = []models.SyncRule{pipelineRule(10, "42", toLPTrackerAction())}

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1700000000")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if f.toLPT.count() != 1 {
		t.Fatalf("expected LPTracker connector to be called once, got %d", f.toLPT.count())
	}
	call := f.toLPT.calls[0]
	if call.searchBy != models.SearchByPhone || call.routing.StageID != "5" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.data.Contact[models.KeyPhone] != "+79990001122" || call.data.Contact[models.KeyName] != "Ivan" {
		t.Fatalf("unexpected contact data %v", call.data.Contact)
	}
	if call.data.Lead[models.KeyPrice] != 1500 {
		t.Fatalf("expected price 1500, got %#v", call.data.Lead[models.KeyPrice])
	}
	if f.store.executions[10] != 1 {
		t.Fatalf("expected execution count 1, got %d", f.store.executions[10])
	}
	key := models.ProcessedKey{UserID: 1, Provider: models.ProviderAmoCRM, EntityID: "5", RuleID: 10, EventTimestamp: "1700000000"}
	if !f.store.markers[key] {
		t.Fatal("expected processed marker")
	}
	if f.toAmo.count() != 0 {
		t.Fatal("AmoCRM connector must not be called")
	}
}

func TestNoMatchingRule(t *testing.T) {
	f := newFixture(t)
	f.store.rules[1] = []models.SyncRule{pipelineRule(10, "43", toLPTrackerAction())}

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.toLPT.count() != 0 {
		t.Fatal("connector must not be called when conditions do not match")
	}
	if len(f.store.markers) != 0 || f.store.executions[10] != 0 {
		t.Fatal("no marker or counter update expected")
	}
}

func emailRule(id int64) models.SyncRule {
	return models.SyncRule{
		ID:            id,
		UserID:        1,
		WebhookSource: models.ProviderLPTracker,
		IsActive:      true,
		Actions: models.ActionList{List: []models.Action{{
			Type:     models.ActionSyncToAmoCRM,
			SearchBy: models.SearchByEmail,
			FieldMappings: map[string]models.FieldMapping{
				"email": {Entity: models.EntityContact, Field: "email"},
			},
		}}},
	}
}

func TestDuplicateLPTrackerDelivery(t *testing.T) {
	f := newFixture(t)
	f.store.rules[1] = []models.SyncRule{emailRule(20)}

	for i := 0; i < 2; i++ {
		if err := f.d.Dispatch(context.Background(), models.ProviderLPTracker, lptPayload("1700000000")); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	if f.toAmo.count() != 1 {
		t.Fatalf("expected a single sync for a duplicate delivery, got %d", f.toAmo.count())
	}
	if f.store.executions[20] != 1 {
		t.Fatalf("expected execution count 1, got %d", f.store.executions[20])
	}

	// A new event instance for the same lead runs again.
	if err := f.d.Dispatch(context.Background(), models.ProviderLPTracker, lptPayload("1700000500")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.toAmo.count() != 2 {
		t.Fatalf("expected a second sync for a new timestamp, got %d", f.toAmo.count())
	}
}

func TestConcurrentDuplicatesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.toLPT.delay = 10 * time.Millisecond
	f.store.rules[1] = []models.SyncRule{pipelineRule(10, "42", toLPTrackerAction())}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.d.HandleAmoCRMWebhook(context.Background(), amoPayload("5", "1700000000"))
		}()
	}
	wg.Wait()
	if f.toLPT.count() != 1 {
		t.Fatalf("expected exactly one sync under concurrent duplicates, got %d", f.toLPT.count())
	}
}

func TestConcurrentLPTrackerDuplicatesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.toAmo.delay = 10 * time.Millisecond
	f.store.rules[1] = []models.SyncRule{emailRule(21)}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.d.HandleLPTrackerWebhook(context.Background(), lptPayload("1700000000"))
		}()
	}
	wg.Wait()
	if f.toAmo.count() != 1 {
		t.Fatalf("expected exactly one sync under concurrent duplicates, got %d", f.toAmo.count())
	}
	if f.store.executions[21] != 1 {
		t.Fatalf("expected execution count 1, got %d", f.store.executions[21])
	}

	// Failures are logged, never surfaced to the caller.
	f.d.HandleLPTrackerWebhook(context.Background(), `{"data":"nope"}`)
	if f.toAmo.count() != 1 {
		t.Fatalf("malformed delivery must not sync, got %d calls", f.toAmo.count())
	}
}

func TestUnknownTenantIsNotRetried(t *testing.T) {
	f := newFixture(t)
	payload := url.Values{"account[subdomain]": {"ghost"}, "leads[add][0][id]": {"1"}}.Encode()
	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, payload); err != nil {
		t.Fatalf("expected no error for unknown tenant, got %v", err)
	}
	if f.amo.calls != 0 {
		t.Fatal("enrichment must not run without a tenant")
	}
}

func TestEnrichmentFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.rules[1] = []models.SyncRule{pipelineRule(10, "42", toLPTrackerAction())}
	f.amo.err = errors.New("timeout")

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err == nil {
		t.Fatal("expected a retryable error")
	}
	if f.toLPT.count() != 0 {
		t.Fatal("rules must not run without enrichment")
	}

	f.amo.err = fmt.Errorf("wrapped: %w", services.ErrNoTenantSettings)
	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("missing source settings must not be retried, got %v", err)
	}
}

func TestRuleLoadFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.rulesErr = errors.New("db down")
	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err == nil {
		t.Fatal("expected a retryable error")
	}
}

func TestFailedActionLeavesNoMarker(t *testing.T) {
	f := newFixture(t)
	f.store.rules[1] = []models.SyncRule{pipelineRule(10, "42", toLPTrackerAction())}
	f.toLPT.errs = []error{errors.New("LPTracker down")}

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("action failures are not retryable: %v", err)
	}
	if len(f.store.markers) != 0 || f.store.executions[10] != 0 {
		t.Fatal("a rule whose actions all failed must not be marked")
	}

	// A redelivery gets another chance.
	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.toLPT.count() != 2 || f.store.executions[10] != 1 {
		t.Fatalf("expected retry to succeed, calls=%d executions=%d", f.toLPT.count(), f.store.executions[10])
	}
}

func TestTransientActionFailureIsRetryable(t *testing.T) {
	cases := map[string]error{
		"deadline":  fmt.Errorf("LPTracker API create lead request failed: %w", context.DeadlineExceeded),
		"5xx":       &lptracker.APIError{Op: "create lead", StatusCode: http.StatusBadGateway},
		"throttled": &lptracker.APIError{Op: "create lead", StatusCode: http.StatusTooManyRequests},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.store.rules[1] = []models.SyncRule{pipelineRule(10, "42", toLPTrackerAction())}
			f.toLPT.errs = []error{cause}

			err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1"))
			if err == nil || !errors.Is(err, cause) {
				t.Fatalf("expected the connector error to be returned, got %v", err)
			}
			if len(f.store.markers) != 0 || f.store.executions[10] != 0 {
				t.Fatal("a failed rule must not be marked")
			}

			if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if f.toLPT.count() != 2 || f.store.executions[10] != 1 {
				t.Fatalf("expected retry to succeed, calls=%d executions=%d", f.toLPT.count(), f.store.executions[10])
			}
		})
	}
}

func TestPartialSuccessIsNotRetried(t *testing.T) {
	f := newFixture(t)
	toAmo := models.Action{Type: models.ActionSyncToAmoCRM, SearchBy: models.SearchByName,
		FieldMappings: map[string]models.FieldMapping{"name": {Entity: models.EntityContact, Field: "name"}}}
	rule := pipelineRule(10, "42", toLPTrackerAction())
	rule.Actions.List = append(rule.Actions.List, toAmo)
	f.store.rules[1] = []models.SyncRule{rule}
	f.toLPT.errs = []error{context.DeadlineExceeded}

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("a rule with a successful action must not be retried: %v", err)
	}
	if f.store.executions[10] != 1 {
		t.Fatalf("expected the rule to be marked, executions=%d", f.store.executions[10])
	}
}

func TestRulesRunInOrderAndIsolateFailures(t *testing.T) {
	f := newFixture(t)
	unknown := models.Action{Type: "sync_to_bitrix"}
	toAmo := models.Action{Type: models.ActionSyncToAmoCRM, SearchBy: models.SearchByName,
		FieldMappings: map[string]models.FieldMapping{"name": {Entity: models.EntityContact, Field: "name"}}}

	first := pipelineRule(1, "42", toLPTrackerAction())
	second := pipelineRule(2, "42", unknown)
	second.Actions.List = append(second.Actions.List, toAmo)
	inactive := pipelineRule(3, "42", toAmo)
	inactive.IsActive = false
	f.store.rules[1] = []models.SyncRule{first, second, inactive}
	f.toLPT.errs = []error{errors.New("boom")}

	if err := f.d.Dispatch(context.Background(), models.ProviderAmoCRM, amoPayload("5", "1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.toLPT.count() != 1 || f.toAmo.count() != 1 {
		t.Fatalf("expected both connectors once, got lpt=%d amo=%d", f.toLPT.count(), f.toAmo.count())
	}
	if f.store.executions[1] != 0 || f.store.executions[2] != 1 || f.store.executions[3] != 0 {
		t.Fatalf("unexpected executions %v", f.store.executions)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.d.Dispatch(context.Background(), models.ProviderLPTracker, `{"data":"nope"}`); err != nil {
		t.Fatalf("malformed payloads must not be retried: %v", err)
	}
}
