package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"crmsync/internal/db"
	"crmsync/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.InitDB(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.MigrateDB(conn); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}
	s, err := NewSQLStore(conn)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return s
}

func TestSQLStore_SyncRulesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var actions models.ActionList
	if err := json.Unmarshal([]byte(`{"list":[{"type":"sync_to_lptracker","searchBy":"phone",
		"fieldMappings":{"phone":{"entity":"contact","field":"phone","type":"standard"},"name":"name"},"stageId":77}]}`), &actions); err != nil {
		t.Fatalf("unmarshal actions: %v", err)
	}
	rule := &models.SyncRule{
		UserID:        1,
		Name:          "pipeline 42",
		WebhookSource: models.ProviderAmoCRM,
		Conditions: models.ConditionGroup{Operator: "AND", Rules: []models.Condition{
			{Type: models.ConditionPipeline, Value: "42"},
		}},
		Actions:  actions,
		IsActive: true,
	}
	if err := s.CreateSyncRule(ctx, rule); err != nil {
		t.Fatalf("CreateSyncRule: %v", err)
	}
	if rule.ID == 0 {
		t.Fatal("expected rule ID to be set")
	}

	rules, err := s.GetSyncRules(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	got := rules[0]
	if got.Conditions.Operator != "AND" || len(got.Conditions.Rules) != 1 || got.Conditions.Rules[0].Value != "42" {
		t.Fatalf("conditions not round-tripped: %+v", got.Conditions)
	}
	action := got.Actions.List[0]
	if action.StageID != "77" {
		t.Errorf("expected numeric stageId to decode as \"77\", got %q", action.StageID)
	}
	if !action.FieldMappings["name"].Legacy {
		t.Error("expected bare string mapping to be flagged legacy")
	}
	if action.FieldMappings["phone"].Entity != models.EntityContact {
		t.Errorf("expected structured mapping entity contact, got %q", action.FieldMappings["phone"].Entity)
	}

	if err := s.IncrementRuleExecution(ctx, rule.ID); err != nil {
		t.Fatalf("IncrementRuleExecution: %v", err)
	}
	rules, _ = s.GetSyncRules(ctx, 1)
	if rules[0].ExecutionCount != 1 {
		t.Fatalf("expected execution count 1, got %d", rules[0].ExecutionCount)
	}
	if err := s.IncrementRuleExecution(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown rule, got %v", err)
	}
}

func TestSQLStore_TenantLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAmoCRMSettings(ctx, &models.AmoCRMSettings{UserID: 5, Subdomain: "Acme", APIKey: "enc", IsActive: true}); err != nil {
		t.Fatalf("UpsertAmoCRMSettings: %v", err)
	}
	if err := s.UpsertLPTrackerSettings(ctx, &models.LPTrackerSettings{UserID: 5, ProjectID: "900", IsActive: true}); err != nil {
		t.Fatalf("UpsertLPTrackerSettings: %v", err)
	}

	id, err := s.FindUserByAmoCRMSubdomain(ctx, "acme")
	if err != nil || id != 5 {
		t.Fatalf("expected user 5 for subdomain, got %d (%v)", id, err)
	}
	id, err = s.FindUserByLPTrackerProject(ctx, "900")
	if err != nil || id != 5 {
		t.Fatalf("expected user 5 for project, got %d (%v)", id, err)
	}
	if _, err := s.FindUserByAmoCRMSubdomain(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	st, err := s.GetAmoCRMSettings(ctx, 5)
	if err != nil {
		t.Fatalf("GetAmoCRMSettings: %v", err)
	}
	if st.Subdomain != "acme" || st.APIKey != "enc" || !st.IsActive {
		t.Fatalf("unexpected settings: %+v", st)
	}
}

func TestSQLStore_ProcessedMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.ProcessedKey{UserID: 1, Provider: models.ProviderLPTracker, EntityID: "10", RuleID: 3, EventTimestamp: "1700000000"}

	done, err := s.CheckWebhookProcessed(ctx, key)
	if err != nil || done {
		t.Fatalf("expected unprocessed, got %v (%v)", done, err)
	}
	if err := s.MarkWebhookProcessed(ctx, key); err != nil {
		t.Fatalf("MarkWebhookProcessed: %v", err)
	}
	// Marking twice must be harmless.
	if err := s.MarkWebhookProcessed(ctx, key); err != nil {
		t.Fatalf("second MarkWebhookProcessed: %v", err)
	}
	done, _ = s.CheckWebhookProcessed(ctx, key)
	if !done {
		t.Fatal("expected processed after mark")
	}

	other := key
	other.EventTimestamp = "1700000099"
	done, _ = s.CheckWebhookProcessed(ctx, other)
	if done {
		t.Fatal("a different event timestamp must not be treated as processed")
	}
}

func TestSQLStore_MetadataAndToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetAmoCRMMetadata(ctx, 1, models.MetadataContactFields); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveAmoCRMMetadata(ctx, 1, models.MetadataContactFields, json.RawMessage(`[{"id":1}]`)); err != nil {
		t.Fatalf("SaveAmoCRMMetadata: %v", err)
	}
	if err := s.SaveAmoCRMMetadata(ctx, 1, models.MetadataContactFields, json.RawMessage(`[{"id":2}]`)); err != nil {
		t.Fatalf("SaveAmoCRMMetadata overwrite: %v", err)
	}
	data, err := s.GetAmoCRMMetadata(ctx, 1, models.MetadataContactFields)
	if err != nil || string(data) != `[{"id":2}]` {
		t.Fatalf("expected overwritten metadata, got %s (%v)", data, err)
	}

	funnel := models.MetadataFunnel + ":900"
	if err := s.SaveLPTrackerMetadata(ctx, 1, funnel, json.RawMessage(`[{"id":5}]`)); err != nil {
		t.Fatalf("SaveLPTrackerMetadata: %v", err)
	}
	if data, err := s.GetLPTrackerMetadata(ctx, 1, funnel); err != nil || string(data) != `[{"id":5}]` {
		t.Fatalf("expected LPTracker funnel metadata, got %s (%v)", data, err)
	}
	if _, err := s.GetAmoCRMMetadata(ctx, 1, funnel); !errors.Is(err, ErrNotFound) {
		t.Fatalf("metadata must be scoped by provider, got %v", err)
	}

	if err := s.SaveLPTrackerToken(ctx, "tok", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without global settings, got %v", err)
	}
	if err := s.UpsertLPTrackerGlobalSettings(ctx, &models.LPTrackerGlobalSettings{Login: "l", Password: "p", Service: "svc"}); err != nil {
		t.Fatalf("UpsertLPTrackerGlobalSettings: %v", err)
	}
	if err := s.SaveLPTrackerToken(ctx, "tok", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveLPTrackerToken: %v", err)
	}
	g, err := s.GetLPTrackerGlobalSettings(ctx)
	if err != nil {
		t.Fatalf("GetLPTrackerGlobalSettings: %v", err)
	}
	if g.Token != "tok" || g.Login != "l" {
		t.Fatalf("unexpected global settings: %+v", g)
	}
}

func TestSQLStore_SystemLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := int64(4)

	entry := &models.SystemLog{UserID: &uid, Level: models.LogWarning, Message: "tenant not found", Data: json.RawMessage(`{"subdomain":"x"}`), Source: "dispatcher"}
	if err := s.CreateSystemLog(ctx, entry); err != nil {
		t.Fatalf("CreateSystemLog: %v", err)
	}
	if err := s.CreateSystemLog(ctx, &models.SystemLog{Level: models.LogInfo, Message: "no data", Source: "queue"}); err != nil {
		t.Fatalf("CreateSystemLog without data: %v", err)
	}
	logs, err := s.ListSystemLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListSystemLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[1].Message != "tenant not found" || logs[1].UserID == nil || *logs[1].UserID != 4 {
		t.Fatalf("unexpected first log: %+v", logs[1])
	}
	if logs[0].UserID != nil {
		t.Fatalf("expected nil user id, got %v", *logs[0].UserID)
	}
}
