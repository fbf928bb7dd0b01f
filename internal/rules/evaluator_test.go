package rules

import (
	"testing"

	"crmsync/internal/models"
)

func testEvent() *models.Event {
	price := 1500.0
	return &models.Event{
		Provider: models.ProviderAmoCRM,
		EntityID: "5",
		Action:   "status",
		Raw:      map[string]any{"utm_source": "google", "status_id": "99"},
		Lead: &models.LeadDetail{
			ID:         "5",
			PipelineID: "42",
			StatusID:   "7",
			Price:      &price,
			CustomFields: []models.CustomField{
				{ID: "300", Code: "SOURCE", Name: "Source", Values: []any{"Landing Page"}},
				{ID: "301", Name: "Budget", Values: []any{float64(1500)}},
			},
		},
		Contacts: []models.ContactDetail{{ID: "8", Name: "Ivan", Phones: []string{"+7999"}}},
	}
}

func cond(typ models.ConditionType, field string, value any) models.Condition {
	return models.Condition{Type: typ, Field: field, Value: value}
}

func TestLeaves(t *testing.T) {
	ev := testEvent()
	cases := []struct {
		name string
		c    models.Condition
		want bool
	}{
		{"pipeline string", cond(models.ConditionPipeline, "", "42"), true},
		{"pipeline number", cond(models.ConditionPipeline, "", float64(42)), true},
		{"pipeline mismatch", cond(models.ConditionPipeline, "", "43"), false},
		{"pipeline empty value", cond(models.ConditionPipeline, "", nil), false},
		{"status", cond(models.ConditionStatus, "", "7"), true},
		{"equals by code", cond(models.ConditionFieldEquals, "SOURCE", "Landing Page"), true},
		{"equals numeric", cond(models.ConditionFieldEquals, "Budget", "1500"), true},
		{"equals standard", cond(models.ConditionFieldEquals, "phone", "+7999"), true},
		{"equals raw", cond(models.ConditionFieldEquals, "utm_source", "google"), true},
		{"equals mismatch", cond(models.ConditionFieldEquals, "300", "landing page"), false},
		{"contains case-insensitive", cond(models.ConditionFieldContains, "Source", "landing"), true},
		{"contains missing field", cond(models.ConditionFieldContains, "nope", ""), false},
		{"not empty", cond(models.ConditionFieldNotEmpty, "300", nil), true},
		{"not empty missing", cond(models.ConditionFieldNotEmpty, "email", nil), false},
		{"expression", cond(models.ConditionExpression, "", `lead.price >= 1000 && provider == "amocrm"`), true},
		{"expression raw", cond(models.ConditionExpression, "", `raw.utm_source == "google"`), true},
		{"expression invalid", cond(models.ConditionExpression, "", `lead.price >=`), false},
		{"expression non bool", cond(models.ConditionExpression, "", `lead.price`), false},
		{"unknown type", cond("geo_fence", "", "x"), false},
	}
	e := NewEvaluator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			group := models.ConditionGroup{Operator: models.OperatorAND, Rules: []models.Condition{tc.c}}
			if got := e.Matches(group, ev); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOperators(t *testing.T) {
	ev := testEvent()
	yes := cond(models.ConditionPipeline, "", "42")
	no := cond(models.ConditionPipeline, "", "1")
	unknown := cond("mystery", "", nil)

	cases := []struct {
		name  string
		group models.ConditionGroup
		want  bool
	}{
		{"empty AND", models.ConditionGroup{Operator: "AND"}, true},
		{"empty OR", models.ConditionGroup{Operator: "OR"}, false},
		{"default operator is AND", models.ConditionGroup{Rules: []models.Condition{yes, no}}, false},
		{"AND all true", models.ConditionGroup{Operator: "AND", Rules: []models.Condition{yes, yes}}, true},
		{"AND one false", models.ConditionGroup{Operator: "AND", Rules: []models.Condition{yes, no}}, false},
		{"OR one true", models.ConditionGroup{Operator: "OR", Rules: []models.Condition{no, yes}}, true},
		{"OR all false", models.ConditionGroup{Operator: "OR", Rules: []models.Condition{no, no}}, false},
		{"lowercase or", models.ConditionGroup{Operator: "or", Rules: []models.Condition{no, yes}}, true},
		{"unknown leaf poisons AND", models.ConditionGroup{Operator: "AND", Rules: []models.Condition{yes, unknown}}, false},
		{"unknown leaf ignored by OR", models.ConditionGroup{Operator: "OR", Rules: []models.Condition{unknown, yes}}, true},
	}
	e := NewEvaluator()
	for _, tc := range cases {
		if got := e.Matches(tc.group, ev); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDeterministic(t *testing.T) {
	ev := testEvent()
	group := models.ConditionGroup{Operator: "OR", Rules: []models.Condition{
		cond(models.ConditionFieldContains, "Source", "page"),
		cond(models.ConditionExpression, "", `len(contacts) == 1`),
	}}
	e := NewEvaluator()
	first := e.Matches(group, ev)
	for i := 0; i < 20; i++ {
		if e.Matches(group, ev) != first {
			t.Fatal("evaluation is not deterministic")
		}
	}
}

func TestNilEventAndRawFallbacks(t *testing.T) {
	e := NewEvaluator()
	group := models.ConditionGroup{Rules: []models.Condition{cond(models.ConditionPipeline, "", "1")}}
	if e.Matches(group, nil) {
		t.Fatal("nil event must not match")
	}

	ev := &models.Event{Provider: models.ProviderLPTracker, Raw: map[string]any{"stage": "12"}}
	status := models.ConditionGroup{Rules: []models.Condition{cond(models.ConditionStatus, "", 12)}}
	if !e.Matches(status, ev) {
		t.Fatal("expected status to fall back to the raw stage")
	}
}
