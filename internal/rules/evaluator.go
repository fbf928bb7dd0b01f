// Package rules evaluates a rule's condition group against an enriched event.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"crmsync/internal/mapper"
	"crmsync/internal/models"
)

// Evaluator is safe for concurrent use. Compiled expression leaves are cached
// by source text.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Matches combines every leaf of the group with its operator (AND unless OR).
// An empty AND group matches, an empty OR group does not. Unknown leaf types
// and leaves that fail evaluate to false.
func (e *Evaluator) Matches(group models.ConditionGroup, ev *models.Event) bool {
	or := strings.EqualFold(group.Operator, models.OperatorOR)
	if len(group.Rules) == 0 {
		return !or
	}
	for _, cond := range group.Rules {
		ok := e.leaf(cond, ev)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func (e *Evaluator) leaf(cond models.Condition, ev *models.Event) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("type", string(cond.Type)).Msg("Condition evaluation panicked, treating as no match")
			matched = false
		}
	}()
	if ev == nil {
		return false
	}

	switch cond.Type {
	case models.ConditionPipeline:
		return equalID(cond.Value, pipelineOf(ev))
	case models.ConditionStatus:
		return equalID(cond.Value, statusOf(ev))
	case models.ConditionFieldEquals:
		got, ok := resolve(ev, cond.Field)
		return ok && toString(got) == toString(cond.Value)
	case models.ConditionFieldContains:
		got, ok := resolve(ev, cond.Field)
		return ok && strings.Contains(strings.ToLower(toString(got)), strings.ToLower(toString(cond.Value)))
	case models.ConditionFieldNotEmpty:
		_, ok := resolve(ev, cond.Field)
		return ok
	case models.ConditionExpression:
		return e.expression(toString(cond.Value), ev)
	}
	log.Warn().Str("type", string(cond.Type)).Msg("Unknown condition type, treating as no match")
	return false
}

func equalID(want any, got string) bool {
	w := toString(want)
	return w != "" && w == got
}

func pipelineOf(ev *models.Event) string {
	if ev.Lead != nil && ev.Lead.PipelineID != "" {
		return ev.Lead.PipelineID
	}
	return ev.RawString("pipeline_id")
}

func statusOf(ev *models.Event) string {
	if ev.Lead != nil && ev.Lead.StatusID != "" {
		return ev.Lead.StatusID
	}
	if s := ev.RawString("status_id"); s != "" {
		return s
	}
	return ev.RawString("stage")
}

// resolve looks a field up in custom fields first, then in the standard
// attributes and raw webhook fields.
func resolve(ev *models.Event, field string) (any, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, false
	}
	if v, ok := mapper.Custom(ev, field); ok {
		return v, true
	}
	if v, ok := mapper.Standard(ev, field); ok {
		return v, true
	}
	return mapper.Raw(ev, field)
}

func (e *Evaluator) expression(src string, ev *models.Event) bool {
	if strings.TrimSpace(src) == "" {
		return false
	}
	prog, err := e.compile(src)
	if err != nil {
		log.Warn().Err(err).Str("expression", src).Msg("Invalid condition expression")
		return false
	}
	env, err := expressionEnv(ev)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build expression environment")
		return false
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		log.Debug().Err(err).Str("expression", src).Msg("Condition expression failed")
		return false
	}
	ok, _ := result.(bool)
	return ok
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	e.mu.Lock()
	e.programs[src] = prog
	e.mu.Unlock()
	return prog, nil
}

// expressionEnv exposes the event with the same field names it has in JSON.
func expressionEnv(ev *models.Event) (map[string]any, error) {
	var lead map[string]any
	if ev.Lead != nil {
		if err := roundTrip(ev.Lead, &lead); err != nil {
			return nil, err
		}
	}
	var contacts []any
	if err := roundTrip(ev.Contacts, &contacts); err != nil {
		return nil, err
	}
	return map[string]any{
		"lead":     lead,
		"contacts": contacts,
		"raw":      ev.Raw,
		"provider": string(ev.Provider),
		"action":   ev.Action,
	}, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
	}
	return strings.TrimSpace(cast.ToString(v))
}
