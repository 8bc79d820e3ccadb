package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// Engine evaluates contexts against the active namespace snapshot.
// Snapshots swap atomically; evaluation never blocks a reload and a
// reload never tears an in-flight evaluation.
type Engine struct {
	namespace atomic.Pointer[Namespace]
	logger    *slog.Logger
}

// NewEngine builds an engine over an initial namespace.
func NewEngine(ns *Namespace, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.namespace.Store(ns)
	return e
}

// Swap atomically replaces the active namespace.
func (e *Engine) Swap(ns *Namespace) {
	old := e.namespace.Swap(ns)
	e.logger.Info("rule namespace swapped",
		"name", ns.Name, "version", ns.Version, "rules", len(ns.Rules),
		"previous_version", old.Version)
}

// Namespace returns the active snapshot.
func (e *Engine) Namespace() *Namespace {
	return e.namespace.Load()
}

// Evaluate matches all enabled rules against the context and aggregates
// their results. Matched rules run in descending priority order with
// declaration order as the stable tie-break. Precedence over the final
// action is fail-closed: any DENY wins outright; absent DENY, ESCALATE
// beats DEGRADE beats ALLOW.
func (e *Engine) Evaluate(ctx context.Context, ec *EvaluationContext) (*EvaluationResult, error) {
	ns := e.namespace.Load()

	result := &EvaluationResult{
		Reasons:        []string{},
		RuleHits:       []contracts.RuleHit{},
		RulesEvaluated: []string{},
		ViolatedRules:  []string{},
	}

	matched := make([]int, 0, len(ns.Rules))
	for i := range ns.Rules {
		rule := &ns.Rules[i]
		if !rule.Enabled {
			continue
		}
		ok, err := e.ruleMatches(rule, ec)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if ok {
			matched = append(matched, i)
		}
	}
	// Stable: equal priorities keep declaration order.
	sort.SliceStable(matched, func(a, b int) bool {
		return ns.Rules[matched[a]].Priority > ns.Rules[matched[b]].Priority
	})

	sawDeny, sawEscalate, sawDegrade, sawAllow := false, false, false, false
	for _, i := range matched {
		rule := &ns.Rules[i]
		result.RulesEvaluated = append(result.RulesEvaluated, rule.ID)

		for s := range rule.Evaluate {
			step := &rule.Evaluate[s]
			if step.Condition != nil {
				ok, err := evalCondition(ec, step.Condition)
				if err != nil {
					return nil, fmt.Errorf("rule %s step %d: %w", rule.ID, s, err)
				}
				if !ok {
					continue
				}
			}

			hit := contracts.RuleHit{
				RuleID:   rule.ID,
				Priority: rule.Priority,
				Action:   step.Action,
				Reason:   step.Reason,
			}
			result.RuleHits = append(result.RuleHits, hit)
			if step.Reason != "" {
				result.Reasons = append(result.Reasons, step.Reason)
			}

			switch step.Action {
			case contracts.ActionDeny:
				sawDeny = true
				result.ViolatedRules = append(result.ViolatedRules, rule.ID)
			case contracts.ActionEscalate:
				sawEscalate = true
				if result.Escalation == nil {
					result.Escalation = step.Escalation
					result.EscalationRule = rule.ID
				}
			case contracts.ActionDegrade:
				sawDegrade = true
			case contracts.ActionAllow:
				sawAllow = true
			}
		}
	}

	switch {
	case sawDeny:
		result.FinalAction = contracts.ActionDeny
	case sawEscalate:
		result.FinalAction = contracts.ActionEscalate
	case sawDegrade:
		result.FinalAction = contracts.ActionDegrade
	case sawAllow:
		result.FinalAction = contracts.ActionAllow
	default:
		result.FinalAction = ns.DefaultAction
		if result.FinalAction == "" {
			result.FinalAction = contracts.ActionAllow
		}
		result.Reasons = append(result.Reasons, "no rules matched; namespace default applied")
	}
	return result, nil
}

func (e *Engine) ruleMatches(rule *Rule, ec *EvaluationContext) (bool, error) {
	if len(rule.When.IntentTypes) > 0 && !containsString(rule.When.IntentTypes, ec.IntentType) {
		return false, nil
	}
	if len(rule.When.EntityTypes) > 0 && !containsString(rule.When.EntityTypes, ec.EntityType) {
		return false, nil
	}
	for i := range rule.When.Conditions {
		ok, err := evalCondition(ec, &rule.When.Conditions[i])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if rule.celProgram != nil {
		out, _, err := rule.celProgram.Eval(celInput(ec))
		if err != nil {
			// Fail closed: a guard that cannot be evaluated does not match.
			e.logger.Warn("cel guard evaluation failed", "rule", rule.ID, "error", err)
			return false, nil
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return false, nil
		}
	}
	return true, nil
}

func celInput(ec *EvaluationContext) map[string]any {
	ctxBag := ec.Context
	if ctxBag == nil {
		ctxBag = map[string]any{}
	}
	return map[string]any{
		"intent_type": ec.IntentType,
		"entity_id":   ec.EntityID,
		"entity_type": ec.EntityType,
		"goal":        ec.Goal,
		"trust_score": ec.TrustScore,
		"trust_tier":  string(ec.TrustTier),
		"risk_score":  ec.RiskScore,
		"context":     ctxBag,
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
