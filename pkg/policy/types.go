// Package policy evaluates proposed actions against ordered,
// conditional rules to produce the final governance decision. Rule
// namespaces are slowly-changing configuration: they are loaded and
// validated outside the hot path and evaluated against an immutable
// snapshot, so evaluation itself takes no locks.
package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// Operator is the closed set of condition operators. Unknown operators
// are rejected when a namespace is loaded, never at evaluation time.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpMatches            Operator = "matches"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpMatches: true, OpExists: true, OpNotExists: true,
}

// ConditionExpression is one field/operator/operand test.
type ConditionExpression struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
}

// EscalationConfig rides on rules whose action is ESCALATE.
type EscalationConfig struct {
	To                   string        `yaml:"to" json:"to"`
	Timeout              time.Duration `yaml:"timeout" json:"timeout"`
	RequireJustification bool          `yaml:"require_justification" json:"require_justification"`
	AutoDenyOnTimeout    bool          `yaml:"auto_deny_on_timeout" json:"auto_deny_on_timeout"`
}

// UnmarshalYAML accepts timeouts in time.ParseDuration form ("30m",
// "1h") rather than raw nanoseconds.
func (e *EscalationConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		To                   string `yaml:"to"`
		Timeout              string `yaml:"timeout"`
		RequireJustification bool   `yaml:"require_justification"`
		AutoDenyOnTimeout    bool   `yaml:"auto_deny_on_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	e.To = raw.To
	e.RequireJustification = raw.RequireJustification
	e.AutoDenyOnTimeout = raw.AutoDenyOnTimeout
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("escalation timeout %q: %w", raw.Timeout, err)
		}
		e.Timeout = d
	}
	return nil
}

// When selects the contexts a rule applies to. Empty lists match
// everything; all listed conditions must hold; a non-empty CEL guard
// must additionally evaluate to true.
type When struct {
	IntentTypes []string              `yaml:"intent_types,omitempty" json:"intent_types,omitempty"`
	EntityTypes []string              `yaml:"entity_types,omitempty" json:"entity_types,omitempty"`
	Conditions  []ConditionExpression `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	CELGuard    string                `yaml:"cel_guard,omitempty" json:"cel_guard,omitempty"`
}

// EvaluateStep maps an optional condition to an action.
type EvaluateStep struct {
	Condition  *ConditionExpression     `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action     contracts.DecisionAction `yaml:"action" json:"action"`
	Reason     string                   `yaml:"reason" json:"reason"`
	Escalation *EscalationConfig        `yaml:"escalation,omitempty" json:"escalation,omitempty"`
}

// Rule is one ordered, conditional governance rule.
type Rule struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int            `yaml:"priority" json:"priority"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	When        When           `yaml:"when" json:"when"`
	Evaluate    []EvaluateStep `yaml:"evaluate" json:"evaluate"`

	celProgram cel.Program // compiled guard, nil when CELGuard is empty
}

// Namespace is a versioned, immutable rule collection. The engine swaps
// whole namespaces atomically; rules inside one are never mutated.
type Namespace struct {
	Name          string                   `yaml:"name" json:"name"`
	Version       string                   `yaml:"version" json:"version"`
	DefaultAction contracts.DecisionAction `yaml:"default_action,omitempty" json:"default_action,omitempty"`
	Rules         []Rule                   `yaml:"rules" json:"rules"`
}

// EvaluationContext is the assembled input to one evaluation: the
// intent, the entity's clamped trust state, and environment metadata.
type EvaluationContext struct {
	IntentID   string
	IntentType string
	EntityID   string
	EntityType string
	Goal       string
	TrustScore float64
	TrustTier  contracts.TrustTier
	RiskScore  float64
	Context    map[string]any
}

// EvaluationResult aggregates every matched rule into a final action
// with a complete trace, so decisions can always be explained by
// replaying which rules fired.
type EvaluationResult struct {
	FinalAction    contracts.DecisionAction `json:"final_action"`
	Reasons        []string                 `json:"reasons"`
	RuleHits       []contracts.RuleHit      `json:"rule_hits"`
	RulesEvaluated []string                 `json:"rules_evaluated"`
	ViolatedRules  []string                 `json:"violated_rules"`
	Escalation     *EscalationConfig        `json:"escalation,omitempty"`
	EscalationRule string                   `json:"escalation_rule,omitempty"`
}
