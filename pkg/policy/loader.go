package policy

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// namespaceSchema is the structural contract for rule packs. Packs are
// validated against it before any semantic checks run.
const namespaceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "rules"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "default_action": {"enum": ["ALLOW", "DENY", "ESCALATE", "DEGRADE"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "priority", "evaluate"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"},
          "when": {"type": "object"},
          "evaluate": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["action"],
              "properties": {
                "action": {"enum": ["ALLOW", "DENY", "ESCALATE", "DEGRADE"]},
                "reason": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Loader parses, validates and compiles rule namespaces from YAML.
// Every structural or semantic defect is rejected here; a namespace
// that loads successfully cannot fail at evaluation time for reasons
// the pack author controls.
type Loader struct {
	schema *jsonschema.Schema
	celEnv *cel.Env
}

// NewLoader builds a loader with the pack schema and CEL environment
// compiled once.
func NewLoader() (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://cognigate.schemas.local/namespace.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(namespaceSchema)); err != nil {
		return nil, fmt.Errorf("namespace schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("namespace schema compile failed: %w", err)
	}

	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("intent_type", types.StringType),
			decls.NewVariable("entity_id", types.StringType),
			decls.NewVariable("entity_type", types.StringType),
			decls.NewVariable("goal", types.StringType),
			decls.NewVariable("trust_score", types.DoubleType),
			decls.NewVariable("trust_tier", types.StringType),
			decls.NewVariable("risk_score", types.DoubleType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Loader{schema: compiled, celEnv: env}, nil
}

// LoadFile reads and loads a namespace from a YAML file.
func (l *Loader) LoadFile(path string) (*Namespace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack %s: %w", path, err)
	}
	ns, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("rule pack %s: %w", path, err)
	}
	return ns, nil
}

// Load parses and validates one namespace document.
func (l *Loader) Load(data []byte) (*Namespace, error) {
	// Schema validation runs on the generic decode so unknown-shape
	// defects are reported before struct coercion can mask them.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &contracts.ValidationError{Field: "namespace", Detail: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if err := l.schema.Validate(normalizeYAML(generic)); err != nil {
		return nil, &contracts.ValidationError{Field: "namespace", Detail: err.Error()}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var ns Namespace
	if err := dec.Decode(&ns); err != nil {
		return nil, &contracts.ValidationError{Field: "namespace", Detail: err.Error()}
	}

	if _, err := semver.NewVersion(ns.Version); err != nil {
		return nil, &contracts.ValidationError{Field: "version", Detail: fmt.Sprintf("%q is not a semantic version", ns.Version)}
	}
	if ns.DefaultAction == "" {
		ns.DefaultAction = contracts.ActionAllow
	}

	seen := make(map[string]bool, len(ns.Rules))
	for i := range ns.Rules {
		rule := &ns.Rules[i]
		if err := l.validateRule(rule, seen); err != nil {
			return nil, err
		}
	}
	return &ns, nil
}

func (l *Loader) validateRule(rule *Rule, seen map[string]bool) error {
	if !ruleIDPattern.MatchString(rule.ID) {
		return &contracts.ValidationError{Field: "rules.id", Detail: fmt.Sprintf("invalid rule id %q", rule.ID)}
	}
	if seen[rule.ID] {
		return &contracts.ValidationError{Field: "rules.id", Detail: fmt.Sprintf("duplicate rule id %q", rule.ID)}
	}
	seen[rule.ID] = true

	for i := range rule.When.Conditions {
		if err := validateCondition(rule.ID, &rule.When.Conditions[i]); err != nil {
			return err
		}
	}
	for i := range rule.Evaluate {
		step := &rule.Evaluate[i]
		if !validAction(step.Action) {
			return &contracts.ValidationError{
				Field:  "rules.evaluate.action",
				Detail: fmt.Sprintf("rule %s: unknown action %q", rule.ID, step.Action),
			}
		}
		if step.Condition != nil {
			if err := validateCondition(rule.ID, step.Condition); err != nil {
				return err
			}
		}
		if step.Action == contracts.ActionEscalate {
			if step.Escalation == nil {
				return &contracts.ValidationError{
					Field:  "rules.evaluate.escalation",
					Detail: fmt.Sprintf("rule %s: ESCALATE step requires an escalation config", rule.ID),
				}
			}
			if step.Escalation.To == "" {
				return &contracts.ValidationError{
					Field:  "rules.evaluate.escalation.to",
					Detail: fmt.Sprintf("rule %s: escalation target is required", rule.ID),
				}
			}
			if step.Escalation.Timeout <= 0 {
				return &contracts.ValidationError{
					Field:  "rules.evaluate.escalation.timeout",
					Detail: fmt.Sprintf("rule %s: escalation timeout must be positive", rule.ID),
				}
			}
		}
	}

	if rule.When.CELGuard != "" {
		ast, issues := l.celEnv.Compile(rule.When.CELGuard)
		if issues != nil && issues.Err() != nil {
			return &contracts.ValidationError{
				Field:  "rules.when.cel_guard",
				Detail: fmt.Sprintf("rule %s: guard compilation failed: %v", rule.ID, issues.Err()),
			}
		}
		prg, err := l.celEnv.Program(ast)
		if err != nil {
			return &contracts.ValidationError{
				Field:  "rules.when.cel_guard",
				Detail: fmt.Sprintf("rule %s: guard program construction failed: %v", rule.ID, err),
			}
		}
		rule.celProgram = prg
	}
	return nil
}

func validateCondition(ruleID string, cond *ConditionExpression) error {
	if cond.Field == "" {
		return &contracts.ValidationError{
			Field:  "rules.conditions.field",
			Detail: fmt.Sprintf("rule %s: condition field is required", ruleID),
		}
	}
	if !knownOperators[cond.Operator] {
		return &contracts.ValidationError{
			Field:  "rules.conditions.operator",
			Detail: fmt.Sprintf("rule %s: unknown operator %q", ruleID, cond.Operator),
		}
	}
	if cond.Operator == OpMatches {
		pattern, ok := cond.Value.(string)
		if !ok {
			return &contracts.ValidationError{
				Field:  "rules.conditions.value",
				Detail: fmt.Sprintf("rule %s: matches operand must be a string pattern", ruleID),
			}
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return &contracts.ValidationError{
				Field:  "rules.conditions.value",
				Detail: fmt.Sprintf("rule %s: invalid pattern %q: %v", ruleID, pattern, err),
			}
		}
	}
	return nil
}

func validAction(a contracts.DecisionAction) bool {
	switch a {
	case contracts.ActionAllow, contracts.ActionDeny, contracts.ActionEscalate, contracts.ActionDegrade:
		return true
	}
	return false
}

// normalizeYAML converts yaml.v3's map[string]any trees into the shape
// the JSON Schema validator expects. YAML decodes mapping keys as
// strings already under v3, so only nested values need walking.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
