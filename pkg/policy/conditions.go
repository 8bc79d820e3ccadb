package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// fieldValue resolves a dotted field path against the evaluation
// context. Top-level names address intent/trust fields; "context.x"
// addresses the intent's opaque context bag.
func fieldValue(ec *EvaluationContext, field string) (any, bool) {
	switch field {
	case "intent_type":
		return ec.IntentType, true
	case "entity_id":
		return ec.EntityID, true
	case "entity_type":
		return ec.EntityType, true
	case "goal":
		return ec.Goal, true
	case "trust_score":
		return ec.TrustScore, true
	case "trust_tier":
		return string(ec.TrustTier), true
	case "risk_score":
		return ec.RiskScore, true
	}
	if name, ok := strings.CutPrefix(field, "context."); ok {
		v, present := ec.Context[name]
		return v, present
	}
	return nil, false
}

// evalCondition is the total matcher for one condition expression.
// Operators were validated at namespace load, so an unknown operator
// here indicates a programming error and evaluates to an error, not a
// silent pass.
func evalCondition(ec *EvaluationContext, cond *ConditionExpression) (bool, error) {
	value, present := fieldValue(ec, cond.Field)

	switch cond.Operator {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}
	if !present {
		// Absent fields fail every positive test and pass the negated
		// membership/equality tests.
		switch cond.Operator {
		case OpNotEquals, OpNotIn, OpNotContains:
			return true, nil
		default:
			return false, nil
		}
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(value, cond.Value), nil
	case OpNotEquals:
		return !looseEqual(value, cond.Value), nil
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterThanOrEqual:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn, OpNotIn:
		member := memberOf(value, cond.Value)
		if cond.Operator == OpIn {
			return member, nil
		}
		return !member, nil
	case OpContains, OpNotContains:
		has := containsValue(value, cond.Value)
		if cond.Operator == OpContains {
			return has, nil
		}
		return !has, nil
	case OpMatches:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches operand must be a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(fmt.Sprint(value)), nil
	}
	return false, fmt.Errorf("unknown operator %q", cond.Operator)
}

// looseEqual compares scalars across JSON/YAML numeric representations.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// memberOf tests value ∈ operand where operand is a list.
func memberOf(value, operand any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}

// containsValue tests operand ∈ value where value is a list or a
// substring of a string value.
func containsValue(value, operand any) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if looseEqual(item, operand) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if looseEqual(item, operand) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, fmt.Sprint(operand))
	}
	return false
}
