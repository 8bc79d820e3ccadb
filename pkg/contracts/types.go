package contracts

import (
	"encoding/json"
	"time"
)

// CreationType records how an agent entity came to exist. The derived
// provenance modifier is applied additively to the raw trust score
// exactly once at score-computation time.
type CreationType string

const (
	CreationFresh    CreationType = "FRESH"
	CreationCloned   CreationType = "CLONED"
	CreationEvolved  CreationType = "EVOLVED"
	CreationPromoted CreationType = "PROMOTED"
	CreationImported CreationType = "IMPORTED"
)

// DecisionAction is the final outcome of policy evaluation.
type DecisionAction string

const (
	ActionAllow    DecisionAction = "ALLOW"
	ActionDeny     DecisionAction = "DENY"
	ActionEscalate DecisionAction = "ESCALATE"
	ActionDegrade  DecisionAction = "DEGRADE"
)

// IntentStatus tracks the lifecycle of an intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentEvaluating IntentStatus = "evaluating"
	IntentApproved   IntentStatus = "approved"
	IntentDenied     IntentStatus = "denied"
	IntentEscalated  IntentStatus = "escalated"
	IntentExecuting  IntentStatus = "executing"
	IntentCompleted  IntentStatus = "completed"
	IntentFailed     IntentStatus = "failed"
	IntentCancelled  IntentStatus = "cancelled"
)

// Intent is a structured action proposal. The runtime never executes
// the action itself; it decides whether the action may proceed.
type Intent struct {
	ID             string         `json:"id"`
	EntityID       string         `json:"entity_id"`
	Goal           string         `json:"goal"`
	IntentType     string         `json:"intent_type,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	ReasoningTrace string         `json:"reasoning_trace,omitempty"`
	Status         IntentStatus   `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SignalType categorizes a behavioral observation.
type SignalType string

const (
	SignalSuccessLow       SignalType = "success_low_risk"
	SignalSuccessMedium    SignalType = "success_medium_risk"
	SignalSuccessHigh      SignalType = "success_high_risk"
	SignalSuccessCritical  SignalType = "success_critical_risk"
	SignalFailureMinor     SignalType = "failure_minor"
	SignalFailureModerate  SignalType = "failure_moderate"
	SignalFailureSevere    SignalType = "failure_severe"
	SignalPolicyViolation  SignalType = "policy_violation"
	SignalSecurityIncident SignalType = "security_incident"
)

// TrustSignal is an immutable behavioral observation. Value must lie
// in [0,1]; signals with out-of-range values are rejected before any
// state change.
type TrustSignal struct {
	ID        string     `json:"id"`
	EntityID  string     `json:"entity_id"`
	Type      SignalType `json:"type"`
	Value     float64    `json:"value"`
	Weight    float64    `json:"weight"`
	Source    string     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
}

// ComponentScores are the sub-scores of a trust record, each in [0,1].
type ComponentScores struct {
	Behavioral float64 `json:"behavioral"`
	Compliance float64 `json:"compliance"`
	Identity   float64 `json:"identity"`
	Context    float64 `json:"context"`
}

// TrustRecord is the per-entity reputation state. Mutated only by the
// trust scoring engine, never by policy or proof code.
type TrustRecord struct {
	EntityID         string          `json:"entity_id"`
	Score            float64         `json:"score"`
	Tier             TrustTier       `json:"tier"`
	Components       ComponentScores `json:"components"`
	SignalCount      int64           `json:"signal_count"`
	SuccessCount     int64           `json:"success_count"`
	LastCalculatedAt time.Time       `json:"last_calculated_at"`
	Version          int64           `json:"version"`
}

// TrustHistory is an immutable snapshot taken on every materially
// significant score change.
type TrustHistory struct {
	ID            string    `json:"id"`
	EntityID      string    `json:"entity_id"`
	PreviousScore float64   `json:"previous_score"`
	Score         float64   `json:"score"`
	PreviousTier  TrustTier `json:"previous_tier"`
	Tier          TrustTier `json:"tier"`
	SignalID      string    `json:"signal_id,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// RuleHit records one rule that fired during evaluation.
type RuleHit struct {
	RuleID   string         `json:"rule_id"`
	Priority int            `json:"priority"`
	Action   DecisionAction `json:"action"`
	Reason   string         `json:"reason"`
}

// Decision is the immutable output of policy evaluation for one intent.
type Decision struct {
	Action     DecisionAction `json:"action"`
	Reasons    []string       `json:"reasons"`
	TrustDelta float64        `json:"trust_delta"`
	RuleHits   []RuleHit      `json:"rule_hits,omitempty"`
}

// Proof is an immutable, ordered record in the proof chain.
// Hash is a pure function of every other field except Signature;
// PreviousHash links to the preceding record.
type Proof struct {
	ID            string          `json:"id"`
	ChainPosition uint64          `json:"chain_position"`
	IntentID      string          `json:"intent_id"`
	EntityID      string          `json:"entity_id"`
	ActionType    string          `json:"action_type"`
	Decision      DecisionAction  `json:"decision"`
	Reasons       []string        `json:"reasons,omitempty"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	InputsHash    string          `json:"inputs_hash"`
	OutputsHash   string          `json:"outputs_hash"`
	PreviousHash  string          `json:"previous_hash"`
	Hash          string          `json:"hash"`
	Signature     string          `json:"signature"`
	PublicKey     string          `json:"public_key"`
	Algorithm     string          `json:"algorithm"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EscalationStatus tracks a pending human review.
type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationApproved     EscalationStatus = "approved"
	EscalationRejected     EscalationStatus = "rejected"
	EscalationTimeout      EscalationStatus = "timeout"
	EscalationCancelled    EscalationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EscalationStatus) Terminal() bool {
	switch s {
	case EscalationApproved, EscalationRejected, EscalationTimeout, EscalationCancelled:
		return true
	}
	return false
}

// Escalation is a durable human-review task with a hard deadline.
type Escalation struct {
	ID                   string           `json:"id"`
	IntentID             string           `json:"intent_id"`
	EntityID             string           `json:"entity_id"`
	RuleID               string           `json:"rule_id"`
	RequesterID          string           `json:"requester_id,omitempty"`
	Status               EscalationStatus `json:"status"`
	Priority             string           `json:"priority"`
	EscalatedTo          string           `json:"escalated_to"`
	RequireJustification bool             `json:"require_justification"`
	AutoDenyOnTimeout    bool             `json:"auto_deny_on_timeout"`
	TimeoutAt            time.Time        `json:"timeout_at"`
	ResolvedBy           string           `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
	Resolution           string           `json:"resolution,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// EscalationAudit is one immutable entry in the escalation transition log.
type EscalationAudit struct {
	ID             string           `json:"id"`
	EscalationID   string           `json:"escalation_id"`
	Actor          string           `json:"actor"`
	PreviousStatus EscalationStatus `json:"previous_status"`
	NewStatus      EscalationStatus `json:"new_status"`
	Notes          string           `json:"notes,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
