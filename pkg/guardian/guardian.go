// Package guardian runs the full decision pipeline for one intent:
// trust lookup, ceiling clamp, role gate, velocity and breaker checks,
// policy evaluation, proof append, and escalation creation. It is the
// only package that sees the whole path; every stage below it is
// independently testable.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/breaker"
	"github.com/vorion-labs/cognigate/pkg/ceiling"
	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/policy"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/rolegate"
	"github.com/vorion-labs/cognigate/pkg/trust"
	"github.com/vorion-labs/cognigate/pkg/velocity"
)

// DecisionRequest is one action proposal submitted for governance.
type DecisionRequest struct {
	EntityID       string              `json:"entityId"`
	Goal           string              `json:"goal"`
	IntentType     string              `json:"intentType,omitempty"`
	EntityType     string              `json:"entityType,omitempty"`
	Role           contracts.AgentRole `json:"role,omitempty"`
	Context        map[string]any      `json:"context,omitempty"`
	ReasoningTrace string              `json:"reasoningTrace,omitempty"`
	Override       *rolegate.Override  `json:"override,omitempty"`
}

// DecisionResponse reports the governance outcome for one intent.
type DecisionResponse struct {
	IntentID         string                   `json:"intentId"`
	Decision         contracts.DecisionAction `json:"decision"`
	Reasons          []string                 `json:"reasons"`
	RiskScore        float64                  `json:"riskScore"`
	TrustDelta       float64                  `json:"trustDelta"`
	NewTrustScore    float64                  `json:"newTrustScore"`
	TrustTier        contracts.TrustTier      `json:"trustTier"`
	RequiresApproval bool                     `json:"requiresApproval"`
	ApprovalID       string                   `json:"approvalId,omitempty"`
	ProofID          string                   `json:"proofId,omitempty"`
	ProcessingTimeMs float64                  `json:"processingTimeMs"`
}

// Guardian wires the pipeline stages together.
type Guardian struct {
	trust       *trust.Engine
	ceiling     *ceiling.Enforcer
	gate        *rolegate.Gate
	limiter     velocity.Limiter
	breaker     *breaker.Breaker
	policy      *policy.Engine
	chain       *proofchain.Chain
	escalations *escalation.Manager
	logger      *slog.Logger
	clock       func() time.Time

	verifyMu         sync.Mutex
	lastVerification *proofchain.ChainVerification
}

// Config carries the assembled pipeline stages.
type Config struct {
	Trust       *trust.Engine
	Ceiling     *ceiling.Enforcer
	Gate        *rolegate.Gate
	Limiter     velocity.Limiter
	Breaker     *breaker.Breaker
	Policy      *policy.Engine
	Chain       *proofchain.Chain
	Escalations *escalation.Manager
	Logger      *slog.Logger
}

// New builds the guardian from its stages.
func New(cfg Config) *Guardian {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{
		trust:       cfg.Trust,
		ceiling:     cfg.Ceiling,
		gate:        cfg.Gate,
		limiter:     cfg.Limiter,
		breaker:     cfg.Breaker,
		policy:      cfg.Policy,
		chain:       cfg.Chain,
		escalations: cfg.Escalations,
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (g *Guardian) WithClock(clock func() time.Time) *Guardian {
	g.clock = clock
	return g
}

// Decide runs the pipeline for one request. Every outcome, including
// breaker and velocity rejections, lands in the proof chain.
func (g *Guardian) Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	started := g.clock()

	if req.EntityID == "" {
		return nil, &contracts.ValidationError{Field: "entityId", Detail: "entity id is required"}
	}
	if req.Goal == "" {
		return nil, &contracts.ValidationError{Field: "goal", Detail: "goal is required"}
	}
	role := req.Role
	if role == "" {
		role = contracts.RoleResponder
	}
	intentType := req.IntentType
	if intentType == "" {
		intentType = "tool_call"
	}
	intentID := uuid.NewString()

	risk := AnalyzeGoal(req.Goal)

	resp := &DecisionResponse{
		IntentID:  intentID,
		RiskScore: risk.Score,
	}

	// Trust lookup with decay and provenance modifier applied.
	snap, err := g.trust.Lookup(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("trust lookup: %w", err)
	}

	// Ceiling clamp before any tier-dependent stage.
	clamp, err := g.ceiling.Apply(ctx, snap.EffectiveScore,
		&ceiling.AgentContext{AgentID: req.EntityID},
		&ceiling.OperationContext{OperationID: intentID, Anomalous: risk.Score >= 0.9})
	if err != nil {
		return nil, fmt.Errorf("ceiling: %w", err)
	}
	resp.NewTrustScore = clamp.EffectiveScore
	resp.TrustTier = clamp.EffectiveTier

	var finalAction contracts.DecisionAction
	var reasons []string
	var escalationCfg *policy.EscalationConfig
	var escalationRule string
	policyDenied := false
	systemHalt := false

	switch {
	case !g.breaker.AllowSystem():
		finalAction = contracts.ActionDeny
		reasons = []string{"system circuit breaker open, all decisions halted"}
		systemHalt = true

	case !g.breaker.Allow(req.EntityID):
		finalAction = contracts.ActionDeny
		reasons = []string{"circuit breaker open for entity"}

	default:
		allowed, lerr := g.limiter.Allow(ctx, req.EntityID, clamp.EffectiveTier, 1)
		if lerr != nil {
			return nil, fmt.Errorf("velocity: %w", lerr)
		}
		if !allowed {
			finalAction = contracts.ActionDeny
			reasons = []string{"velocity limit exceeded for tier " + string(clamp.EffectiveTier)}
			break
		}

		gateEval, gerr := g.gate.Evaluate(role, clamp.EffectiveTier, req.Override)
		if gerr != nil {
			return nil, gerr
		}
		if gateEval.Action == contracts.ActionDeny {
			finalAction = contracts.ActionDeny
			reasons = []string{gateEval.Reason}
			break
		}

		result, perr := g.policy.Evaluate(ctx, &policy.EvaluationContext{
			IntentID:   intentID,
			IntentType: intentType,
			EntityID:   req.EntityID,
			EntityType: req.EntityType,
			Goal:       req.Goal,
			TrustScore: clamp.EffectiveScore,
			TrustTier:  clamp.EffectiveTier,
			RiskScore:  risk.Score,
			Context:    req.Context,
		})
		if perr != nil {
			return nil, fmt.Errorf("policy evaluation: %w", perr)
		}
		finalAction = result.FinalAction
		reasons = result.Reasons
		escalationCfg = result.Escalation
		escalationRule = result.EscalationRule
		policyDenied = finalAction == contracts.ActionDeny && len(result.ViolatedRules) > 0

		// A role gate escalation rides along unless policy already
		// denied or escalated itself. ESCALATE outranks DEGRADE, so a
		// degraded outcome still goes to review.
		if gateEval.Action == contracts.ActionEscalate &&
			(finalAction == contracts.ActionAllow || finalAction == contracts.ActionDegrade) {
			finalAction = contracts.ActionEscalate
			reasons = append(reasons, gateEval.Reason)
		}
	}

	// Policy violations feed the trust engine so repeat offenders lose
	// standing. Breaker and velocity rejections carry no trust penalty.
	if policyDenied {
		snapAfter, serr := g.trust.ApplySignal(ctx, &contracts.TrustSignal{
			EntityID: req.EntityID,
			Type:     contracts.SignalPolicyViolation,
			Value:    risk.Score,
			Weight:   1.0,
			Source:   "guardian",
		})
		if serr != nil {
			g.logger.Error("trust penalty failed", "entity_id", req.EntityID, "error", serr)
		} else {
			resp.TrustDelta = snapAfter.EffectiveScore - clamp.EffectiveScore
			resp.NewTrustScore = snapAfter.EffectiveScore
			resp.TrustTier = snapAfter.Tier
		}
	}

	proof, err := g.chain.Append(ctx, proofchain.Entry{
		IntentID:   intentID,
		EntityID:   req.EntityID,
		ActionType: intentType,
		Decision:   finalAction,
		Reasons:    reasons,
		Inputs: map[string]any{
			"goal":            req.Goal,
			"role":            string(role),
			"context":         req.Context,
			"reasoning_trace": req.ReasoningTrace,
			"risk":            risk,
			"raw_score":       clamp.RawScore,
			"effective_score": clamp.EffectiveScore,
			"ceiling_source":  clamp.Source,
		},
		Outputs: map[string]any{
			"decision":        string(finalAction),
			"trust_delta":     resp.TrustDelta,
			"new_trust_score": resp.NewTrustScore,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("proof append: %w", err)
	}
	resp.ProofID = proof.ID

	if finalAction == contracts.ActionEscalate {
		esc, eerr := g.createEscalation(ctx, intentID, req, escalationCfg, escalationRule, risk.Score)
		if eerr != nil {
			return nil, eerr
		}
		resp.RequiresApproval = true
		resp.ApprovalID = esc.ID
	}

	// A system-halt denial evaluated nothing; it must not feed the
	// failure counters it came from.
	switch {
	case finalAction == contracts.ActionDeny && !systemHalt:
		g.breaker.RecordDenial(req.EntityID)
	case finalAction == contracts.ActionAllow:
		g.breaker.RecordSuccess(req.EntityID)
	}

	resp.Decision = finalAction
	resp.Reasons = reasons
	resp.ProcessingTimeMs = float64(g.clock().Sub(started).Microseconds()) / 1000.0

	g.logger.Info("decision",
		"intent_id", intentID,
		"entity_id", req.EntityID,
		"decision", string(finalAction),
		"risk_score", risk.Score,
		"tier", string(resp.TrustTier),
		"processing_ms", resp.ProcessingTimeMs)
	return resp, nil
}

func (g *Guardian) createEscalation(ctx context.Context, intentID string, req *DecisionRequest, cfg *policy.EscalationConfig, ruleID string, riskScore float64) (*contracts.Escalation, error) {
	createReq := escalation.CreateRequest{
		IntentID:    intentID,
		EntityID:    req.EntityID,
		RuleID:      ruleID,
		RequesterID: req.EntityID,
		Priority:    priorityForRisk(riskScore),
		EscalatedTo: "default-reviewer",
		Timeout:     time.Hour,
	}
	if cfg != nil {
		createReq.EscalatedTo = cfg.To
		createReq.Timeout = cfg.Timeout
		createReq.RequireJustification = cfg.RequireJustification
		createReq.AutoDenyOnTimeout = cfg.AutoDenyOnTimeout
	}
	esc, err := g.escalations.Create(ctx, createReq)
	if err != nil {
		return nil, fmt.Errorf("create escalation: %w", err)
	}
	return esc, nil
}

// VerifyChain walks the full proof chain, retaining the result for
// readiness reporting. A failed verification counts against the system
// breaker: a corrupted ledger halts decisions until it is repaired.
func (g *Guardian) VerifyChain(ctx context.Context) (*proofchain.ChainVerification, error) {
	result, err := g.chain.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	g.verifyMu.Lock()
	g.lastVerification = result
	g.verifyMu.Unlock()
	if !result.Valid {
		g.breaker.RecordChainFailure()
		g.logger.Error("chain verification failed",
			"last_valid_position", result.LastValidPosition,
			"issues", result.Issues)
	}
	return result, nil
}

// LastVerification returns the most recent full-chain verification, or
// nil when none has run yet.
func (g *Guardian) LastVerification() *proofchain.ChainVerification {
	g.verifyMu.Lock()
	defer g.verifyMu.Unlock()
	return g.lastVerification
}

// VerifyProof verifies one record. A record that fails verification is
// an integrity violation attributed to its entity.
func (g *Guardian) VerifyProof(ctx context.Context, id string) (*contracts.Proof, *proofchain.Verification, error) {
	proof, verification, err := g.chain.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !verification.Valid {
		g.breaker.RecordIntegrityViolation(proof.EntityID)
		g.logger.Warn("proof verification failed",
			"proof_id", proof.ID, "entity_id", proof.EntityID, "issues", verification.Issues)
	}
	return proof, verification, nil
}

// ReportOutcome feeds an action outcome back into the trust engine.
// Callers report how an allowed action actually went.
func (g *Guardian) ReportOutcome(ctx context.Context, sig *contracts.TrustSignal) (*trust.Snapshot, error) {
	return g.trust.ApplySignal(ctx, sig)
}

func priorityForRisk(score float64) string {
	switch {
	case score >= 0.8:
		return "critical"
	case score >= 0.5:
		return "high"
	case score >= 0.3:
		return "medium"
	default:
		return "low"
	}
}
