package ceiling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/store"
)

// Clamp is the outcome of one ceiling enforcement.
type Clamp struct {
	AgentID        string
	RawScore       float64
	EffectiveScore float64
	RawTier        contracts.TrustTier
	EffectiveTier  contracts.TrustTier
	CeilingTier    contracts.TrustTier
	Source         string
	Framework      RegulatoryFramework
	Anomalous      bool
}

// Clamped reports whether the ceiling actually reduced the score.
func (c *Clamp) Clamped() bool {
	return c.EffectiveScore < c.RawScore
}

// Enforcer computes effective ceilings from the context hierarchy and
// records every clamp in the durable audit trail.
type Enforcer struct {
	deployment *DeploymentContext
	org        *OrgContext
	store      *store.Store
	logger     *slog.Logger
	clock      func() time.Time
}

// NewEnforcer builds an enforcer bound to the deployment context.
func NewEnforcer(deployment *DeploymentContext, org *OrgContext, st *store.Store, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		deployment: deployment,
		org:        org,
		store:      st,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// Apply clamps a raw score to the effective ceiling and writes the
// audit entry. Missing deployment context fails closed to the lowest
// tier instead of passing the raw score through.
func (e *Enforcer) Apply(ctx context.Context, rawScore float64, agent *AgentContext, op *OperationContext) (*Clamp, error) {
	rawScore = contracts.ClampScore(rawScore)
	clamp := &Clamp{
		RawScore: rawScore,
		RawTier:  contracts.TierFromScore(rawScore),
	}
	if agent != nil {
		clamp.AgentID = agent.AgentID
	}
	if op != nil {
		clamp.Anomalous = op.Anomalous
	}

	if e.deployment == nil || agent == nil {
		clamp.CeilingTier = contracts.TierSandbox
		clamp.Source = "missing_context"
		clamp.Framework = FrameworkNone
		if e.deployment != nil {
			clamp.Framework = e.deployment.Framework
		}
	} else {
		clamp.Framework = e.deployment.Framework
		clamp.CeilingTier, clamp.Source = e.effectiveCeiling(agent, op)
	}

	ceilingMax := tierUpperScore(clamp.CeilingTier)
	clamp.EffectiveScore = rawScore
	if clamp.EffectiveScore > ceilingMax {
		clamp.EffectiveScore = ceilingMax
	}
	clamp.EffectiveTier = contracts.TierFromScore(clamp.EffectiveScore)

	if err := e.audit(ctx, clamp); err != nil {
		return nil, err
	}
	if clamp.Clamped() {
		e.logger.Info("score clamped to ceiling",
			"agent_id", clamp.AgentID,
			"raw_score", clamp.RawScore,
			"effective_score", clamp.EffectiveScore,
			"source", clamp.Source,
			"framework", string(clamp.Framework))
	}
	return clamp, nil
}

// effectiveCeiling takes the minimum tier across the hierarchy and
// names the level that produced the binding bound.
func (e *Enforcer) effectiveCeiling(agent *AgentContext, op *OperationContext) (contracts.TrustTier, string) {
	tier := MaxTier(e.deployment.Framework)
	source := "regulatory"

	consider := func(t contracts.TrustTier, name string) {
		if t != "" && t.Index() >= 0 && t.Index() < tier.Index() {
			tier, source = t, name
		}
	}
	consider(e.deployment.MaxTier, "deployment")
	if e.org != nil {
		consider(e.org.MaxTier(), "organization")
	}
	consider(agent.MaxTier, "agent")
	if op != nil {
		consider(op.MaxTier, "operation")
	}
	return tier, source
}

func (e *Enforcer) audit(ctx context.Context, clamp *Clamp) error {
	now := e.clock().UTC()
	status := "compliant"
	if clamp.Clamped() {
		status = "clamped"
	}
	row := &store.CeilingAuditRow{
		ID:               uuid.NewString(),
		AgentID:          clamp.AgentID,
		RawScore:         clamp.RawScore,
		EffectiveScore:   clamp.EffectiveScore,
		CeilingSource:    clamp.Source,
		Framework:        string(clamp.Framework),
		ComplianceStatus: status,
		Anomalous:        clamp.Anomalous,
		RetentionUntil:   now.Add(Retention(clamp.Framework, clamp.Anomalous)),
		CreatedAt:        now,
	}
	if err := e.store.InsertCeilingAudit(ctx, row); err != nil {
		return fmt.Errorf("ceiling audit: %w", err)
	}
	return nil
}

// tierUpperScore returns the highest score that still derives the
// given tier, so clamping to a tier preserves tier derivation.
func tierUpperScore(t contracts.TrustTier) float64 {
	switch t {
	case contracts.TierSandbox:
		return 99
	case contracts.TierProvisional:
		return 299
	case contracts.TierStandard:
		return 499
	case contracts.TierTrusted:
		return 699
	case contracts.TierCertified:
		return 899
	default:
		return contracts.MaxScore
	}
}
