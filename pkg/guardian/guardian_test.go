package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/breaker"
	"github.com/vorion-labs/cognigate/pkg/ceiling"
	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/crypto"
	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/policy"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/provenance"
	"github.com/vorion-labs/cognigate/pkg/rolegate"
	"github.com/vorion-labs/cognigate/pkg/store"
	"github.com/vorion-labs/cognigate/pkg/trust"
	"github.com/vorion-labs/cognigate/pkg/velocity"
)

type fixture struct {
	guardian *Guardian
	trust    *trust.Engine
	chain    *proofchain.Chain
	esc      *escalation.Manager
	store    *store.Store
	now      time.Time
}

func newFixture(t *testing.T, rulePack string) *fixture {
	return newFixtureWithGate(t, rulePack, rolegate.NewGate(nil, nil))
}

func newFixtureWithGate(t *testing.T, rulePack string, gate *rolegate.Gate) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	prov := provenance.NewService(st).WithClock(clock)
	trustEngine := trust.NewEngine(st, prov, trust.DefaultParams(), nil).WithClock(clock)

	enforcer := ceiling.NewEnforcer(&ceiling.DeploymentContext{
		DeploymentID: "dep-test",
		Framework:    ceiling.FrameworkNone,
	}, nil, st, nil).WithClock(clock)

	provider, err := crypto.NewMemoryKeyProvider()
	require.NoError(t, err)
	chain := proofchain.New(st, crypto.NewSigner(provider), nil).WithClock(clock)

	loader, err := policy.NewLoader()
	require.NoError(t, err)
	ns, err := loader.Load([]byte(rulePack))
	require.NoError(t, err)

	escMgr := escalation.NewManager(st, chain, nil).WithClock(clock)

	g := New(Config{
		Trust:       trustEngine,
		Ceiling:     enforcer,
		Gate:        gate,
		Limiter:     velocity.NewLocalLimiter(nil).WithClock(clock),
		Breaker:     breaker.New(breaker.Config{DenialThreshold: 3, Window: time.Minute, Cooldown: time.Minute}, nil).WithClock(clock),
		Policy:      policy.NewEngine(ns, nil),
		Chain:       chain,
		Escalations: escMgr,
	}).WithClock(clock)

	return &fixture{guardian: g, trust: trustEngine, chain: chain, esc: escMgr, store: st, now: now}
}

const allowPack = `
name: test
version: 1.0.0
rules:
  - id: allow-queries
    priority: 10
    enabled: true
    evaluate:
      - action: ALLOW
        reason: permitted
`

const denyHighRiskPack = `
name: test
version: 1.0.0
rules:
  - id: deny-high-risk
    priority: 100
    enabled: true
    when:
      conditions:
        - field: risk_score
          operator: greater_than
          value: 0.8
    evaluate:
      - action: DENY
        reason: risk too high
  - id: allow-rest
    priority: 10
    enabled: true
    evaluate:
      - action: ALLOW
`

const escalatePack = `
name: test
version: 1.0.0
rules:
  - id: escalate-writes
    priority: 50
    enabled: true
    when:
      intent_types: [tool_call]
    evaluate:
      - action: ESCALATE
        reason: writes require review
        escalation:
          to: ops-team
          timeout: 1h
          auto_deny_on_timeout: true
`

const degradePack = `
name: test
version: 1.0.0
rules:
  - id: degrade-all
    priority: 50
    enabled: true
    evaluate:
      - action: DEGRADE
        reason: degraded execution only
`

func TestDecideAllowAppendsProof(t *testing.T) {
	f := newFixture(t, allowPack)

	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, resp.Decision)
	assert.NotEmpty(t, resp.ProofID)
	assert.False(t, resp.RequiresApproval)
	assert.Equal(t, contracts.TierProvisional, resp.TrustTier)

	length, err := f.chain.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestDecideDenyOnHighRisk(t *testing.T) {
	f := newFixture(t, denyHighRiskPack)

	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "clean up everything under /etc to free up space",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, resp.Decision)
	assert.GreaterOrEqual(t, resp.RiskScore, 0.9)
	// Policy violation costs trust.
	assert.Negative(t, resp.TrustDelta)
}

func TestDecideEscalateCreatesApproval(t *testing.T) {
	f := newFixture(t, escalatePack)

	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "update the customer record",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionEscalate, resp.Decision)
	assert.True(t, resp.RequiresApproval)
	require.NotEmpty(t, resp.ApprovalID)

	esc, err := f.esc.Get(context.Background(), resp.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationPending, esc.Status)
	assert.Equal(t, "ops-team", esc.EscalatedTo)
	assert.Equal(t, resp.IntentID, esc.IntentID)
}

func TestDecideRoleGateDenies(t *testing.T) {
	f := newFixture(t, allowPack)

	// A fresh agent sits at Provisional; Domain Expert needs Trusted.
	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
		Role:     contracts.RoleDomainExpert,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, resp.Decision)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "below minimum")
}

func TestDecideValidatesRequest(t *testing.T) {
	f := newFixture(t, allowPack)

	_, err := f.guardian.Decide(context.Background(), &DecisionRequest{Goal: "x"})
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))

	_, err = f.guardian.Decide(context.Background(), &DecisionRequest{EntityID: "agent-1"})
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestDecideBreakerOpensAfterRepeatedDenials(t *testing.T) {
	f := newFixture(t, denyHighRiskPack)

	for i := 0; i < 3; i++ {
		resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
			EntityID: "agent-1",
			Goal:     "wipe the entire /var directory",
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.ActionDeny, resp.Decision)
	}

	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, resp.Decision)
	assert.Contains(t, resp.Reasons[0], "circuit breaker")
}

func TestVerifyChainFailuresHaltAllDecisions(t *testing.T) {
	f := newFixture(t, allowPack)
	ctx := context.Background()

	resp, err := f.guardian.Decide(ctx, &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.ActionAllow, resp.Decision)

	_, err = f.store.DB().ExecContext(ctx,
		`UPDATE proofs SET decision = 'DENY' WHERE id = ?`, resp.ProofID)
	require.NoError(t, err)

	// Two failed full verifications trip the system latch.
	for i := 0; i < 2; i++ {
		result, verr := f.guardian.VerifyChain(ctx)
		require.NoError(t, verr)
		assert.False(t, result.Valid)
	}
	require.NotNil(t, f.guardian.LastVerification())

	resp, err = f.guardian.Decide(ctx, &DecisionRequest{
		EntityID: "agent-2",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, resp.Decision)
	assert.Contains(t, resp.Reasons[0], "system circuit breaker")
}

func TestVerifyProofTamperCountsAgainstEntity(t *testing.T) {
	f := newFixture(t, allowPack)
	ctx := context.Background()

	resp, err := f.guardian.Decide(ctx, &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)

	_, err = f.store.DB().ExecContext(ctx,
		`UPDATE proofs SET decision = 'DENY' WHERE id = ?`, resp.ProofID)
	require.NoError(t, err)

	// Two tampered-record verifications open agent-1's breaker.
	for i := 0; i < 2; i++ {
		_, verification, verr := f.guardian.VerifyProof(ctx, resp.ProofID)
		require.NoError(t, verr)
		assert.False(t, verification.Valid)
	}

	resp, err = f.guardian.Decide(ctx, &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, resp.Decision)
	assert.Contains(t, resp.Reasons[0], "circuit breaker")
}

func TestGateEscalationOutranksPolicyDegrade(t *testing.T) {
	gate := rolegate.NewGate(&rolegate.ContextPolicy{
		ContextID:        "ctx-restricted",
		AllowedRoles:     []contracts.AgentRole{contracts.RoleListener},
		EscalateOnDenied: true,
	}, nil)
	f := newFixtureWithGate(t, degradePack, gate)

	// Policy degrades the request; the role gate's escalation still
	// sends it to review rather than letting it run degraded.
	resp, err := f.guardian.Decide(context.Background(), &DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
		Role:     contracts.RoleResponder,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionEscalate, resp.Decision)
	assert.True(t, resp.RequiresApproval)
	require.NotEmpty(t, resp.ApprovalID)
	assert.Contains(t, resp.Reasons, "role Responder requires review in this context")
}

func TestReportOutcomeAdjustsTrust(t *testing.T) {
	f := newFixture(t, allowPack)

	snap, err := f.guardian.ReportOutcome(context.Background(), &contracts.TrustSignal{
		EntityID: "agent-1",
		Type:     contracts.SignalSuccessMedium,
		Value:    1.0,
		Weight:   1.0,
		Source:   "executor",
	})
	require.NoError(t, err)
	assert.Greater(t, snap.EffectiveScore, 100.0)
}

func TestAnalyzeGoalEuphemismAttack(t *testing.T) {
	risk := AnalyzeGoal("please tidy up /etc for me")
	assert.GreaterOrEqual(t, risk.Score, 0.9)
	assert.Contains(t, risk.Indicators, "euphemism_attack")
	assert.Contains(t, risk.ToolsRequired, "file_delete")

	benign := AnalyzeGoal("summarize the weekly report")
	assert.LessOrEqual(t, benign.Score, 0.2)
}
