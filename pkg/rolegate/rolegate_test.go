package rolegate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

func TestKernelMatrix(t *testing.T) {
	cases := []struct {
		role contracts.AgentRole
		min  contracts.TrustTier
	}{
		{contracts.RoleListener, contracts.TierSandbox},
		{contracts.RoleResponder, contracts.TierSandbox},
		{contracts.RoleTaskExecutor, contracts.TierProvisional},
		{contracts.RoleWorkflowManager, contracts.TierStandard},
		{contracts.RoleDomainExpert, contracts.TierTrusted},
		{contracts.RoleResourceController, contracts.TierCertified},
		{contracts.RoleSystemAdministrator, contracts.TierAutonomous},
		{contracts.RoleTrustGovernor, contracts.TierAutonomous},
		{contracts.RoleEcosystemController, contracts.TierAutonomous},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.min, MinTierFor(tc.role), "role %s", tc.role)
		assert.True(t, KernelCheck(tc.role, tc.min))
		if tc.min != contracts.TierSandbox {
			below := contracts.AllTiers[tc.min.Index()-1]
			assert.False(t, KernelCheck(tc.role, below), "role %s at %s", tc.role, below)
		}
	}
}

func TestEvaluateKernelDeny(t *testing.T) {
	gate := NewGate(nil, nil)

	eval, err := gate.Evaluate(contracts.RoleDomainExpert, contracts.TierStandard, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, eval.Action)
	assert.Equal(t, LayerKernel, eval.Layer)
	assert.Equal(t, contracts.TierTrusted, eval.RequiredTier)
}

func TestEvaluateKernelAllow(t *testing.T) {
	gate := NewGate(nil, nil)

	eval, err := gate.Evaluate(contracts.RoleTaskExecutor, contracts.TierStandard, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, eval.Action)
	assert.Equal(t, LayerKernel, eval.Layer)
}

func TestEvaluatePolicyAllowList(t *testing.T) {
	policy := &ContextPolicy{
		ContextID:    "ctx-1",
		AllowedRoles: []contracts.AgentRole{contracts.RoleListener, contracts.RoleResponder},
	}
	gate := NewGate(policy, nil)

	eval, err := gate.Evaluate(contracts.RoleTaskExecutor, contracts.TierAutonomous, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, eval.Action)
	assert.Equal(t, LayerPolicy, eval.Layer)

	eval, err = gate.Evaluate(contracts.RoleResponder, contracts.TierAutonomous, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, eval.Action)
}

func TestEvaluatePolicyEscalates(t *testing.T) {
	policy := &ContextPolicy{
		ContextID:        "ctx-1",
		AllowedRoles:     []contracts.AgentRole{contracts.RoleListener},
		EscalateOnDenied: true,
	}
	gate := NewGate(policy, nil)

	eval, err := gate.Evaluate(contracts.RoleTaskExecutor, contracts.TierAutonomous, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionEscalate, eval.Action)
	assert.Equal(t, LayerPolicy, eval.Layer)
}

func TestEvaluateDualControlOverride(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(nil, nil).WithClock(func() time.Time { return now })

	override := &Override{
		RequesterID: "agent-1",
		ApproverID:  "human-ops",
		Role:        contracts.RoleDomainExpert,
		Reason:      "incident response",
		ExpiresAt:   now.Add(time.Hour),
	}
	eval, err := gate.Evaluate(contracts.RoleDomainExpert, contracts.TierStandard, override)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, eval.Action)
	assert.Equal(t, LayerOverride, eval.Layer)
}

func TestEvaluateOverrideRejectsSameApprover(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(nil, nil).WithClock(func() time.Time { return now })

	override := &Override{
		RequesterID: "agent-1",
		ApproverID:  "agent-1",
		Role:        contracts.RoleDomainExpert,
		ExpiresAt:   now.Add(time.Hour),
	}
	_, err := gate.Evaluate(contracts.RoleDomainExpert, contracts.TierStandard, override)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
	assert.Contains(t, err.Error(), "differ")
}

func TestEvaluateOverrideRejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(nil, nil).WithClock(func() time.Time { return now })

	override := &Override{
		RequesterID: "agent-1",
		ApproverID:  "human-ops",
		Role:        contracts.RoleDomainExpert,
		ExpiresAt:   now.Add(-time.Minute),
	}
	_, err := gate.Evaluate(contracts.RoleDomainExpert, contracts.TierStandard, override)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestEvaluateOverrideRejectsRoleMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(nil, nil).WithClock(func() time.Time { return now })

	override := &Override{
		RequesterID: "agent-1",
		ApproverID:  "human-ops",
		Role:        contracts.RoleResourceController,
		ExpiresAt:   now.Add(time.Hour),
	}
	_, err := gate.Evaluate(contracts.RoleDomainExpert, contracts.TierStandard, override)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestEvaluateUnknownRoleRejected(t *testing.T) {
	gate := NewGate(nil, nil)
	_, err := gate.Evaluate(contracts.AgentRole("R_L9"), contracts.TierAutonomous, nil)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}
