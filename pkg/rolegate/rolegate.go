// Package rolegate decides whether an agent's trust tier authorizes a
// requested role. The kernel matrix is a fixed pure lookup; a
// context-scoped policy layer and a dual-control override path sit on
// top of it.
package rolegate

import (
	"log/slog"
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// kernelMinTiers is the fixed role-to-minimum-tier matrix. Every role
// level maps to the lowest tier allowed to hold it.
var kernelMinTiers = map[contracts.AgentRole]contracts.TrustTier{
	contracts.RoleListener:            contracts.TierSandbox,
	contracts.RoleResponder:           contracts.TierSandbox,
	contracts.RoleTaskExecutor:        contracts.TierProvisional,
	contracts.RoleWorkflowManager:     contracts.TierStandard,
	contracts.RoleDomainExpert:        contracts.TierTrusted,
	contracts.RoleResourceController:  contracts.TierCertified,
	contracts.RoleSystemAdministrator: contracts.TierAutonomous,
	contracts.RoleTrustGovernor:       contracts.TierAutonomous,
	contracts.RoleEcosystemController: contracts.TierAutonomous,
}

// Layer names which enforcement layer produced the binding decision.
type Layer string

const (
	LayerKernel   Layer = "kernel"
	LayerPolicy   Layer = "policy"
	LayerOverride Layer = "override"
)

// MinTierFor returns the kernel's minimum tier for a role. Unknown
// roles require the highest tier.
func MinTierFor(role contracts.AgentRole) contracts.TrustTier {
	if t, ok := kernelMinTiers[role]; ok {
		return t
	}
	return contracts.TierAutonomous
}

// KernelCheck is the pure kernel-matrix lookup: does the tier meet the
// role's minimum. No policy or override layers are consulted.
func KernelCheck(role contracts.AgentRole, tier contracts.TrustTier) bool {
	return tier.Index() >= MinTierFor(role).Index()
}

// Override is a dual-control request authorizing an otherwise-denied
// role/tier combination. Requester and approver must differ and the
// override must not be expired.
type Override struct {
	RequesterID string
	ApproverID  string
	Role        contracts.AgentRole
	Reason      string
	ExpiresAt   time.Time
}

// validate rejects malformed overrides. A malformed override is an
// error surfaced to the caller, never a silent fall-through.
func (o *Override) validate(now time.Time) error {
	if o.RequesterID == "" {
		return &contracts.ValidationError{Field: "override.requesterId", Detail: "requester is required"}
	}
	if o.ApproverID == "" {
		return &contracts.ValidationError{Field: "override.approverId", Detail: "approver is required"}
	}
	if o.RequesterID == o.ApproverID {
		return &contracts.ValidationError{Field: "override.approverId", Detail: "approver must differ from requester"}
	}
	if _, err := contracts.ParseRole(string(o.Role)); err != nil {
		return &contracts.ValidationError{Field: "override.role", Detail: err.Error()}
	}
	if o.ExpiresAt.IsZero() {
		return &contracts.ValidationError{Field: "override.expiresAt", Detail: "expiry is required"}
	}
	if !o.ExpiresAt.After(now) {
		return &contracts.ValidationError{Field: "override.expiresAt", Detail: "override has expired"}
	}
	return nil
}

// ContextPolicy narrows the kernel matrix for one deployment context.
// A nil AllowedRoles list means no policy restriction.
type ContextPolicy struct {
	ContextID    string
	AllowedRoles []contracts.AgentRole
	// EscalateOnDenied routes policy denials to human review instead
	// of flat denial.
	EscalateOnDenied bool
}

func (p *ContextPolicy) allows(role contracts.AgentRole) bool {
	if p == nil || p.AllowedRoles == nil {
		return true
	}
	for _, r := range p.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Evaluation is the full role-gate outcome with the layer that bound.
type Evaluation struct {
	Action       contracts.DecisionAction
	Layer        Layer
	Role         contracts.AgentRole
	Tier         contracts.TrustTier
	RequiredTier contracts.TrustTier
	Reason       string
}

// Gate evaluates roles against the kernel matrix, a context policy and
// optional dual-control overrides.
type Gate struct {
	policy *ContextPolicy
	logger *slog.Logger
	clock  func() time.Time
}

// NewGate builds a gate with an optional context policy.
func NewGate(policy *ContextPolicy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{policy: policy, logger: logger, clock: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Evaluate runs the layered check. Kernel denial can be overridden by
// a valid dual-control override; policy denial either escalates or
// denies per the context policy.
func (g *Gate) Evaluate(role contracts.AgentRole, tier contracts.TrustTier, override *Override) (*Evaluation, error) {
	if _, err := contracts.ParseRole(string(role)); err != nil {
		return nil, &contracts.ValidationError{Field: "role", Detail: err.Error()}
	}
	required := MinTierFor(role)
	eval := &Evaluation{
		Role:         role,
		Tier:         tier,
		RequiredTier: required,
	}

	if override != nil {
		if err := override.validate(g.clock()); err != nil {
			return nil, err
		}
		if override.Role != role {
			return nil, &contracts.ValidationError{Field: "override.role", Detail: "override names a different role"}
		}
	}

	if !KernelCheck(role, tier) {
		if override != nil {
			eval.Action = contracts.ActionAllow
			eval.Layer = LayerOverride
			eval.Reason = "dual-control override by " + override.ApproverID
			g.logger.Info("role gate override applied",
				"role", string(role), "tier", string(tier),
				"requester", override.RequesterID, "approver", override.ApproverID)
			return eval, nil
		}
		eval.Action = contracts.ActionDeny
		eval.Layer = LayerKernel
		eval.Reason = "tier " + string(tier) + " below minimum " + string(required) + " for role " + role.Label()
		return eval, nil
	}

	if !g.policy.allows(role) {
		eval.Layer = LayerPolicy
		if g.policy.EscalateOnDenied {
			eval.Action = contracts.ActionEscalate
			eval.Reason = "role " + role.Label() + " requires review in this context"
		} else {
			eval.Action = contracts.ActionDeny
			eval.Reason = "role " + role.Label() + " not allowed in this context"
		}
		return eval, nil
	}

	eval.Action = contracts.ActionAllow
	eval.Layer = LayerKernel
	eval.Reason = "tier meets role minimum"
	return eval, nil
}
