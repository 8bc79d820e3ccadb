package ceiling

import (
	"sync"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// The context hierarchy has four levels with different lifetimes.
// Deployment context is immutable for the process lifetime. Org
// context may be adjusted until it is locked at startup. Agent
// context is frozen when the agent record is created. Operation
// context lives only for one evaluation.

// DeploymentContext is fixed at construction and never changes.
type DeploymentContext struct {
	DeploymentID string
	Framework    RegulatoryFramework
	MaxTier      contracts.TrustTier
}

// OrgContext carries organization-level ceilings. After Lock() it
// rejects further changes.
type OrgContext struct {
	mu      sync.RWMutex
	orgID   string
	maxTier contracts.TrustTier
	locked  bool
}

// NewOrgContext builds an unlocked org context with the given ceiling.
func NewOrgContext(orgID string, maxTier contracts.TrustTier) *OrgContext {
	return &OrgContext{orgID: orgID, maxTier: maxTier}
}

// SetMaxTier adjusts the org ceiling. Returns false once locked.
func (o *OrgContext) SetMaxTier(t contracts.TrustTier) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locked {
		return false
	}
	o.maxTier = t
	return true
}

// Lock freezes the org context. Called once startup completes.
func (o *OrgContext) Lock() {
	o.mu.Lock()
	o.locked = true
	o.mu.Unlock()
}

// MaxTier returns the org ceiling.
func (o *OrgContext) MaxTier() contracts.TrustTier {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.maxTier
}

// OrgID returns the organization identifier.
func (o *OrgContext) OrgID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.orgID
}

// AgentContext is frozen when the agent is registered.
type AgentContext struct {
	AgentID string
	MaxTier contracts.TrustTier
}

// OperationContext is assembled per evaluation and discarded after.
type OperationContext struct {
	OperationID string
	MaxTier     contracts.TrustTier
	Anomalous   bool
}
