// Package ceiling bounds effective authority regardless of raw trust
// score. It clamps scores to the tightest applicable ceiling from the
// regulatory framework and the deployment context hierarchy, and keeps
// a compliance-grade audit trail of every clamp.
package ceiling

import (
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// RegulatoryFramework identifies the compliance regime a deployment
// operates under.
type RegulatoryFramework string

const (
	FrameworkNone     RegulatoryFramework = "none"
	FrameworkHIPAA    RegulatoryFramework = "hipaa"
	FrameworkGDPR     RegulatoryFramework = "gdpr"
	FrameworkEUAIAct  RegulatoryFramework = "eu_ai_act"
	FrameworkSOC2     RegulatoryFramework = "soc2"
	FrameworkISO42001 RegulatoryFramework = "iso_42001"
)

const day = 24 * time.Hour

// retentionPeriods drives how long ceiling audit entries must be kept
// under each framework.
var retentionPeriods = map[RegulatoryFramework]time.Duration{
	FrameworkNone:     30 * day,
	FrameworkHIPAA:    6 * 365 * day,
	FrameworkGDPR:     365 * day,
	FrameworkEUAIAct:  10 * 365 * day,
	FrameworkSOC2:     365 * day,
	FrameworkISO42001: 3 * 365 * day,
}

// AnomalyRetentionFloor is the minimum retention for anomalous events,
// applied even under frameworks with shorter baseline retention.
const AnomalyRetentionFloor = 365 * day

// frameworkMaxTiers caps the autonomy a deployment may grant under
// each regime. Stricter regimes cap lower.
var frameworkMaxTiers = map[RegulatoryFramework]contracts.TrustTier{
	FrameworkNone:     contracts.TierAutonomous,
	FrameworkSOC2:     contracts.TierCertified,
	FrameworkISO42001: contracts.TierCertified,
	FrameworkGDPR:     contracts.TierTrusted,
	FrameworkHIPAA:    contracts.TierTrusted,
	FrameworkEUAIAct:  contracts.TierStandard,
}

// ValidFramework reports whether f is a known framework.
func ValidFramework(f RegulatoryFramework) bool {
	_, ok := retentionPeriods[f]
	return ok
}

// Retention returns the audit retention period for a framework,
// raised to the anomaly floor when the event is anomalous. Unknown
// frameworks fall back to the strictest known retention.
func Retention(f RegulatoryFramework, anomalous bool) time.Duration {
	period, ok := retentionPeriods[f]
	if !ok {
		period = retentionPeriods[FrameworkEUAIAct]
	}
	if anomalous && period < AnomalyRetentionFloor {
		period = AnomalyRetentionFloor
	}
	return period
}

// MaxTier returns the highest tier permitted under a framework.
// Unknown frameworks fail closed to the lowest tier.
func MaxTier(f RegulatoryFramework) contracts.TrustTier {
	tier, ok := frameworkMaxTiers[f]
	if !ok {
		return contracts.TierSandbox
	}
	return tier
}
