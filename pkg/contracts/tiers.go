// Package contracts defines the shared data contracts of the CogniGate
// governance runtime: trust tiers, agent roles, intents, decisions,
// proof records, and escalations. All pipeline packages depend on these
// types; none of them carry behavior beyond validation and derivation.
package contracts

import "fmt"

// TrustTier is one of six discrete capability bands derived from a
// trust score. Codes T0..T5 are stable wire values; labels are the
// human-readable band names.
type TrustTier string

const (
	TierSandbox     TrustTier = "T0" // [0,100)
	TierProvisional TrustTier = "T1" // [100,300)
	TierStandard    TrustTier = "T2" // [300,500)
	TierTrusted     TrustTier = "T3" // [500,700)
	TierCertified   TrustTier = "T4" // [700,900)
	TierAutonomous  TrustTier = "T5" // [900,1000]
)

// AllTiers lists tiers in ascending order of capability.
var AllTiers = []TrustTier{
	TierSandbox,
	TierProvisional,
	TierStandard,
	TierTrusted,
	TierCertified,
	TierAutonomous,
}

var tierLabels = map[TrustTier]string{
	TierSandbox:     "Sandbox",
	TierProvisional: "Provisional",
	TierStandard:    "Standard",
	TierTrusted:     "Trusted",
	TierCertified:   "Certified",
	TierAutonomous:  "Autonomous",
}

// Label returns the human-readable band name.
func (t TrustTier) Label() string {
	if l, ok := tierLabels[t]; ok {
		return l
	}
	return "Unknown"
}

// Index returns the ordinal position of the tier (0 for T0), or -1.
func (t TrustTier) Index() int {
	for i, tier := range AllTiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// MinScore / MaxScore bounds of the trust score range.
const (
	MinScore = 0.0
	MaxScore = 1000.0
)

// TierFromScore maps a clamped trust score to its band. Bands have an
// inclusive lower bound; 1000 belongs to T5.
func TierFromScore(score float64) TrustTier {
	switch {
	case score < 100:
		return TierSandbox
	case score < 300:
		return TierProvisional
	case score < 500:
		return TierStandard
	case score < 700:
		return TierTrusted
	case score < 900:
		return TierCertified
	default:
		return TierAutonomous
	}
}

// ClampScore bounds a raw score to [MinScore, MaxScore].
func ClampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ParseTier validates a wire-format tier code.
func ParseTier(s string) (TrustTier, error) {
	t := TrustTier(s)
	if _, ok := tierLabels[t]; !ok {
		return "", fmt.Errorf("unknown trust tier %q", s)
	}
	return t, nil
}
