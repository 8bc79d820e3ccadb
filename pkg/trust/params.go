package trust

import (
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// Params are the numeric knobs of the scoring engine. Defaults follow
// the 7-day half-life model; the 182-day profile is a deployment choice,
// not a second hard-coded table.
type Params struct {
	// HalfLife controls exponential score decay.
	HalfLife time.Duration

	// FailureAmplification multiplies negative deltas. Failures must
	// cost strictly more than equivalent successes help.
	FailureAmplification float64

	// Baseline is the starting base score for an entity's first signal.
	Baseline float64

	// SwingWindow / SwingCount / SwingMagnitude drive gaming detection:
	// an alert is raised when at least SwingCount score changes whose
	// absolute values sum past SwingMagnitude occur within SwingWindow.
	SwingWindow    time.Duration
	SwingCount     int
	SwingMagnitude float64

	// MaxRetries bounds the internal retry loop on write conflicts.
	MaxRetries int
}

// DefaultParams returns the authoritative reference configuration.
func DefaultParams() Params {
	return Params{
		HalfLife:             7 * 24 * time.Hour,
		FailureAmplification: 3.0,
		Baseline:             100,
		SwingWindow:          time.Hour,
		SwingCount:           6,
		SwingMagnitude:       400,
		MaxRetries:           5,
	}
}

// baseDeltas maps signal outcomes to base score deltas before weighting
// and failure amplification. Success deltas scale with the risk carried
// by the completed action; failure deltas with severity. Policy
// violations and security incidents sit at the extreme end.
var baseDeltas = map[contracts.SignalType]float64{
	contracts.SignalSuccessLow:       +5,
	contracts.SignalSuccessMedium:    +15,
	contracts.SignalSuccessHigh:      +30,
	contracts.SignalSuccessCritical:  +50,
	contracts.SignalFailureMinor:     -10,
	contracts.SignalFailureModerate:  -40,
	contracts.SignalFailureSevere:    -120,
	contracts.SignalPolicyViolation:  -250,
	contracts.SignalSecurityIncident: -500,
}

// transitionGate is the evidence required to enter a tier. A single
// lucky signal cannot skip tiers: promotions move one band at a time
// and only when the gate is met.
type transitionGate struct {
	MinActions     int64
	MinSuccessRate float64
}

var transitionGates = map[contracts.TrustTier]transitionGate{
	contracts.TierProvisional: {MinActions: 10, MinSuccessRate: 1.0},
	contracts.TierStandard:    {MinActions: 50, MinSuccessRate: 0.98},
	contracts.TierTrusted:     {MinActions: 200, MinSuccessRate: 0.99},
	contracts.TierCertified:   {MinActions: 500, MinSuccessRate: 0.995},
	contracts.TierAutonomous:  {MinActions: 1000, MinSuccessRate: 0.999},
}
