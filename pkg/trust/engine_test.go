package trust

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/provenance"
	"github.com/vorion-labs/cognigate/pkg/store"
)

type fixture struct {
	store  *store.Store
	prov   *provenance.Service
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		now:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.prov = provenance.NewService(st).WithClock(func() time.Time { return f.now })
	f.engine = NewEngine(st, f.prov, DefaultParams(), nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func signal(entityID string, typ contracts.SignalType) *contracts.TrustSignal {
	return &contracts.TrustSignal{
		EntityID: entityID,
		Type:     typ,
		Value:    0.8,
		Weight:   1.0,
		Source:   "executor",
	}
}

func TestFirstSignalCreatesBaselineRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessMedium))
	require.NoError(t, err)

	assert.InDelta(t, 115.0, snap.BaseScore, 0.01)
	assert.Equal(t, contracts.TierProvisional, snap.Tier)
	assert.Equal(t, int64(1), snap.Record.SignalCount)

	hist, err := f.engine.History(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "record_created", hist[0].Reason)
}

func TestHalfLifeDecayOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessCritical))
	require.NoError(t, err)
	require.InDelta(t, 150.0, snap.BaseScore, 0.01)

	// One half-life with no signals halves the score.
	f.now = f.now.Add(7 * 24 * time.Hour)
	read, err := f.engine.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 75.0, read.EffectiveScore, 0.01)
	assert.Equal(t, contracts.TierSandbox, read.Tier)
}

func TestFailureAmplification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// -10 base delta, amplified x3.
	snap, err := f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalFailureMinor))
	require.NoError(t, err)
	assert.InDelta(t, 70.0, snap.BaseScore, 0.01)
	assert.Equal(t, contracts.TierSandbox, snap.Tier)
}

func TestDemotionIsImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessHigh))
	require.NoError(t, err)
	require.Equal(t, contracts.TierProvisional, snap.Tier)

	snap, err = f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSecurityIncident))
	require.NoError(t, err)
	assert.Zero(t, snap.BaseScore)
	assert.Equal(t, contracts.TierSandbox, snap.Tier)
}

func TestPromotionRequiresEvidenceGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four critical successes push the raw score past the Standard
	// band, but the T2 gate wants 50 actions. The tier must hold at
	// Provisional until the evidence exists.
	var snap *Snapshot
	var err error
	for i := 0; i < 4; i++ {
		snap, err = f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessCritical))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, snap.EffectiveScore, 300.0)
	assert.Equal(t, contracts.TierProvisional, snap.Tier)

	// With enough clean actions the next signal promotes, one band.
	for i := 0; i < 50; i++ {
		snap, err = f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessLow))
		require.NoError(t, err)
	}
	assert.Equal(t, contracts.TierStandard, snap.Tier)
}

func TestPromotionMovesOneBandPerSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Weight 20 on a critical success jumps the raw score into the
	// Autonomous band in one signal. The tier may rise at most one
	// band from its current position.
	sig := signal("agent-1", contracts.SignalSuccessCritical)
	sig.Weight = 20
	snap, err := f.engine.ApplySignal(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, contracts.MaxScore, snap.BaseScore)
	assert.LessOrEqual(t, snap.Tier.Index(), contracts.TierStandard.Index())
}

func TestClonedProvenanceModifierAppliesOnceAtRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.prov.Create(ctx, "parent-1", contracts.CreationFresh, "")
	require.NoError(t, err)
	_, err = f.prov.Create(ctx, "clone-1", contracts.CreationCloned, "parent-1")
	require.NoError(t, err)

	snap, err := f.engine.ApplySignal(ctx, signal("clone-1", contracts.SignalSuccessLow))
	require.NoError(t, err)
	assert.InDelta(t, 105.0, snap.BaseScore, 0.01)
	assert.InDelta(t, -50.0, snap.Modifier, 0.01)
	assert.InDelta(t, 55.0, snap.EffectiveScore, 0.01)

	// A second signal must not stack the modifier into the base.
	snap, err = f.engine.ApplySignal(ctx, signal("clone-1", contracts.SignalSuccessLow))
	require.NoError(t, err)
	assert.InDelta(t, 110.0, snap.BaseScore, 0.01)
	assert.InDelta(t, 60.0, snap.EffectiveScore, 0.01)
}

func TestLookupUnknownEntityReturnsBaseline(t *testing.T) {
	f := newFixture(t)

	snap, err := f.engine.Lookup(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.EffectiveScore, 0.01)
	assert.Equal(t, contracts.TierProvisional, snap.Tier)
	assert.Equal(t, int64(0), snap.Record.SignalCount)
}

func TestSignalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sig  *contracts.TrustSignal
	}{
		{"nil signal", nil},
		{"missing entity", &contracts.TrustSignal{Type: contracts.SignalSuccessLow, Value: 0.5}},
		{"unknown type", &contracts.TrustSignal{EntityID: "a", Type: "nope", Value: 0.5}},
		{"value out of range", &contracts.TrustSignal{EntityID: "a", Type: contracts.SignalSuccessLow, Value: 1.5}},
		{"negative weight", &contracts.TrustSignal{EntityID: "a", Type: contracts.SignalSuccessLow, Value: 0.5, Weight: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.ApplySignal(ctx, tc.sig)
			assert.True(t, contracts.IsValidation(err))
		})
	}
}

func TestGamingAlertOnRapidSwings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Settled mid-band record: every swing below stays inside the
	// Standard band, so no tier transition is ever written.
	require.NoError(t, f.store.InsertTrustRecord(ctx, &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            350,
		Tier:             contracts.TierStandard,
		Components:       contracts.ComponentScores{Behavioral: 0.5, Compliance: 1.0, Identity: 0.5},
		SignalCount:      60,
		SuccessCount:     59,
		LastCalculatedAt: f.now,
	}))

	// Ten alternating signals a minute apart: +50 and, after
	// amplification, -30 per swing, 400 absolute points inside the
	// hour window.
	for i := 0; i < 10; i++ {
		typ := contracts.SignalSuccessCritical
		if i%2 == 1 {
			typ = contracts.SignalFailureMinor
		}
		f.now = f.now.Add(time.Minute)
		snap, err := f.engine.ApplySignal(ctx, signal("agent-1", typ))
		require.NoError(t, err)
		require.Equal(t, contracts.TierStandard, snap.Tier)
	}

	active, err := f.store.ActiveGamingAlertCount(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	// Further swings while the alert is open must not duplicate it.
	f.now = f.now.Add(time.Minute)
	_, err = f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessCritical))
	require.NoError(t, err)
	active, err = f.store.ActiveGamingAlertCount(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestIdentityComponentTracksAttestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A sourced signal vouches for the entity and pulls identity up
	// from the 0.5 starting point.
	snap, err := f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSuccessMedium))
	require.NoError(t, err)
	assert.Greater(t, snap.Record.Components.Identity, 0.5)
	attested := snap.Record.Components.Identity

	// A security incident pulls it back down.
	snap, err = f.engine.ApplySignal(ctx, signal("agent-1", contracts.SignalSecurityIncident))
	require.NoError(t, err)
	assert.Less(t, snap.Record.Components.Identity, attested)
}

func TestScoreStaysClampedProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("clamp keeps scores in [0,1000]", prop.ForAll(
		func(score float64) bool {
			c := contracts.ClampScore(score)
			return c >= 0 && c <= contracts.MaxScore
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("decay never increases a score", prop.ForAll(
		func(score float64, hours int) bool {
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			decayed := decay(score, base, base.Add(time.Duration(hours)*time.Hour), 7*24*time.Hour)
			return decayed <= score+1e-9 && decayed >= 0
		},
		gen.Float64Range(0, 1000),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}
