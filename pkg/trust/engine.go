// Package trust converts streams of behavioral observations into a
// bounded, decaying reputation score and a discrete capability tier
// per entity.
//
// The stored base score excludes the provenance modifier; the modifier
// is added exactly once when the effective score is computed, so it can
// never accumulate across signals. Tier derivation always runs on the
// effective (modifier-adjusted, ceiling-free) score.
package trust

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/provenance"
	"github.com/vorion-labs/cognigate/pkg/store"
)

const lockStripes = 64

// Engine is the trust scoring engine. Safe for concurrent use: updates
// for the same entity serialize on a striped lock plus an optimistic
// version check in the store; different entities proceed in parallel.
type Engine struct {
	store  *store.Store
	prov   *provenance.Service
	params Params
	logger *slog.Logger
	clock  func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewEngine builds a scoring engine.
func NewEngine(st *store.Store, prov *provenance.Service, params Params, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, prov: prov, params: params, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Snapshot is the effective trust state handed to the decision pipeline.
type Snapshot struct {
	Record         *contracts.TrustRecord
	BaseScore      float64
	Modifier       float64
	EffectiveScore float64
	Tier           contracts.TrustTier
}

// ApplySignal validates and applies one signal, returning the updated
// effective snapshot. Invalid signals are rejected before any state
// change. Write conflicts are retried internally with exponential
// backoff up to Params.MaxRetries.
func (e *Engine) ApplySignal(ctx context.Context, sig *contracts.TrustSignal) (*Snapshot, error) {
	if err := validateSignal(sig); err != nil {
		return nil, err
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.clock().UTC()
	}

	lock := &e.locks[stripe(sig.EntityID)]
	lock.Lock()
	defer lock.Unlock()

	// The signal is append-only and committed exactly once; the score
	// computation below may retry without re-inserting it. The applied
	// delta is stored alongside so gaming detection can read the raw
	// swing stream.
	if err := e.store.InsertSignal(ctx, sig, e.appliedDelta(sig)); err != nil {
		return nil, err
	}

	backoff := 5 * time.Millisecond
	for attempt := 0; attempt <= e.params.MaxRetries; attempt++ {
		snap, err := e.applyOnce(ctx, sig)
		if err == nil {
			return snap, nil
		}
		if !contracts.IsConflict(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	e.logger.Warn("trust update retries exhausted", "entity", sig.EntityID)
	return nil, contracts.ErrRetriesExhausted
}

func (e *Engine) applyOnce(ctx context.Context, sig *contracts.TrustSignal) (*Snapshot, error) {
	now := e.clock().UTC()

	record, err := e.store.GetTrustRecord(ctx, sig.EntityID)
	created := false
	if err == contracts.ErrNotFound {
		record = e.newRecord(sig.EntityID, now)
		created = true
	} else if err != nil {
		return nil, err
	}

	prevEffective, prevTier, err := e.effective(ctx, record)
	if err != nil {
		return nil, err
	}

	// 1. Decay the stored base score for time elapsed with no signals.
	decayed := decay(record.Score, record.LastCalculatedAt, now, e.params.HalfLife)

	// 2-3. Outcome delta, amplified when negative.
	delta := e.appliedDelta(sig)

	record.Score = contracts.ClampScore(decayed + delta)
	record.SignalCount++
	if delta > 0 {
		record.SuccessCount++
	}
	record.LastCalculatedAt = now
	updateComponents(record, sig)

	newEffective, candidateTier, err := e.effective(ctx, record)
	if err != nil {
		return nil, err
	}
	record.Tier = e.gatedTier(record, prevTier, candidateTier)

	if created {
		if err := e.store.InsertTrustRecord(ctx, record); err != nil {
			return nil, err
		}
	} else if err := e.store.UpdateTrustRecord(ctx, record); err != nil {
		return nil, err
	}

	if record.Tier != prevTier || created {
		hist := &contracts.TrustHistory{
			ID:            uuid.New().String(),
			EntityID:      record.EntityID,
			PreviousScore: prevEffective,
			Score:         newEffective,
			PreviousTier:  prevTier,
			Tier:          record.Tier,
			SignalID:      sig.ID,
			Reason:        "tier_transition",
			CreatedAt:     now,
		}
		if created {
			hist.Reason = "record_created"
		}
		if err := e.store.InsertHistory(ctx, hist); err != nil {
			return nil, err
		}
	}

	if err := e.detectGaming(ctx, record.EntityID, now); err != nil {
		// Detection is advisory; a storage failure here must not fail
		// the signal application.
		e.logger.Warn("gaming detection failed", "entity", record.EntityID, "error", err)
	}

	modifier, err := e.prov.Modifier(ctx, record.EntityID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Record:         record,
		BaseScore:      record.Score,
		Modifier:       modifier,
		EffectiveScore: newEffective,
		Tier:           record.Tier,
	}, nil
}

// Lookup returns the current effective snapshot without mutating state.
// Unknown entities get a zero-signal baseline snapshot.
func (e *Engine) Lookup(ctx context.Context, entityID string) (*Snapshot, error) {
	record, err := e.store.GetTrustRecord(ctx, entityID)
	if err == contracts.ErrNotFound {
		record = e.newRecord(entityID, e.clock().UTC())
	} else if err != nil {
		return nil, err
	} else {
		// Expose decay on read so a stale record cannot overstate trust.
		record.Score = decay(record.Score, record.LastCalculatedAt, e.clock().UTC(), e.params.HalfLife)
	}

	effective, tier, err := e.effective(ctx, record)
	if err != nil {
		return nil, err
	}
	// Reads never promote: keep the stored (gated) tier unless decay
	// pulled the effective band below it.
	if record.Tier != "" && tier.Index() > record.Tier.Index() {
		tier = record.Tier
	}
	modifier, err := e.prov.Modifier(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Record:         record,
		BaseScore:      record.Score,
		Modifier:       modifier,
		EffectiveScore: effective,
		Tier:           tier,
	}, nil
}

// History returns recent trust history snapshots for an entity.
func (e *Engine) History(ctx context.Context, entityID string, limit int) ([]contracts.TrustHistory, error) {
	return e.store.ListHistory(ctx, entityID, limit)
}

func (e *Engine) newRecord(entityID string, now time.Time) *contracts.TrustRecord {
	r := &contracts.TrustRecord{
		EntityID:         entityID,
		Score:            e.params.Baseline,
		Components:       contracts.ComponentScores{Behavioral: 0.5, Compliance: 1.0, Identity: 0.5, Context: 0},
		LastCalculatedAt: now,
	}
	r.Tier = contracts.TierFromScore(r.Score)
	return r
}

// effective computes the modifier-adjusted score and its band.
func (e *Engine) effective(ctx context.Context, record *contracts.TrustRecord) (float64, contracts.TrustTier, error) {
	modifier, err := e.prov.Modifier(ctx, record.EntityID)
	if err != nil {
		return 0, "", err
	}
	score := contracts.ClampScore(record.Score + modifier)
	return score, contracts.TierFromScore(score), nil
}

// gatedTier enforces transition gates: demotions apply immediately,
// promotions move at most one band per signal and only when the target
// band's evidence gate is satisfied.
func (e *Engine) gatedTier(record *contracts.TrustRecord, current, candidate contracts.TrustTier) contracts.TrustTier {
	ci, ni := current.Index(), candidate.Index()
	if ni <= ci {
		return candidate
	}
	next := contracts.AllTiers[ci+1]
	gate, ok := transitionGates[next]
	if !ok {
		return next
	}
	if record.SignalCount < gate.MinActions {
		return current
	}
	successRate := float64(record.SuccessCount) / float64(record.SignalCount)
	if successRate < gate.MinSuccessRate {
		return current
	}
	return next
}

// appliedDelta is the pre-clamp score change a signal produces:
// outcome base delta, weighted, amplified when negative.
func (e *Engine) appliedDelta(sig *contracts.TrustSignal) float64 {
	delta := baseDeltas[sig.Type]
	weight := sig.Weight
	if weight == 0 {
		weight = 1
	}
	delta *= weight
	if delta < 0 {
		delta *= e.params.FailureAmplification
	}
	return delta
}

func validateSignal(sig *contracts.TrustSignal) error {
	if sig == nil {
		return contracts.NewValidationError("signal", "must not be nil")
	}
	if sig.EntityID == "" {
		return contracts.NewValidationError("entity_id", "must not be empty")
	}
	if _, ok := baseDeltas[sig.Type]; !ok {
		return contracts.NewValidationError("type", "unknown signal type "+string(sig.Type))
	}
	if sig.Value < 0 || sig.Value > 1 {
		return contracts.NewValidationError("value", "must be in [0,1]")
	}
	if sig.Weight < 0 {
		return contracts.NewValidationError("weight", "must not be negative")
	}
	return nil
}

// decay applies exponential half-life decay for the elapsed interval.
// Non-increasing in elapsed time; zero elapsed time is the identity.
func decay(score float64, lastCalculated, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return score
	}
	elapsed := now.Sub(lastCalculated)
	if elapsed <= 0 {
		return score
	}
	return score * math.Pow(0.5, elapsed.Hours()/halfLife.Hours())
}

// updateComponents folds the signal into the sub-scores as exponential
// moving averages.
func updateComponents(r *contracts.TrustRecord, sig *contracts.TrustSignal) {
	const alpha = 0.1
	r.Components.Behavioral = ema(r.Components.Behavioral, sig.Value, alpha)

	complianceObs := 1.0
	if sig.Type == contracts.SignalPolicyViolation || sig.Type == contracts.SignalSecurityIncident {
		complianceObs = 0.0
	}
	r.Components.Compliance = ema(r.Components.Compliance, complianceObs, alpha)

	// Identity confidence tracks signal attestation: a named source
	// vouches for the entity, an anonymous one does not, and a security
	// incident implies the identity may be compromised.
	identityObs := 0.5
	if sig.Source != "" {
		identityObs = 1.0
	}
	if sig.Type == contracts.SignalSecurityIncident {
		identityObs = 0.0
	}
	r.Components.Identity = ema(r.Components.Identity, identityObs, alpha)

	// Context confidence grows with observed volume.
	r.Components.Context = math.Min(1.0, float64(r.SignalCount)/1000.0)
}

func ema(current, observation, alpha float64) float64 {
	return current*(1-alpha) + observation*alpha
}

func stripe(entityID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % lockStripes)
}
