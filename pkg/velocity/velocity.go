// Package velocity caps how fast an entity may submit intents. Limits
// scale with trust tier: low-trust entities get tight budgets, high
// tiers progressively looser ones.
package velocity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// TierPolicy is the per-tier rate budget.
type TierPolicy struct {
	RPM   int // sustained intents per minute
	Burst int
}

// DefaultTierPolicies are the built-in budgets per tier.
var DefaultTierPolicies = map[contracts.TrustTier]TierPolicy{
	contracts.TierSandbox:     {RPM: 6, Burst: 2},
	contracts.TierProvisional: {RPM: 30, Burst: 5},
	contracts.TierStandard:    {RPM: 120, Burst: 20},
	contracts.TierTrusted:     {RPM: 300, Burst: 50},
	contracts.TierCertified:   {RPM: 600, Burst: 100},
	contracts.TierAutonomous:  {RPM: 1200, Burst: 200},
}

// Limiter answers whether an entity may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, entityID string, tier contracts.TrustTier, cost int) (bool, error)
}

// LocalLimiter keeps per-entity token buckets in process memory.
// Suitable for single-node deployments; multi-node deployments use
// the Redis-backed limiter so budgets are shared.
type LocalLimiter struct {
	mu       sync.Mutex
	policies map[contracts.TrustTier]TierPolicy
	buckets  map[string]*entityBucket
	clock    func() time.Time
}

type entityBucket struct {
	limiter *rate.Limiter
	tier    contracts.TrustTier
}

// NewLocalLimiter builds an in-process limiter. A nil policy map uses
// the defaults.
func NewLocalLimiter(policies map[contracts.TrustTier]TierPolicy) *LocalLimiter {
	if policies == nil {
		policies = DefaultTierPolicies
	}
	return &LocalLimiter{
		policies: policies,
		buckets:  make(map[string]*entityBucket),
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (l *LocalLimiter) WithClock(clock func() time.Time) *LocalLimiter {
	l.clock = clock
	return l
}

func (l *LocalLimiter) policyFor(tier contracts.TrustTier) TierPolicy {
	if p, ok := l.policies[tier]; ok {
		return p
	}
	// Unknown tiers get the tightest budget.
	return l.policies[contracts.TierSandbox]
}

// Allow consumes cost tokens from the entity's bucket. A tier change
// resets the bucket to the new budget.
func (l *LocalLimiter) Allow(_ context.Context, entityID string, tier contracts.TrustTier, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	b, ok := l.buckets[entityID]
	if !ok || b.tier != tier {
		p := l.policyFor(tier)
		b = &entityBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(p.RPM)/60.0), p.Burst),
			tier:    tier,
		}
		l.buckets[entityID] = b
	}
	l.mu.Unlock()
	return b.limiter.AllowN(l.clock(), cost), nil
}
