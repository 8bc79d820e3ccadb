// Package breaker trips circuit breakers when denials or integrity
// violations cluster. Entity breakers short-circuit one entity's
// evaluation to DENY; the system latch halts every decision while open.
// Both recover through a cooldown probe.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config bounds when a breaker trips and how it recovers.
type Config struct {
	// DenialThreshold trips the breaker after this many denials in Window.
	DenialThreshold int
	// IntegrityThreshold trips after this many integrity violations in
	// Window. Integrity failures are weighted harder than denials.
	IntegrityThreshold int
	Window             time.Duration
	// Cooldown is how long an open breaker waits before a half-open probe.
	Cooldown time.Duration

	// SystemDenialThreshold and SystemIntegrityThreshold trip the
	// system-wide latch. Failures from every entity count toward it,
	// and chain verification failures count only here.
	SystemDenialThreshold    int
	SystemIntegrityThreshold int
}

// DefaultConfig matches sandbox-grade protection.
var DefaultConfig = Config{
	DenialThreshold:          10,
	IntegrityThreshold:       2,
	Window:                   5 * time.Minute,
	Cooldown:                 time.Minute,
	SystemDenialThreshold:    50,
	SystemIntegrityThreshold: 2,
}

type entityState struct {
	state       State
	denials     []time.Time
	integrities []time.Time
	openedAt    time.Time
}

// Breaker tracks per-entity failure clusters and the system-wide latch.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	entities map[string]*entityState
	system   *entityState
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds a breaker with the given config. Zero thresholds fall
// back to defaults.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.DenialThreshold <= 0 {
		cfg.DenialThreshold = DefaultConfig.DenialThreshold
	}
	if cfg.IntegrityThreshold <= 0 {
		cfg.IntegrityThreshold = DefaultConfig.IntegrityThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.SystemDenialThreshold <= 0 {
		cfg.SystemDenialThreshold = DefaultConfig.SystemDenialThreshold
	}
	if cfg.SystemIntegrityThreshold <= 0 {
		cfg.SystemIntegrityThreshold = DefaultConfig.SystemIntegrityThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:      cfg,
		entities: make(map[string]*entityState),
		system:   &entityState{state: StateClosed},
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether the entity may be evaluated. An open breaker
// past its cooldown moves to half-open and admits a single probe.
func (b *Breaker) Allow(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	es, ok := b.entities[entityID]
	if !ok {
		return true
	}
	return b.admit(es, "entity "+entityID)
}

// AllowSystem reports whether the system latch admits any evaluation
// at all. Checked before every per-entity state.
func (b *Breaker) AllowSystem() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admit(b.system, "system")
}

func (b *Breaker) admit(es *entityState, scope string) bool {
	switch es.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Sub(es.openedAt) >= b.cfg.Cooldown {
			es.state = StateHalfOpen
			b.logger.Info("breaker half-open, admitting probe", "scope", scope)
			return true
		}
		return false
	case StateHalfOpen:
		// One probe in flight at a time.
		return false
	}
	return true
}

// RecordSuccess closes a half-open breaker and clears failure history.
// A successful probe also closes a half-open system latch.
func (b *Breaker) RecordSuccess(entityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.system.state == StateHalfOpen {
		b.system = &entityState{state: StateClosed}
		b.logger.Info("system breaker closed after successful probe")
	}

	es, ok := b.entities[entityID]
	if !ok {
		return
	}
	if es.state == StateHalfOpen {
		b.logger.Info("breaker closed after successful probe", "entity_id", entityID)
	}
	delete(b.entities, entityID)
}

// RecordDenial counts a denial against the entity and the system latch.
func (b *Breaker) RecordDenial(entityID string) {
	b.record(entityID, false)
}

// RecordIntegrityViolation counts an integrity failure against the
// entity and the system latch. These trip at a much lower threshold
// since they imply tampering or corruption rather than normal policy
// friction.
func (b *Breaker) RecordIntegrityViolation(entityID string) {
	b.record(entityID, true)
}

// RecordChainFailure counts a whole-chain verification failure against
// the system latch only. Ledger corruption is not attributable to one
// entity.
func (b *Breaker) RecordChainFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail(b.system, b.clock(), true, b.cfg.SystemDenialThreshold, b.cfg.SystemIntegrityThreshold, "system")
}

func (b *Breaker) record(entityID string, integrity bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	es, ok := b.entities[entityID]
	if !ok {
		es = &entityState{state: StateClosed}
		b.entities[entityID] = es
	}
	b.fail(es, now, integrity, b.cfg.DenialThreshold, b.cfg.IntegrityThreshold, "entity "+entityID)
	b.fail(b.system, now, integrity, b.cfg.SystemDenialThreshold, b.cfg.SystemIntegrityThreshold, "system")
}

func (b *Breaker) fail(es *entityState, now time.Time, integrity bool, denialThreshold, integrityThreshold int, scope string) {
	if es.state == StateHalfOpen {
		// Probe failed, back to open.
		es.state = StateOpen
		es.openedAt = now
		b.logger.Warn("breaker reopened after failed probe", "scope", scope)
		return
	}

	cutoff := now.Add(-b.cfg.Window)
	if integrity {
		es.integrities = append(trim(es.integrities, cutoff), now)
	} else {
		es.denials = append(trim(es.denials, cutoff), now)
	}
	es.denials = trim(es.denials, cutoff)
	es.integrities = trim(es.integrities, cutoff)

	if es.state == StateClosed &&
		(len(es.denials) >= denialThreshold || len(es.integrities) >= integrityThreshold) {
		es.state = StateOpen
		es.openedAt = now
		b.logger.Warn("breaker opened",
			"scope", scope,
			"denials", len(es.denials),
			"integrity_violations", len(es.integrities))
	}
}

// StateOf returns the entity's breaker position.
func (b *Breaker) StateOf(entityID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if es, ok := b.entities[entityID]; ok {
		return es.state
	}
	return StateClosed
}

// SystemState returns the system latch position.
func (b *Breaker) SystemState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.system.state
}

func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}
