// Package provenance tracks how agent entities came to exist and what
// standing score modifier that origin carries. Lineage is a DAG of
// immutable IDs. Parent references are lookups, never owning pointers,
// and a record can never name one of its own descendants as a parent.
package provenance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/canonicalize"
	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/store"
)

// DefaultModifiers maps creation types to standing score modifiers.
// Policy may override these per deployment.
var DefaultModifiers = map[contracts.CreationType]float64{
	contracts.CreationFresh:    0,
	contracts.CreationCloned:   -50,
	contracts.CreationEvolved:  +100,
	contracts.CreationPromoted: +150,
	contracts.CreationImported: -100,
}

// maxLineageDepth bounds ancestor walks. A chain deeper than this is
// rejected rather than traversed.
const maxLineageDepth = 64

// Service resolves provenance records and modifiers.
type Service struct {
	store     *store.Store
	modifiers map[contracts.CreationType]float64
	clock     func() time.Time
}

// NewService builds a provenance service with the default modifier table.
func NewService(st *store.Store) *Service {
	mods := make(map[contracts.CreationType]float64, len(DefaultModifiers))
	for k, v := range DefaultModifiers {
		mods[k] = v
	}
	return &Service{store: st, modifiers: mods, clock: time.Now}
}

// WithModifiers overrides the modifier table (policy-controlled).
func (s *Service) WithModifiers(mods map[contracts.CreationType]float64) *Service {
	for k, v := range mods {
		s.modifiers[k] = v
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create registers a provenance record for an agent. Parent linkage is
// validated: the parent must exist for derived creation types, and the
// link must not introduce a cycle.
func (s *Service) Create(ctx context.Context, agentID string, creationType contracts.CreationType, parentAgentID string) (*store.ProvenanceRow, error) {
	if agentID == "" {
		return nil, contracts.NewValidationError("agent_id", "must not be empty")
	}
	modifier, ok := s.modifiers[creationType]
	if !ok {
		return nil, contracts.NewValidationError("creation_type", fmt.Sprintf("unknown type %q", creationType))
	}

	derived := creationType == contracts.CreationCloned || creationType == contracts.CreationEvolved
	if derived && parentAgentID == "" {
		return nil, contracts.NewValidationError("parent_agent_id", fmt.Sprintf("%s agents require a parent", creationType))
	}
	if parentAgentID == agentID {
		return nil, contracts.NewValidationError("parent_agent_id", "an agent cannot be its own parent")
	}

	var parentLineage string
	if parentAgentID != "" {
		parent, err := s.store.GetProvenance(ctx, parentAgentID)
		if err != nil {
			return nil, contracts.NewValidationError("parent_agent_id", fmt.Sprintf("parent %q not registered", parentAgentID))
		}
		if err := s.checkNoCycle(ctx, agentID, parentAgentID); err != nil {
			return nil, err
		}
		parentLineage = parent.LineageHash
	}

	row := &store.ProvenanceRow{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		CreationType:  creationType,
		ParentAgentID: parentAgentID,
		LineageHash:   lineageHash(agentID, creationType, parentLineage),
		ScoreModifier: modifier,
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.store.InsertProvenance(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Modifier returns the standing score modifier for an agent. Agents
// without a provenance record are treated as FRESH (modifier 0); the
// ceiling layer separately fails closed on missing context.
func (s *Service) Modifier(ctx context.Context, agentID string) (float64, error) {
	row, err := s.store.GetProvenance(ctx, agentID)
	if err == contracts.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.ScoreModifier, nil
}

// Get returns the provenance record for an agent.
func (s *Service) Get(ctx context.Context, agentID string) (*store.ProvenanceRow, error) {
	return s.store.GetProvenance(ctx, agentID)
}

// Lineage walks ancestors from agentID to the root, nearest first.
func (s *Service) Lineage(ctx context.Context, agentID string) ([]string, error) {
	var chain []string
	current := agentID
	for depth := 0; depth < maxLineageDepth; depth++ {
		row, err := s.store.GetProvenance(ctx, current)
		if err == contracts.ErrNotFound {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		if row.ParentAgentID == "" {
			return chain, nil
		}
		chain = append(chain, row.ParentAgentID)
		current = row.ParentAgentID
	}
	return nil, fmt.Errorf("lineage for %q exceeds max depth %d", agentID, maxLineageDepth)
}

// checkNoCycle rejects a parent link that would make agentID an ancestor
// of itself. Because records are immutable and created child-after-parent
// a cycle can only appear if agentID already exists somewhere in the
// parent's ancestry.
func (s *Service) checkNoCycle(ctx context.Context, agentID, parentAgentID string) error {
	ancestors, err := s.Lineage(ctx, parentAgentID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a == agentID {
			return contracts.NewValidationError("parent_agent_id",
				fmt.Sprintf("lineage cycle: %q is an ancestor of %q", agentID, parentAgentID))
		}
	}
	return nil
}

func lineageHash(agentID string, creationType contracts.CreationType, parentLineage string) string {
	return canonicalize.HashBytes([]byte(parentLineage + "|" + string(creationType) + "|" + agentID))
}
