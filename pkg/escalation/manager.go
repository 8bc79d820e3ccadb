// Package escalation tracks human-review tasks spawned by ESCALATE
// decisions through their state machine: pending, acknowledged, then
// approved, rejected, timeout or cancelled. Every transition lands in
// an immutable audit log and every resolution writes a follow-up
// proof record.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/store"
)

// CreateRequest carries everything needed to open an escalation from
// an ESCALATE decision.
type CreateRequest struct {
	IntentID             string
	EntityID             string
	RuleID               string
	RequesterID          string
	Priority             string
	EscalatedTo          string
	Timeout              time.Duration
	RequireJustification bool
	AutoDenyOnTimeout    bool
}

// Review is a human decision on an open escalation.
type Review struct {
	Approved   bool
	ReviewerID string
	Notes      string
}

// Manager drives the escalation state machine.
type Manager struct {
	store  *store.Store
	chain  *proofchain.Chain
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager wires the manager to its store and proof chain.
func NewManager(st *store.Store, chain *proofchain.Chain, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, chain: chain, logger: logger, clock: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create opens a pending escalation with a hard deadline.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*contracts.Escalation, error) {
	if req.IntentID == "" {
		return nil, &contracts.ValidationError{Field: "intentId", Detail: "intent id is required"}
	}
	if req.EscalatedTo == "" {
		return nil, &contracts.ValidationError{Field: "escalatedTo", Detail: "escalation target is required"}
	}
	if req.Timeout <= 0 {
		return nil, &contracts.ValidationError{Field: "timeout", Detail: "timeout must be positive"}
	}
	now := m.clock().UTC()
	e := &contracts.Escalation{
		ID:                   uuid.NewString(),
		IntentID:             req.IntentID,
		EntityID:             req.EntityID,
		RuleID:               req.RuleID,
		RequesterID:          req.RequesterID,
		Status:               contracts.EscalationPending,
		Priority:             req.Priority,
		EscalatedTo:          req.EscalatedTo,
		RequireJustification: req.RequireJustification,
		AutoDenyOnTimeout:    req.AutoDenyOnTimeout,
		TimeoutAt:            now.Add(req.Timeout),
		CreatedAt:            now,
	}
	if err := m.store.InsertEscalation(ctx, e); err != nil {
		return nil, err
	}
	if err := m.audit(ctx, e.ID, "system", "", contracts.EscalationPending, "escalation created for rule "+req.RuleID); err != nil {
		return nil, err
	}
	m.logger.Info("escalation created",
		"escalation_id", e.ID, "intent_id", e.IntentID,
		"entity_id", e.EntityID, "timeout_at", e.TimeoutAt)
	return e, nil
}

// Get loads one escalation.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.Escalation, error) {
	return m.store.GetEscalation(ctx, id)
}

// Acknowledge marks a pending escalation as picked up by a reviewer.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) error {
	err := m.store.TransitionEscalation(ctx, id,
		contracts.EscalationPending, contracts.EscalationAcknowledged, actor, "", nil)
	if err != nil {
		return err
	}
	return m.audit(ctx, id, actor, contracts.EscalationPending, contracts.EscalationAcknowledged, "")
}

// Resolve applies a human review. The reviewer must differ from the
// original requester, and justification is enforced when the
// triggering rule demanded it. Resolution writes a follow-up proof
// record referencing the original intent.
func (m *Manager) Resolve(ctx context.Context, id string, review Review) (*contracts.Escalation, error) {
	if review.ReviewerID == "" {
		return nil, &contracts.ValidationError{Field: "reviewerId", Detail: "reviewer id is required"}
	}
	e, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, &contracts.ValidationError{
			Field:  "status",
			Detail: fmt.Sprintf("escalation already %s", e.Status),
		}
	}
	if e.RequesterID != "" && review.ReviewerID == e.RequesterID {
		return nil, &contracts.ValidationError{
			Field:  "reviewerId",
			Detail: "reviewer must differ from the original requester",
		}
	}
	if e.RequireJustification && review.Notes == "" {
		return nil, &contracts.ValidationError{
			Field:  "notes",
			Detail: "justification is required for this escalation",
		}
	}

	to := contracts.EscalationRejected
	resolution := "rejected"
	if review.Approved {
		to = contracts.EscalationApproved
		resolution = "approved"
	}
	now := m.clock().UTC()
	if err := m.store.TransitionEscalation(ctx, id, e.Status, to, review.ReviewerID, resolution, &now); err != nil {
		return nil, err
	}
	if err := m.audit(ctx, id, review.ReviewerID, e.Status, to, review.Notes); err != nil {
		return nil, err
	}

	decision := contracts.ActionDeny
	if review.Approved {
		decision = contracts.ActionAllow
	}
	if _, err := m.chain.Append(ctx, proofchain.Entry{
		IntentID:   e.IntentID,
		EntityID:   e.EntityID,
		ActionType: "escalation_resolution",
		Decision:   decision,
		Reasons:    []string{fmt.Sprintf("escalation %s %s by %s", e.ID, resolution, review.ReviewerID)},
		Inputs: map[string]any{
			"escalation_id": e.ID,
			"rule_id":       e.RuleID,
			"reviewer_id":   review.ReviewerID,
			"notes":         review.Notes,
		},
		Outputs: map[string]any{"resolution": resolution},
	}); err != nil {
		return nil, fmt.Errorf("escalation resolution proof: %w", err)
	}

	resolved, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escalation resolved",
		"escalation_id", id, "resolution", resolution, "reviewer", review.ReviewerID)
	return resolved, nil
}

// Cancel withdraws a not-yet-resolved escalation.
func (m *Manager) Cancel(ctx context.Context, id, actor, reason string) error {
	e, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return &contracts.ValidationError{
			Field:  "status",
			Detail: fmt.Sprintf("escalation already %s", e.Status),
		}
	}
	now := m.clock().UTC()
	if err := m.store.TransitionEscalation(ctx, id, e.Status, contracts.EscalationCancelled, actor, "cancelled", &now); err != nil {
		return err
	}
	return m.audit(ctx, id, actor, e.Status, contracts.EscalationCancelled, reason)
}

// SweepTimeouts expires every escalation past its deadline, applying
// the rule's timeout policy. Returns the number expired.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	due, err := m.store.ListDueEscalations(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, e := range due {
		if err := m.expire(ctx, e, now); err != nil {
			// Losing the transition race means a reviewer resolved it
			// between listing and expiry. Not a failure.
			if contracts.IsConflict(err) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, e *contracts.Escalation, now time.Time) error {
	if err := m.store.TransitionEscalation(ctx, e.ID, e.Status, contracts.EscalationTimeout, "system", "timeout", &now); err != nil {
		return err
	}
	if err := m.audit(ctx, e.ID, "system", e.Status, contracts.EscalationTimeout, "deadline passed"); err != nil {
		return err
	}

	// Only rules with auto-deny turn expiry into a denial record. For
	// the rest the timeout is terminal but carries no decision; the
	// audit row above is the record of the expiry.
	if e.AutoDenyOnTimeout {
		if _, err := m.chain.Append(ctx, proofchain.Entry{
			IntentID:   e.IntentID,
			EntityID:   e.EntityID,
			ActionType: "escalation_timeout",
			Decision:   contracts.ActionDeny,
			Reasons:    []string{"escalation timed out, denied per rule policy"},
			Inputs: map[string]any{
				"escalation_id": e.ID,
				"rule_id":       e.RuleID,
				"timeout_at":    e.TimeoutAt.Format(time.RFC3339),
			},
			Outputs: map[string]any{"resolution": "timeout"},
		}); err != nil {
			return fmt.Errorf("escalation timeout proof: %w", err)
		}
	}

	m.logger.Warn("escalation expired",
		"escalation_id", e.ID, "intent_id", e.IntentID, "auto_deny", e.AutoDenyOnTimeout)
	return nil
}

// Run sweeps timeouts on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil {
				m.logger.Error("escalation sweep failed", "error", err)
			}
		}
	}
}

// Audit returns the transition log for one escalation.
func (m *Manager) Audit(ctx context.Context, id string) ([]contracts.EscalationAudit, error) {
	return m.store.ListEscalationAudit(ctx, id)
}

// PendingCount reports unresolved escalations for readiness checks.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingEscalationCount(ctx)
}

func (m *Manager) audit(ctx context.Context, escalationID, actor string, from, to contracts.EscalationStatus, notes string) error {
	return m.store.InsertEscalationAudit(ctx, &contracts.EscalationAudit{
		ID:             uuid.NewString(),
		EscalationID:   escalationID,
		Actor:          actor,
		PreviousStatus: from,
		NewStatus:      to,
		Notes:          notes,
		Timestamp:      m.clock().UTC(),
	})
}
