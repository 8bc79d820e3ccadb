package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// InsertEscalation persists a new escalation in pending state.
func (s *Store) InsertEscalation(ctx context.Context, e *contracts.Escalation) error {
	query := s.rebind(`
		INSERT INTO escalations
			(id, intent_id, entity_id, rule_id, requester_id, status, priority,
			 escalated_to, require_justification, auto_deny_on_timeout, timeout_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.IntentID, e.EntityID, e.RuleID, e.RequesterID, e.Status, e.Priority,
		e.EscalatedTo, e.RequireJustification, e.AutoDenyOnTimeout, e.TimeoutAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// GetEscalation loads one escalation.
func (s *Store) GetEscalation(ctx context.Context, id string) (*contracts.Escalation, error) {
	query := s.rebind(`
		SELECT id, intent_id, entity_id, rule_id, requester_id, status, priority,
		       escalated_to, require_justification, auto_deny_on_timeout, timeout_at,
		       resolved_by, resolved_at, resolution, created_at
		FROM escalations WHERE id = ?`)

	var e contracts.Escalation
	var resolvedBy, resolution sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.IntentID, &e.EntityID, &e.RuleID, &e.RequesterID, &e.Status,
		&e.Priority, &e.EscalatedTo, &e.RequireJustification, &e.AutoDenyOnTimeout,
		&e.TimeoutAt, &resolvedBy, &resolvedAt, &resolution, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	e.ResolvedBy = resolvedBy.String
	e.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

// TransitionEscalation advances status guarded by the expected previous
// status, so two reviewers cannot both resolve the same escalation.
func (s *Store) TransitionEscalation(ctx context.Context, id string, from, to contracts.EscalationStatus, actor, resolution string, resolvedAt *time.Time) error {
	query := s.rebind(`
		UPDATE escalations
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution = ?
		WHERE id = ? AND status = ?`)

	var by, res any
	var at any
	if to.Terminal() {
		by, res = actor, resolution
		if resolvedAt != nil {
			at = *resolvedAt
		}
	}
	result, err := s.db.ExecContext(ctx, query, to, by, at, res, id, from)
	if err != nil {
		return fmt.Errorf("transition escalation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition escalation: %w", err)
	}
	if n == 0 {
		return &contracts.ConcurrencyConflict{
			Resource:   "escalation:" + id,
			RetryAfter: 10 * time.Millisecond,
		}
	}
	return nil
}

// ListDueEscalations returns non-terminal escalations whose deadline has
// passed, for the timeout sweep.
func (s *Store) ListDueEscalations(ctx context.Context, now time.Time) ([]*contracts.Escalation, error) {
	query := s.rebind(`
		SELECT id FROM escalations
		WHERE status IN (?, ?) AND timeout_at <= ?
		ORDER BY timeout_at ASC`)
	rows, err := s.db.QueryContext(ctx, query,
		contracts.EscalationPending, contracts.EscalationAcknowledged, now)
	if err != nil {
		return nil, fmt.Errorf("list due escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*contracts.Escalation
	for _, id := range ids {
		e, err := s.GetEscalation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// PendingEscalationCount reports the number of unresolved escalations.
func (s *Store) PendingEscalationCount(ctx context.Context) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM escalations WHERE status IN (?, ?)`)
	var n int
	err := s.db.QueryRowContext(ctx, query,
		contracts.EscalationPending, contracts.EscalationAcknowledged).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// InsertEscalationAudit appends one transition to the immutable audit log.
func (s *Store) InsertEscalationAudit(ctx context.Context, a *contracts.EscalationAudit) error {
	query := s.rebind(`
		INSERT INTO escalation_audit (id, escalation_id, actor, previous_status, new_status, notes, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.EscalationID, a.Actor, a.PreviousStatus, a.NewStatus, a.Notes, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert escalation audit: %w", err)
	}
	return nil
}

// ListEscalationAudit returns the transition log for one escalation in order.
func (s *Store) ListEscalationAudit(ctx context.Context, escalationID string) ([]contracts.EscalationAudit, error) {
	query := s.rebind(`
		SELECT id, escalation_id, actor, previous_status, new_status, notes, ts
		FROM escalation_audit WHERE escalation_id = ? ORDER BY ts ASC`)
	rows, err := s.db.QueryContext(ctx, query, escalationID)
	if err != nil {
		return nil, fmt.Errorf("list escalation audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EscalationAudit
	for rows.Next() {
		var a contracts.EscalationAudit
		if err := rows.Scan(&a.ID, &a.EscalationID, &a.Actor,
			&a.PreviousStatus, &a.NewStatus, &a.Notes, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
