package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// GetTrustRecord loads the trust record for an entity.
// Returns contracts.ErrNotFound when the entity has never been scored.
func (s *Store) GetTrustRecord(ctx context.Context, entityID string) (*contracts.TrustRecord, error) {
	query := s.rebind(`
		SELECT entity_id, score, tier, behavioral, compliance, identity, context,
		       signal_count, success_count, last_calculated_at, version
		FROM trust_records WHERE entity_id = ?`)

	var r contracts.TrustRecord
	err := s.db.QueryRowContext(ctx, query, entityID).Scan(
		&r.EntityID, &r.Score, &r.Tier,
		&r.Components.Behavioral, &r.Components.Compliance,
		&r.Components.Identity, &r.Components.Context,
		&r.SignalCount, &r.SuccessCount, &r.LastCalculatedAt, &r.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust record: %w", err)
	}
	return &r, nil
}

// InsertTrustRecord creates the initial record for an entity at version 1.
func (s *Store) InsertTrustRecord(ctx context.Context, r *contracts.TrustRecord) error {
	query := s.rebind(`
		INSERT INTO trust_records
			(entity_id, score, tier, behavioral, compliance, identity, context,
			 signal_count, success_count, last_calculated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`)
	_, err := s.db.ExecContext(ctx, query,
		r.EntityID, r.Score, r.Tier,
		r.Components.Behavioral, r.Components.Compliance,
		r.Components.Identity, r.Components.Context,
		r.SignalCount, r.SuccessCount, r.LastCalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trust record: %w", err)
	}
	r.Version = 1
	return nil
}

// UpdateTrustRecord writes back a mutated record guarded by an optimistic
// version check. A lost race surfaces as ConcurrencyConflict so the
// scoring engine can re-read and retry.
func (s *Store) UpdateTrustRecord(ctx context.Context, r *contracts.TrustRecord) error {
	query := s.rebind(`
		UPDATE trust_records
		SET score = ?, tier = ?, behavioral = ?, compliance = ?, identity = ?,
		    context = ?, signal_count = ?, success_count = ?,
		    last_calculated_at = ?, version = version + 1
		WHERE entity_id = ? AND version = ?`)

	res, err := s.db.ExecContext(ctx, query,
		r.Score, r.Tier,
		r.Components.Behavioral, r.Components.Compliance,
		r.Components.Identity, r.Components.Context,
		r.SignalCount, r.SuccessCount, r.LastCalculatedAt,
		r.EntityID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("update trust record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trust record: %w", err)
	}
	if n == 0 {
		return &contracts.ConcurrencyConflict{
			Resource:   "trust_record:" + r.EntityID,
			RetryAfter: 10 * time.Millisecond,
		}
	}
	r.Version++
	return nil
}

// InsertSignal persists an accepted, validated signal together with the
// score delta it produced. Signals are append-only; there is no update
// statement for this table.
func (s *Store) InsertSignal(ctx context.Context, sig *contracts.TrustSignal, delta float64) error {
	query := s.rebind(`
		INSERT INTO trust_signals (id, entity_id, type, value, weight, source, delta, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.EntityID, sig.Type, sig.Value, sig.Weight, sig.Source, delta, sig.Timestamp)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// InsertHistory persists a trust history snapshot.
func (s *Store) InsertHistory(ctx context.Context, h *contracts.TrustHistory) error {
	query := s.rebind(`
		INSERT INTO trust_history
			(id, entity_id, previous_score, score, previous_tier, tier, signal_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.EntityID, h.PreviousScore, h.Score, h.PreviousTier, h.Tier,
		h.SignalID, h.Reason, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns history snapshots for an entity, newest first.
func (s *Store) ListHistory(ctx context.Context, entityID string, limit int) ([]contracts.TrustHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`
		SELECT id, entity_id, previous_score, score, previous_tier, tier,
		       COALESCE(signal_id, ''), reason, created_at
		FROM trust_history WHERE entity_id = ?
		ORDER BY created_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TrustHistory
	for rows.Next() {
		var h contracts.TrustHistory
		if err := rows.Scan(&h.ID, &h.EntityID, &h.PreviousScore, &h.Score,
			&h.PreviousTier, &h.Tier, &h.SignalID, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecentScoreChanges returns the per-signal score deltas applied to an
// entity inside the sliding window, newest first. Reads the signal
// ledger, not the tier-transition history, so swings that stay inside
// one band are still visible to gaming detection.
func (s *Store) RecentScoreChanges(ctx context.Context, entityID string, since time.Time) ([]float64, error) {
	query := s.rebind(`
		SELECT delta FROM trust_signals
		WHERE entity_id = ? AND ts >= ?
		ORDER BY ts DESC`)

	rows, err := s.db.QueryContext(ctx, query, entityID, since)
	if err != nil {
		return nil, fmt.Errorf("recent score changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deltas []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}
