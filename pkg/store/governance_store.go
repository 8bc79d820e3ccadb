package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

// ProvenanceRow is the persisted lineage record for an agent entity.
type ProvenanceRow struct {
	ID            string
	AgentID       string
	CreationType  contracts.CreationType
	ParentAgentID string
	LineageHash   string
	ScoreModifier float64
	CreatedAt     time.Time
}

// InsertProvenance persists a provenance record. One per agent.
func (s *Store) InsertProvenance(ctx context.Context, p *ProvenanceRow) error {
	query := s.rebind(`
		INSERT INTO provenance (agent_id, id, creation_type, parent_agent_id, lineage_hash, score_modifier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	parent := sql.NullString{String: p.ParentAgentID, Valid: p.ParentAgentID != ""}
	_, err := s.db.ExecContext(ctx, query,
		p.AgentID, p.ID, p.CreationType, parent, p.LineageHash, p.ScoreModifier, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

// GetProvenance loads the provenance record for an agent.
func (s *Store) GetProvenance(ctx context.Context, agentID string) (*ProvenanceRow, error) {
	query := s.rebind(`
		SELECT agent_id, id, creation_type, COALESCE(parent_agent_id, ''), lineage_hash, score_modifier, created_at
		FROM provenance WHERE agent_id = ?`)
	var p ProvenanceRow
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&p.AgentID, &p.ID, &p.CreationType, &p.ParentAgentID, &p.LineageHash, &p.ScoreModifier, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provenance: %w", err)
	}
	return &p, nil
}

// CeilingAuditRow records one ceiling clamp with its regulatory retention.
type CeilingAuditRow struct {
	ID               string
	AgentID          string
	RawScore         float64
	EffectiveScore   float64
	CeilingSource    string
	Framework        string
	ComplianceStatus string
	Anomalous        bool
	RetentionUntil   time.Time
	CreatedAt        time.Time
}

// InsertCeilingAudit appends a ceiling enforcement audit entry.
func (s *Store) InsertCeilingAudit(ctx context.Context, row *CeilingAuditRow) error {
	query := s.rebind(`
		INSERT INTO ceiling_audit
			(id, agent_id, raw_score, effective_score, ceiling_source, framework,
			 compliance_status, anomalous, retention_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.AgentID, row.RawScore, row.EffectiveScore, row.CeilingSource,
		row.Framework, row.ComplianceStatus, row.Anomalous, row.RetentionUntil, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ceiling audit: %w", err)
	}
	return nil
}

// GamingAlertRow is a persisted gaming-detection alert.
type GamingAlertRow struct {
	ID             string
	EntityID       string
	AlertType      string
	Severity       string
	Status         string
	ThresholdValue float64
	ActualValue    float64
	Details        map[string]any
	CreatedAt      time.Time
}

// InsertGamingAlert persists a new alert in active state.
func (s *Store) InsertGamingAlert(ctx context.Context, row *GamingAlertRow) error {
	details, err := json.Marshal(row.Details)
	if err != nil {
		return fmt.Errorf("marshal alert details: %w", err)
	}
	query := s.rebind(`
		INSERT INTO gaming_alerts
			(id, entity_id, alert_type, severity, status, threshold_value, actual_value, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.EntityID, row.AlertType, row.Severity, row.Status,
		row.ThresholdValue, row.ActualValue, string(details), row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert gaming alert: %w", err)
	}
	return nil
}

// ActiveGamingAlertCount reports unresolved alerts for an entity.
func (s *Store) ActiveGamingAlertCount(ctx context.Context, entityID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM gaming_alerts WHERE entity_id = ? AND status = 'ACTIVE'`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("active alert count: %w", err)
	}
	return n, nil
}
