// Package store is the durable, transactional persistence layer: trust
// records, signals and history, the proof chain and its tail, provenance,
// escalations, and ceiling audit entries. SQLite (modernc driver) serves
// embedded deployments; Postgres (lib/pq) serves the production profile.
// The proof chain tables expose no update path; they are append only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver
)

// Store wraps the SQL database shared by all sub-stores.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects and runs migrations. driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s := &Store{db: db, driver: driver}

	if driver == "sqlite" {
		// Serialized writes and durable commits for the chain tail.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("pragma failed: %w", err)
			}
		}
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind converts ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trust_records (
			entity_id TEXT PRIMARY KEY,
			score REAL NOT NULL,
			tier TEXT NOT NULL,
			behavioral REAL NOT NULL DEFAULT 0,
			compliance REAL NOT NULL DEFAULT 0,
			identity REAL NOT NULL DEFAULT 0,
			context REAL NOT NULL DEFAULT 0,
			signal_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			last_calculated_at TIMESTAMP NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS trust_signals (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			value REAL NOT NULL,
			weight REAL NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			delta REAL NOT NULL DEFAULT 0,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_entity ON trust_signals(entity_id, ts)`,
		`CREATE TABLE IF NOT EXISTS trust_history (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			previous_score REAL NOT NULL,
			score REAL NOT NULL,
			previous_tier TEXT NOT NULL,
			tier TEXT NOT NULL,
			signal_id TEXT,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_entity ON trust_history(entity_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			agent_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			creation_type TEXT NOT NULL,
			parent_agent_id TEXT,
			lineage_hash TEXT NOT NULL DEFAULT '',
			score_modifier REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proofs (
			chain_position INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			intent_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action_type TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			reasons TEXT NOT NULL DEFAULT '[]',
			inputs TEXT,
			outputs TEXT,
			inputs_hash TEXT NOT NULL,
			outputs_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			public_key TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proofs_entity ON proofs(entity_id, chain_position)`,
		`CREATE INDEX IF NOT EXISTS idx_proofs_intent ON proofs(intent_id)`,
		`CREATE TABLE IF NOT EXISTS chain_tail (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_hash TEXT NOT NULL,
			chain_length INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			rule_id TEXT NOT NULL DEFAULT '',
			requester_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			escalated_to TEXT NOT NULL DEFAULT '',
			require_justification INTEGER NOT NULL DEFAULT 0,
			auto_deny_on_timeout INTEGER NOT NULL DEFAULT 1,
			timeout_at TIMESTAMP NOT NULL,
			resolved_by TEXT,
			resolved_at TIMESTAMP,
			resolution TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status, timeout_at)`,
		`CREATE TABLE IF NOT EXISTS escalation_audit (
			id TEXT PRIMARY KEY,
			escalation_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			previous_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_audit ON escalation_audit(escalation_id, ts)`,
		`CREATE TABLE IF NOT EXISTS ceiling_audit (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			raw_score REAL NOT NULL,
			effective_score REAL NOT NULL,
			ceiling_source TEXT NOT NULL,
			framework TEXT NOT NULL,
			compliance_status TEXT NOT NULL,
			anomalous INTEGER NOT NULL DEFAULT 0,
			retention_until TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gaming_alerts (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			threshold_value REAL,
			actual_value REAL,
			details TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
