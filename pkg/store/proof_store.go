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

// GenesisHash seeds the chain before the first record.
const GenesisHash = "genesis"

// ChainTail is the committed head state of the proof chain.
type ChainTail struct {
	LastHash    string
	ChainLength uint64
}

// Tail returns the committed chain tail, creating the genesis row on
// first use.
func (s *Store) Tail(ctx context.Context) (*ChainTail, error) {
	query := s.rebind(`SELECT last_hash, chain_length FROM chain_tail WHERE id = 1`)
	var t ChainTail
	err := s.db.QueryRowContext(ctx, query).Scan(&t.LastHash, &t.ChainLength)
	if errors.Is(err, sql.ErrNoRows) {
		init := s.rebind(`INSERT INTO chain_tail (id, last_hash, chain_length) VALUES (1, ?, 0)`)
		if _, err := s.db.ExecContext(ctx, init, GenesisHash); err != nil {
			return nil, fmt.Errorf("init chain tail: %w", err)
		}
		return &ChainTail{LastHash: GenesisHash, ChainLength: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return &t, nil
}

// CommitProof inserts a proof record and advances the tail in one
// transaction. The tail update is guarded by the expected chain length;
// a concurrent writer that advanced the tail first causes a
// ConcurrencyConflict and nothing is written.
func (s *Store) CommitProof(ctx context.Context, p *contracts.Proof, expectedLength uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	reasons, err := json.Marshal(p.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	insert := s.rebind(`
		INSERT INTO proofs
			(chain_position, id, intent_id, entity_id, action_type, decision, reasons,
			 inputs, outputs, inputs_hash, outputs_hash, previous_hash, hash,
			 signature, public_key, algorithm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		p.ChainPosition, p.ID, p.IntentID, p.EntityID, p.ActionType, p.Decision,
		string(reasons), nullableRaw(p.Inputs), nullableRaw(p.Outputs),
		p.InputsHash, p.OutputsHash, p.PreviousHash, p.Hash,
		p.Signature, p.PublicKey, p.Algorithm, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}

	advance := s.rebind(`
		UPDATE chain_tail SET last_hash = ?, chain_length = ?
		WHERE id = 1 AND chain_length = ?`)
	res, err := tx.ExecContext(ctx, advance, p.Hash, expectedLength+1, expectedLength)
	if err != nil {
		return fmt.Errorf("advance tail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance tail: %w", err)
	}
	if n == 0 {
		return &contracts.ConcurrencyConflict{
			Resource:   "chain_tail",
			RetryAfter: 5 * time.Millisecond,
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit proof: %w", err)
	}
	return nil
}

const proofColumns = `chain_position, id, intent_id, entity_id, action_type, decision,
	reasons, inputs, outputs, inputs_hash, outputs_hash, previous_hash, hash,
	signature, public_key, algorithm, created_at`

// GetProofByID fetches one proof record.
func (s *Store) GetProofByID(ctx context.Context, id string) (*contracts.Proof, error) {
	query := s.rebind(`SELECT ` + proofColumns + ` FROM proofs WHERE id = ?`)
	return s.scanProof(s.db.QueryRowContext(ctx, query, id))
}

// GetProofByPosition fetches the proof at a chain position.
func (s *Store) GetProofByPosition(ctx context.Context, pos uint64) (*contracts.Proof, error) {
	query := s.rebind(`SELECT ` + proofColumns + ` FROM proofs WHERE chain_position = ?`)
	return s.scanProof(s.db.QueryRowContext(ctx, query, pos))
}

// ProofFilter narrows a chain query. Zero values mean "no constraint".
type ProofFilter struct {
	EntityID string
	IntentID string
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// QueryProofs returns matching records ordered by chain position ascending.
func (s *Store) QueryProofs(ctx context.Context, f ProofFilter) ([]*contracts.Proof, error) {
	query := `SELECT ` + proofColumns + ` FROM proofs WHERE 1=1`
	var args []any
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.IntentID != "" {
		query += ` AND intent_id = ?`
		args = append(args, f.IntentID)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY chain_position ASC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query proofs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Proof
	for rows.Next() {
		p, err := scanProofRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProofStats summarizes the chain for the stats endpoint.
type ProofStats struct {
	TotalRecords      uint64            `json:"total_records"`
	ChainLength       uint64            `json:"chain_length"`
	LastRecordAt      *time.Time        `json:"last_record_at,omitempty"`
	RecordsByDecision map[string]uint64 `json:"records_by_decision"`
}

// Stats aggregates proof counts by decision.
func (s *Store) Stats(ctx context.Context) (*ProofStats, error) {
	tail, err := s.Tail(ctx)
	if err != nil {
		return nil, err
	}
	stats := &ProofStats{
		ChainLength:       tail.ChainLength,
		RecordsByDecision: make(map[string]uint64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT decision, COUNT(*) FROM proofs GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("proof stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var decision string
		var count uint64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		stats.RecordsByDecision[decision] = count
		stats.TotalRecords += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM proofs`).Scan(&last)
	if err == nil && last.Valid {
		stats.LastRecordAt = &last.Time
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProof(row *sql.Row) (*contracts.Proof, error) {
	p, err := scanProofRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return p, err
}

func scanProofRow(row rowScanner) (*contracts.Proof, error) {
	var p contracts.Proof
	var reasons string
	var inputs, outputs sql.NullString
	err := row.Scan(
		&p.ChainPosition, &p.ID, &p.IntentID, &p.EntityID, &p.ActionType,
		&p.Decision, &reasons, &inputs, &outputs, &p.InputsHash, &p.OutputsHash,
		&p.PreviousHash, &p.Hash, &p.Signature, &p.PublicKey, &p.Algorithm,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reasons), &p.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	if inputs.Valid {
		p.Inputs = json.RawMessage(inputs.String)
	}
	if outputs.Valid {
		p.Outputs = json.RawMessage(outputs.String)
	}
	return &p, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
