// Package proofchain maintains the append-only, hash-linked, signed
// ledger of governance decisions. Every append canonicalizes, hashes
// and signs the record, then commits it together with the chain tail
// in one transaction, so a crash can never leave a record without a
// tail update or vice versa.
package proofchain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/canonicalize"
	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/crypto"
	"github.com/vorion-labs/cognigate/pkg/store"
)

// Chain is the single-writer proof ledger. Appends for the entire
// system serialize on mu; evaluation for different entities runs in
// parallel up to this point and queues here.
type Chain struct {
	store  *store.Store
	signer *crypto.Signer
	logger *slog.Logger
	clock  func() time.Time

	mu sync.Mutex
}

// New builds a chain over the given store and signer.
func New(st *store.Store, signer *crypto.Signer, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{store: st, signer: signer, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Entry is the material recorded for one decision.
type Entry struct {
	IntentID   string
	EntityID   string
	ActionType string
	Decision   contracts.DecisionAction
	Reasons    []string
	Inputs     any
	Outputs    any
}

// Append creates, signs, and commits the next proof record. The store
// commit is guarded by the expected chain length; losing that race to
// another writer retries against the fresh tail a bounded number of
// times.
func (c *Chain) Append(ctx context.Context, entry Entry) (*contracts.Proof, error) {
	if entry.IntentID == "" {
		return nil, contracts.NewValidationError("intent_id", "must not be empty")
	}
	if entry.EntityID == "" {
		return nil, contracts.NewValidationError("entity_id", "must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inputsRaw, inputsHash, err := marshalAndHash(entry.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	outputsRaw, outputsHash, err := marshalAndHash(entry.Outputs)
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tail, err := c.store.Tail(ctx)
		if err != nil {
			return nil, err
		}

		p := &contracts.Proof{
			ID:            uuid.New().String(),
			ChainPosition: tail.ChainLength,
			IntentID:      entry.IntentID,
			EntityID:      entry.EntityID,
			ActionType:    entry.ActionType,
			Decision:      entry.Decision,
			Reasons:       entry.Reasons,
			Inputs:        inputsRaw,
			Outputs:       outputsRaw,
			InputsHash:    inputsHash,
			OutputsHash:   outputsHash,
			PreviousHash:  tail.LastHash,
			CreatedAt:     c.clock().UTC(),
		}

		p.Hash, err = computeHash(p)
		if err != nil {
			return nil, err
		}
		p.Signature, err = c.signer.Sign([]byte(p.Hash))
		if err != nil {
			return nil, fmt.Errorf("sign proof: %w", err)
		}
		p.PublicKey = c.signer.PublicKeyHex()
		p.Algorithm = crypto.AlgorithmEd25519

		err = c.store.CommitProof(ctx, p, tail.ChainLength)
		if err == nil {
			return p, nil
		}
		if !contracts.IsConflict(err) {
			return nil, err
		}
		c.logger.Debug("chain tail moved, retrying append", "attempt", attempt+1)
	}
	return nil, contracts.ErrRetriesExhausted
}

// Verification reports the integrity of one proof record. Issues name
// each failure; an empty list means the record verified clean.
type Verification struct {
	ProofID        string    `json:"proof_id"`
	Valid          bool      `json:"valid"`
	ChainValid     bool      `json:"chain_valid"`
	SignatureValid bool      `json:"signature_valid"`
	Issues         []string  `json:"issues"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Verify recomputes the hash, validates the signature, and checks
// linkage to the previous record. Read-only and idempotent.
func (c *Chain) Verify(ctx context.Context, id string) (*Verification, error) {
	p, err := c.store.GetProofByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v := c.verifyRecord(ctx, p)
	return v, nil
}

func (c *Chain) verifyRecord(ctx context.Context, p *contracts.Proof) *Verification {
	v := &Verification{
		ProofID:        p.ID,
		ChainValid:     true,
		SignatureValid: true,
		Issues:         []string{},
		VerifiedAt:     c.clock().UTC(),
	}

	computed, err := computeHash(p)
	if err != nil {
		v.Issues = append(v.Issues, fmt.Sprintf("hash computation failed: %v", err))
	} else if computed != p.Hash {
		v.Issues = append(v.Issues, "hash mismatch: stored hash does not match recomputed hash")
	}

	ok, err := crypto.Verify(p.PublicKey, p.Signature, []byte(p.Hash))
	if err != nil {
		v.SignatureValid = false
		v.Issues = append(v.Issues, fmt.Sprintf("signature malformed: %v", err))
	} else if !ok {
		v.SignatureValid = false
		v.Issues = append(v.Issues, "signature invalid for stored public key")
	}

	if p.ChainPosition > 0 {
		prev, err := c.store.GetProofByPosition(ctx, p.ChainPosition-1)
		if err != nil {
			v.ChainValid = false
			v.Issues = append(v.Issues, fmt.Sprintf("previous record unavailable: %v", err))
		} else if p.PreviousHash != prev.Hash {
			v.ChainValid = false
			v.Issues = append(v.Issues, "chain linkage broken: previous_hash does not match predecessor")
		}
	} else if p.PreviousHash != store.GenesisHash {
		v.ChainValid = false
		v.Issues = append(v.Issues, "genesis record must link to the genesis hash")
	}

	v.Valid = len(v.Issues) == 0
	return v
}

// ChainVerification is the result of a whole-chain walk.
type ChainVerification struct {
	Valid             bool     `json:"valid"`
	ChainLength       uint64   `json:"chain_length"`
	LastValidPosition int64    `json:"last_valid_position"`
	Issues            []string `json:"issues"`
}

// VerifyChain walks the chain in order, stopping at the first invalid
// record. LastValidPosition bounds the blast radius of any tampering:
// every record at or before it verified clean. -1 means no record did.
func (c *Chain) VerifyChain(ctx context.Context) (*ChainVerification, error) {
	tail, err := c.store.Tail(ctx)
	if err != nil {
		return nil, err
	}

	result := &ChainVerification{
		Valid:             true,
		ChainLength:       tail.ChainLength,
		LastValidPosition: -1,
		Issues:            []string{},
	}

	prevHash := store.GenesisHash
	for pos := uint64(0); pos < tail.ChainLength; pos++ {
		p, err := c.store.GetProofByPosition(ctx, pos)
		if err != nil {
			result.Valid = false
			result.Issues = append(result.Issues, fmt.Sprintf("position %d: record missing: %v", pos, err))
			return result, nil
		}
		if p.PreviousHash != prevHash {
			result.Valid = false
			result.Issues = append(result.Issues, fmt.Sprintf("position %d: chain linkage broken", pos))
			return result, nil
		}
		computed, err := computeHash(p)
		if err != nil || computed != p.Hash {
			result.Valid = false
			result.Issues = append(result.Issues, fmt.Sprintf("position %d: hash mismatch", pos))
			return result, nil
		}
		ok, err := crypto.Verify(p.PublicKey, p.Signature, []byte(p.Hash))
		if err != nil || !ok {
			result.Valid = false
			result.Issues = append(result.Issues, fmt.Sprintf("position %d: signature invalid", pos))
			return result, nil
		}
		result.LastValidPosition = int64(pos)
		prevHash = p.Hash
	}

	if tail.ChainLength > 0 && prevHash != tail.LastHash {
		result.Valid = false
		result.Issues = append(result.Issues, "tail hash does not match last record")
	}
	return result, nil
}

// Get returns one proof with its verification status.
func (c *Chain) Get(ctx context.Context, id string) (*contracts.Proof, *Verification, error) {
	p, err := c.store.GetProofByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, c.verifyRecord(ctx, p), nil
}

// Query pages matching proofs ordered by chain position.
func (c *Chain) Query(ctx context.Context, f store.ProofFilter) ([]*contracts.Proof, error) {
	return c.store.QueryProofs(ctx, f)
}

// Stats summarizes the ledger.
func (c *Chain) Stats(ctx context.Context) (*store.ProofStats, error) {
	return c.store.Stats(ctx)
}

// Length returns the committed chain length.
func (c *Chain) Length(ctx context.Context) (uint64, error) {
	tail, err := c.store.Tail(ctx)
	if err != nil {
		return 0, err
	}
	return tail.ChainLength, nil
}

// Tip returns the committed tail hash and length.
func (c *Chain) Tip(ctx context.Context) (*store.ChainTail, error) {
	return c.store.Tail(ctx)
}

// hashPayload is the canonical pre-hash form of a proof: every field
// except the hash itself and the signature block.
type hashPayload struct {
	ID            string          `json:"id"`
	ChainPosition uint64          `json:"chain_position"`
	IntentID      string          `json:"intent_id"`
	EntityID      string          `json:"entity_id"`
	ActionType    string          `json:"action_type"`
	Decision      string          `json:"decision"`
	Reasons       []string        `json:"reasons"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	InputsHash    string          `json:"inputs_hash"`
	OutputsHash   string          `json:"outputs_hash"`
	PreviousHash  string          `json:"previous_hash"`
	CreatedAt     string          `json:"created_at"`
}

func computeHash(p *contracts.Proof) (string, error) {
	payload := hashPayload{
		ID:            p.ID,
		ChainPosition: p.ChainPosition,
		IntentID:      p.IntentID,
		EntityID:      p.EntityID,
		ActionType:    p.ActionType,
		Decision:      string(p.Decision),
		Reasons:       p.Reasons,
		Inputs:        p.Inputs,
		Outputs:       p.Outputs,
		InputsHash:    p.InputsHash,
		OutputsHash:   p.OutputsHash,
		PreviousHash:  p.PreviousHash,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if payload.Reasons == nil {
		payload.Reasons = []string{}
	}
	h, err := canonicalize.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("proof hash: %w", err)
	}
	return h, nil
}

func marshalAndHash(v any) (json.RawMessage, string, error) {
	if v == nil {
		return nil, canonicalize.HashBytes(nil), nil
	}
	canonical, err := canonicalize.JCS(v)
	if err != nil {
		return nil, "", err
	}
	return canonical, canonicalize.HashBytes(canonical), nil
}
