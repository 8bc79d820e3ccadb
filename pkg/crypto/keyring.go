// Package crypto provides the signing keyring for proof records.
// The in-memory provider serves development; the derived provider
// produces a stable Ed25519 key from an operator-held seed so chain
// signatures survive restarts. Either can be swapped for an HSM or
// KMS-backed implementation of KeyProvider.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider is the interface for signing operations.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds a freshly generated key. Development only:
// signatures do not survive a restart.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates an ephemeral Ed25519 keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keygen failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// DerivedKeyProvider derives its Ed25519 key from a seed via HKDF so the
// same seed and context always yield the same signing key.
type DerivedKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewDerivedKeyProvider expands seed into a signing key. The context
// string domain-separates keys derived from the same seed.
func NewDerivedKeyProvider(seed []byte, context string) (*DerivedKeyProvider, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("seed too short: need at least 16 bytes, got %d", len(seed))
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(context))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return &DerivedKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (d *DerivedKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(d.priv, msg), nil
}

func (d *DerivedKeyProvider) PublicKey() ed25519.PublicKey {
	return d.pub
}
