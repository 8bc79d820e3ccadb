package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// AlgorithmEd25519 is the only signature scheme the chain currently
// records. The algorithm field travels with every proof so a second
// scheme can be introduced without breaking verification of old records.
const AlgorithmEd25519 = "ed25519"

// Signer signs proof hashes and exposes the verification key in the
// hex wire encoding used throughout the proof chain.
type Signer struct {
	provider KeyProvider
}

// NewSigner wraps a KeyProvider.
func NewSigner(p KeyProvider) *Signer {
	return &Signer{provider: p}
}

// Sign returns the hex-encoded signature over data.
func (s *Signer) Sign(data []byte) (string, error) {
	sig, err := s.provider.Sign(data)
	if err != nil {
		return "", fmt.Errorf("sign failed: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// PublicKeyHex returns the hex-encoded verification key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.provider.PublicKey())
}

// Verify checks a hex signature against a hex public key. Malformed
// encodings are errors; a well-formed but wrong signature returns
// (false, nil).
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
