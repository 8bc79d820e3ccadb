package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	s := NewSigner(kp)

	msg := []byte("sha256:deadbeef")
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(s.PublicKeyHex(), sig, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKeyHex(), sig, []byte("sha256:tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	_, err := Verify("not-hex", "00", []byte("x"))
	assert.Error(t, err)

	_, err = Verify("abcd", "00", []byte("x")) // wrong key size
	assert.Error(t, err)
}

func TestDerivedKeyProviderDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	a, err := NewDerivedKeyProvider(seed, "proof-chain")
	require.NoError(t, err)
	b, err := NewDerivedKeyProvider(seed, "proof-chain")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	c, err := NewDerivedKeyProvider(seed, "other-context")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())
}

func TestDerivedKeyProviderShortSeed(t *testing.T) {
	_, err := NewDerivedKeyProvider([]byte("short"), "proof-chain")
	assert.Error(t, err)
}
