package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/crypto/keys"
)

func newKeypair(t *testing.T) *keys.Signer {
	t.Helper()
	s := &keys.Signer{}
	require.NoError(t, s.Generate())
	return s
}

func TestEncryptDecryptRoundTrips(t *testing.T) {
	alice := newKeypair(t)
	bob := newKeypair(t)

	ct, err := Encrypt("hello bob", alice, bob.Pub())
	require.NoError(t, err)
	require.Contains(t, ct, "?iv=")

	pt, err := Decrypt(ct, bob, alice.Pub())
	require.NoError(t, err)
	require.Equal(t, "hello bob", pt)
}

func TestEncryptProducesDistinctIVsEachCall(t *testing.T) {
	alice := newKeypair(t)
	bob := newKeypair(t)

	ct1, err := Encrypt("same message", alice, bob.Pub())
	require.NoError(t, err)
	ct2, err := Encrypt("same message", alice, bob.Pub())
	require.NoError(t, err)

	require.NotEqual(t, ct1, ct2, "a fresh random IV must be used on every call")
}

func TestDecryptRejectsMalformedContent(t *testing.T) {
	bob := newKeypair(t)
	alice := newKeypair(t)

	_, err := Decrypt("not-a-valid-envelope", bob, alice.Pub())
	require.Error(t, err)
}

func TestDecryptWithWrongSenderNeverRecoversPlaintext(t *testing.T) {
	alice := newKeypair(t)
	bob := newKeypair(t)
	mallory := newKeypair(t)

	ct, err := Encrypt("secret", alice, bob.Pub())
	require.NoError(t, err)

	pt, err := Decrypt(ct, bob, mallory.Pub())
	if err == nil {
		require.NotEqual(t, "secret", pt, "decrypting with the wrong sender key must not recover the plaintext")
	}
}
