package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/encoders/hex"
)

func TestGenerateThenSignAndVerifyRoundTrips(t *testing.T) {
	s := &Signer{}
	require.NoError(t, s.Generate())

	msg := make([]byte, 32)
	for i := range msg {
		msg[i] = byte(i)
	}
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	valid, err := s.Verify(msg, sig)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestInitSecRejectsWrongLength(t *testing.T) {
	s := &Signer{}
	require.Error(t, s.InitSec([]byte{1, 2, 3}))
}

func TestInitPubOnlySignerCannotSign(t *testing.T) {
	full := &Signer{}
	require.NoError(t, full.Generate())

	verifyOnly := &Signer{}
	require.NoError(t, verifyOnly.InitPub(full.Pub()))

	_, err := verifyOnly.Sign(make([]byte, 32))
	require.Error(t, err)
	require.Nil(t, verifyOnly.Sec())
}

func TestECDHIsSymmetricBetweenTwoParties(t *testing.T) {
	alice := &Signer{}
	require.NoError(t, alice.Generate())
	bob := &Signer{}
	require.NoError(t, bob.Generate())

	aliceSide, err := alice.ECDH(bob.Pub())
	require.NoError(t, err)
	bobSide, err := bob.ECDH(alice.Pub())
	require.NoError(t, err)

	require.Equal(t, aliceSide, bobSide, "ECDH must derive the same shared secret from either side")
}

func TestDecodeSecretAcceptsHex(t *testing.T) {
	s := &Signer{}
	require.NoError(t, s.Generate())
	sec := s.Sec()

	decoded, err := DecodeSecret(hex.Enc(sec))
	require.NoError(t, err)
	require.Equal(t, sec, decoded)
}
