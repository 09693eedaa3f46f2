// Package keys is the one concrete signer.I implementation the bot runs
// with: BIP-340 Schnorr signing and ECDH shared-secret derivation over
// secp256k1, backed by github.com/btcsuite/btcd/btcec/v2 and its schnorr
// subpackage.
package keys

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"zapai.dev/pkg/encoders/hex"
	"zapai.dev/pkg/interfaces/signer"
)

// Signer is a secp256k1/BIP-340 signer.I implementation.
type Signer struct {
	sec *btcec.PrivateKey
	pub *btcec.PublicKey
	pkb []byte
}

var _ signer.I = (*Signer)(nil)

// Generate creates a fresh keypair, mostly useful for tests.
func (s *Signer) Generate() (err error) {
	sec, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	return s.InitSec(sec.Serialize())
}

// InitSec initializes the signer from a raw 32-byte secret key.
func (s *Signer) InitSec(sec []byte) (err error) {
	if len(sec) != 32 {
		return fmt.Errorf("secret key must be 32 bytes, got %d", len(sec))
	}
	s.sec, s.pub = btcec.PrivKeyFromBytes(sec)
	s.pkb = schnorr.SerializePubKey(s.pub)
	return nil
}

// InitPub initializes a verify-only signer from a raw 32-byte x-only public key.
func (s *Signer) InitPub(pub []byte) (err error) {
	p, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return err
	}
	s.pub = p
	s.pkb = pub
	return nil
}

// Pub returns the x-only serialized public key.
func (s *Signer) Pub() []byte { return s.pkb }

// Sec returns the raw secret key bytes, or nil if verify-only.
func (s *Signer) Sec() []byte {
	if s.sec == nil {
		return nil
	}
	return s.sec.Serialize()
}

// Sign produces a BIP-340 Schnorr signature over msg (expected to already be
// a 32-byte digest, per nostr's event-id-is-the-signed-message convention).
func (s *Signer) Sign(msg []byte) (sig []byte, err error) {
	if s.sec == nil {
		return nil, fmt.Errorf("signer has no secret key")
	}
	sg, err := schnorr.Sign(s.sec, msg, schnorr.FastSign())
	if err != nil {
		return nil, err
	}
	return sg.Serialize(), nil
}

// Verify checks a BIP-340 signature.
func (s *Signer) Verify(msg, sig []byte) (valid bool, err error) {
	if s.pub == nil {
		return false, fmt.Errorf("signer has no public key")
	}
	sg, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, err
	}
	return sg.Verify(msg, s.pub), nil
}

// ECDH derives a shared secret with another party's x-only public key, used
// by pkg/crypto/envelope for NIP-04-shaped encryption. The x-only key is
// assumed even-y, the convention nostr keys use; GenerateSharedSecret
// returns the 32-byte x coordinate of the shared point.
func (s *Signer) ECDH(pub []byte) (secret []byte, err error) {
	if s.sec == nil {
		return nil, fmt.Errorf("signer has no secret key")
	}
	compressed := append([]byte{0x02}, pub...)
	theirs, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return nil, err
	}
	return btcec.GenerateSharedSecret(s.sec, theirs), nil
}

// DecodeSecret decodes BOT_PRIVATE_KEY, which is either a 64-char hex string
// or a bech32 "nsec1..." string.
func DecodeSecret(s string) (sec []byte, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		return decodeNsec(s)
	}
	return hex.Dec(s)
}
