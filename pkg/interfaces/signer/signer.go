// Package signer declares the key-holding collaborator: an opaque holder of
// the bot's secret key that signs event envelopes and performs the
// private-message envelope encryption. Only this interface is a dependency
// of the core; pkg/crypto/keys provides the one concrete implementation the
// bot runs with.
package signer

// I is implemented by anything that can sign on behalf of one nostr keypair
// and perform ECDH with another party's public key (for envelope
// encryption).
type I interface {
	// Pub returns the raw 32-byte public key.
	Pub() []byte
	// Sec returns the raw 32-byte secret key, or nil if this I only holds a
	// public key (verify-only).
	Sec() []byte
	// InitSec initializes the signer from a raw secret key.
	InitSec(sec []byte) error
	// InitPub initializes a verify-only signer from a raw public key.
	InitPub(pub []byte) error
	// Sign produces a signature over msg (the event id).
	Sign(msg []byte) (sig []byte, err error)
	// Verify checks a signature over msg against this signer's public key.
	Verify(msg, sig []byte) (valid bool, err error)
	// ECDH derives a shared secret with another party's public key, used as
	// input to the envelope encryption scheme.
	ECDH(pub []byte) (secret []byte, err error)
}
