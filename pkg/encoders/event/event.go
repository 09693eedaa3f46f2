// Package event is the signed nostr event record.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"zapai.dev/pkg/encoders/hex"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/tag"
	"zapai.dev/pkg/encoders/tags"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/signer"
)

// E is an immutable signed event: opaque id, author principal, kind,
// created-at, ordered tags, and opaque content (plaintext or ciphertext
// depending on kind).
type E struct {
	Id        []byte    `json:"id"`
	Pubkey    []byte    `json:"pubkey"`
	CreatedAt timestamp.T `json:"created_at"`
	Kind      kind.K    `json:"kind"`
	Tags      tags.T    `json:"tags"`
	Content   string    `json:"content"`
	Sig       []byte    `json:"sig"`
}

// jsonEvent is the wire shape: ids/keys/sig hex-encoded, tags as [][]string.
type jsonEvent struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// MarshalJSON renders the event in the standard nostr wire format.
func (ev *E) MarshalJSON() ([]byte, error) {
	t := make([][]string, len(ev.Tags))
	for i, tg := range ev.Tags {
		t[i] = []string(tg)
	}
	return json.Marshal(jsonEvent{
		Id:        hex.Enc(ev.Id),
		Pubkey:    hex.Enc(ev.Pubkey),
		CreatedAt: ev.CreatedAt.I64(),
		Kind:      uint16(ev.Kind),
		Tags:      t,
		Content:   ev.Content,
		Sig:       hex.Enc(ev.Sig),
	})
}

// UnmarshalJSON parses the standard nostr wire format.
func (ev *E) UnmarshalJSON(b []byte) (err error) {
	var j jsonEvent
	if err = json.Unmarshal(b, &j); err != nil {
		return err
	}
	if ev.Id, err = hex.Dec(j.Id); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	if ev.Pubkey, err = hex.Dec(j.Pubkey); err != nil {
		return fmt.Errorf("event pubkey: %w", err)
	}
	if j.Sig != "" {
		if ev.Sig, err = hex.Dec(j.Sig); err != nil {
			return fmt.Errorf("event sig: %w", err)
		}
	}
	ev.CreatedAt = timestamp.T(j.CreatedAt)
	ev.Kind = kind.K(j.Kind)
	ev.Tags = make(tags.T, len(j.Tags))
	for i, t := range j.Tags {
		ev.Tags[i] = tag.T(t)
	}
	ev.Content = j.Content
	return nil
}

// serializeForID builds the NIP-01 ID-preimage array:
// [0, pubkey, created_at, kind, tags, content].
func (ev *E) serializeForID() []byte {
	t := make([][]string, len(ev.Tags))
	for i, tg := range ev.Tags {
		t[i] = []string(tg)
	}
	arr := []any{0, hex.Enc(ev.Pubkey), ev.CreatedAt.I64(), uint16(ev.Kind), t, ev.Content}
	b, _ := json.Marshal(arr)
	return b
}

// GetIDBytes computes the event id: sha256 of the NIP-01 serialization.
func (ev *E) GetIDBytes() []byte {
	sum := sha256.Sum256(ev.serializeForID())
	return sum[:]
}

// Sign populates Pubkey, Id and Sig from the given signer. The caller must
// set CreatedAt, Kind, Tags and Content first.
func (ev *E) Sign(keys signer.I) (err error) {
	ev.Pubkey = keys.Pub()
	ev.Id = ev.GetIDBytes()
	if ev.Sig, err = keys.Sign(ev.Id); err != nil {
		return err
	}
	return nil
}

// Verify checks that Id matches the content and Sig is valid for Pubkey.
func (ev *E) Verify(verifier signer.I) (valid bool, err error) {
	if err = verifier.InitPub(ev.Pubkey); err != nil {
		return false, err
	}
	id := ev.GetIDBytes()
	if !bytes.Equal(id, ev.Id) {
		return false, fmt.Errorf("event id does not match content")
	}
	return verifier.Verify(ev.Id, ev.Sig)
}

// FirstTag returns the first tag matching name, or nil.
func (ev *E) FirstTag(name string) tag.T { return ev.Tags.GetFirst(name) }
