// Package filter is the nostr REQ filter, used both for the relay
// supervisor's startup subscriptions and for the bot's own profile-query
// fetches.
package filter

import (
	"encoding/json"

	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/timestamp"
)

// F is a single REQ filter. Tags holds single-letter tag filters such as
// "#p" or "#e", keyed without the leading "#".
type F struct {
	IDs     []string          `json:"ids,omitempty"`
	Authors []string          `json:"authors,omitempty"`
	Kinds   []kind.K          `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *timestamp.T      `json:"since,omitempty"`
	Until   *timestamp.T      `json:"until,omitempty"`
	Limit   *int              `json:"limit,omitempty"`
}

// New returns an empty filter ready for field assignment.
func New() *F { return &F{Tags: map[string][]string{}} }

// WithTag sets a single-letter tag filter (e.g. "p", "e") to the given values.
func (f *F) WithTag(letter string, values ...string) *F {
	if f.Tags == nil {
		f.Tags = map[string][]string{}
	}
	f.Tags[letter] = values
	return f
}

// MarshalJSON renders Tags as "#p", "#e" ... keys alongside the regular
// fields, matching the NIP-01 REQ filter wire shape.
func (f *F) MarshalJSON() (b []byte, err error) {
	type alias F
	m := map[string]any{}
	raw, err := json.Marshal((*alias)(f))
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for letter, values := range f.Tags {
		m["#"+letter] = values
	}
	return json.Marshal(m)
}
