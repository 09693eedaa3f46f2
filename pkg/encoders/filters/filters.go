// Package filters is an ordered set of filter.F, sent together in a single
// REQ message.
package filters

import "zapai.dev/pkg/encoders/filter"

// T is a list of filters, any one of which may match for the REQ to deliver
// an event.
type T struct {
	F []*filter.F
}

// New wraps a slice of filters.
func New(fs ...*filter.F) *T { return &T{F: fs} }
