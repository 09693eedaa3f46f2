package store

import "errors"

// ErrDuplicateEvent is returned by AppendMessage when eventID has already
// been processed by another worker that won the race.
var ErrDuplicateEvent = errors.New("duplicate event id")
