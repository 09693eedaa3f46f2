// Package timestamp is the nostr "created_at" seconds-since-epoch type.
package timestamp

import "time"

// T is a unix-seconds timestamp, the resolution nostr events use.
type T int64

// Now returns the current time as a T.
func Now() T { return T(time.Now().Unix()) }

// Time converts back to a time.Time.
func (t T) Time() time.Time { return time.Unix(int64(t), 0) }

// I64 returns the raw int64 value.
func (t T) I64() int64 { return int64(t) }
