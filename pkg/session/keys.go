// Package session is the one concrete store.I implementation the bot runs
// with: a badger-backed embedded key/value store holding session state,
// conversation history, balances, and cached profiles under a fixed set of
// key prefixes.
package session

import "fmt"

// Key prefixes for the store's flat keyspace.
const (
	prefixSessionMeta     = "session:meta:"
	prefixSessionMessages = "session:messages:"
	prefixUserSessions    = "user:sessions:"
	prefixEventProcessed  = "event:processed:"
	prefixBalance         = "balance:"
	prefixZap             = "zap:"
	// prefixProfile is the cached-profile entry: ephemeral bookkeeping
	// rather than durable ledger state, so it gets its own prefix instead
	// of overloading balance:.
	prefixProfile = "profile:"
)

func sessionMetaKey(principal, sessionID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixSessionMeta, principal, sessionID))
}

func sessionMessagesKey(principal, sessionID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixSessionMessages, principal, sessionID))
}

func userSessionsKey(principal string) []byte {
	return []byte(prefixUserSessions + principal)
}

func eventProcessedKey(eventID string) []byte {
	return []byte(prefixEventProcessed + eventID)
}

func balanceKey(principal string) []byte {
	return []byte(prefixBalance + principal)
}

func zapKey(principal string, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", prefixZap, principal, timestampMs))
}

func profileKey(principal string) []byte {
	return []byte(prefixProfile + principal)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan:
// prefix + "\xFF".
func prefixUpperBound(prefix []byte) []byte {
	b := make([]byte, len(prefix)+1)
	copy(b, prefix)
	b[len(prefix)] = 0xFF
	return b
}
