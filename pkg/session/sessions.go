package session

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/store"
)

// persistedSessionMeta is the msgpack-encoded value at session:meta:p:s.
type persistedSessionMeta struct {
	Principal     string
	SessionID     string
	CreatedAt     int64
	LastMessageAt int64
	MessageCount  int
	Origin        string
	Label         string
}

func toMeta(p persistedSessionMeta) *store.SessionMeta {
	return &store.SessionMeta{
		Principal:     p.Principal,
		SessionID:     p.SessionID,
		CreatedAt:     timestamp.T(p.CreatedAt),
		LastMessageAt: timestamp.T(p.LastMessageAt),
		MessageCount:  p.MessageCount,
		Origin:        store.Origin(p.Origin),
		Label:         p.Label,
	}
}

// synthesizeSessionID mints a short opaque session id when a client omits
// one.
func synthesizeSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// GetOrCreateSession implements store.SessionKeeper.
func (d *D) GetOrCreateSession(principal, sessionID string, origin store.Origin) (meta *store.SessionMeta, err error) {
	if sessionID == "" {
		sessionID = synthesizeSessionID()
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		mk := sessionMetaKey(principal, sessionID)
		item, getErr := txn.Get(mk)
		if getErr == nil {
			var p persistedSessionMeta
			if vErr := item.Value(func(val []byte) error { return decode(val, &p) }); vErr != nil {
				return vErr
			}
			meta = toMeta(p)
			return nil
		}
		if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		now := timestamp.Now().I64()
		p := persistedSessionMeta{
			Principal:     principal,
			SessionID:     sessionID,
			CreatedAt:     now,
			LastMessageAt: now,
			MessageCount:  0,
			Origin:        string(origin),
		}
		b, encErr := encode(p)
		if encErr != nil {
			return encErr
		}
		if setErr := txn.Set(mk, b); setErr != nil {
			return setErr
		}
		if idxErr := addToSessionIndex(txn, principal, sessionID); idxErr != nil {
			return idxErr
		}
		meta = toMeta(p)
		return nil
	})
	return meta, err
}

// addToSessionIndex appends sessionID to user:sessions:<principal> if not
// already present, preserving insertion order.
func addToSessionIndex(txn *badger.Txn, principal, sessionID string) error {
	k := userSessionsKey(principal)
	var ids []string
	item, err := txn.Get(k)
	if err == nil {
		if vErr := item.Value(func(val []byte) error { return decode(val, &ids) }); vErr != nil {
			return vErr
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}
	for _, id := range ids {
		if id == sessionID {
			return nil
		}
	}
	ids = append(ids, sessionID)
	b, err := encode(ids)
	if err != nil {
		return err
	}
	return txn.Set(k, b)
}

// ListSessions implements store.SessionKeeper.
func (d *D) ListSessions(principal string) (ids []string, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(userSessionsKey(principal))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		return item.Value(func(val []byte) error { return decode(val, &ids) })
	})
	return ids, err
}
