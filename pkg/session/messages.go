package session

import (
	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/store"
)

// maxLogTail truncates a session's message log to its most recent entries.
const maxLogTail = 1000

type persistedMessage struct {
	ID             uint64
	Direction      string
	Text           string
	Timestamp      int64
	Classification string
	ReplyTo        uint64
	SourceEventID  string
	SourceKind     uint16
	UserProfile    *persistedProfile
}

func toRecord(p persistedMessage) store.MessageRecord {
	r := store.MessageRecord{
		ID:             p.ID,
		Direction:      store.Direction(p.Direction),
		Text:           p.Text,
		Timestamp:      timestamp.T(p.Timestamp),
		Classification: store.Classification(p.Classification),
		ReplyTo:        p.ReplyTo,
		SourceEventID:  p.SourceEventID,
		SourceKind:     p.SourceKind,
	}
	if p.UserProfile != nil {
		up := fromPersistedProfile(*p.UserProfile)
		r.UserProfile = &up
	}
	return r
}

func fromRecord(r store.MessageRecord) persistedMessage {
	p := persistedMessage{
		ID:             r.ID,
		Direction:      string(r.Direction),
		Text:           r.Text,
		Timestamp:      r.Timestamp.I64(),
		Classification: string(r.Classification),
		ReplyTo:        r.ReplyTo,
		SourceEventID:  r.SourceEventID,
		SourceKind:     r.SourceKind,
	}
	if r.UserProfile != nil {
		pp := toPersistedProfile(*r.UserProfile)
		p.UserProfile = &pp
	}
	return p
}

// AppendMessage implements store.MessageLogger. The processed-event check,
// the log append, and the session metadata update all happen inside one
// badger transaction so a racing duplicate delivery either commits none of
// these effects or all of them, guaranteeing at most one stored record per
// event id.
func (d *D) AppendMessage(
	principal, sessionID string, rec store.MessageRecord, eventID string,
) (stored store.MessageRecord, err error) {
	err = d.db.Update(func(txn *badger.Txn) error {
		if eventID != "" {
			if _, getErr := txn.Get(eventProcessedKey(eventID)); getErr == nil {
				return store.ErrDuplicateEvent
			} else if getErr != badger.ErrKeyNotFound {
				return getErr
			}
		}
		mk := sessionMessagesKey(principal, sessionID)
		var msgs []persistedMessage
		if item, getErr := txn.Get(mk); getErr == nil {
			if vErr := item.Value(func(val []byte) error { return decode(val, &msgs) }); vErr != nil {
				return vErr
			}
		} else if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		var nextID uint64 = 1
		if len(msgs) > 0 {
			nextID = msgs[len(msgs)-1].ID + 1
		}
		rec.ID = nextID
		pm := fromRecord(rec)
		msgs = append(msgs, pm)
		if len(msgs) > maxLogTail {
			msgs = msgs[len(msgs)-maxLogTail:]
		}
		b, encErr := encode(msgs)
		if encErr != nil {
			return encErr
		}
		if setErr := txn.Set(mk, b); setErr != nil {
			return setErr
		}
		if metaErr := bumpSessionMeta(txn, principal, sessionID, len(msgs), rec.Timestamp); metaErr != nil {
			return metaErr
		}
		if eventID != "" {
			marker := persistedMarker{SessionID: sessionID, Timestamp: rec.Timestamp.I64()}
			mb, mErr := encode(marker)
			if mErr != nil {
				return mErr
			}
			if setErr := txn.Set(eventProcessedKey(eventID), mb); setErr != nil {
				return setErr
			}
		}
		stored = rec
		return nil
	})
	return stored, err
}

type persistedMarker struct {
	SessionID string
	Timestamp int64
}

func bumpSessionMeta(txn *badger.Txn, principal, sessionID string, count int, lastAt timestamp.T) error {
	mk := sessionMetaKey(principal, sessionID)
	var p persistedSessionMeta
	item, err := txn.Get(mk)
	if err == badger.ErrKeyNotFound {
		p = persistedSessionMeta{
			Principal: principal,
			SessionID: sessionID,
			CreatedAt: lastAt.I64(),
			Origin:    string(store.OriginOther),
		}
	} else if err != nil {
		return err
	} else {
		if vErr := item.Value(func(val []byte) error { return decode(val, &p) }); vErr != nil {
			return vErr
		}
	}
	p.MessageCount = count
	p.LastMessageAt = lastAt.I64()
	b, err := encode(p)
	if err != nil {
		return err
	}
	if err = txn.Set(mk, b); err != nil {
		return err
	}
	return addToSessionIndex(txn, principal, sessionID)
}

// History implements store.MessageLogger.
func (d *D) History(principal, sessionID string, limit int) (out []store.MessageRecord, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(sessionMessagesKey(principal, sessionID))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var msgs []persistedMessage
		if vErr := item.Value(func(val []byte) error { return decode(val, &msgs) }); vErr != nil {
			return vErr
		}
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out = make([]store.MessageRecord, len(msgs))
		for i, m := range msgs {
			out[i] = toRecord(m)
		}
		return nil
	})
	return out, err
}

// IsProcessed implements store.ProcessedEventMarker.
func (d *D) IsProcessed(eventID string) (processed bool, marker *store.ProcessedMarker, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(eventProcessedKey(eventID))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var m persistedMarker
		if vErr := item.Value(func(val []byte) error { return decode(val, &m) }); vErr != nil {
			return vErr
		}
		processed = true
		marker = &store.ProcessedMarker{SessionID: m.SessionID, Timestamp: timestamp.T(m.Timestamp)}
		return nil
	})
	return processed, marker, err
}

// HistoryAllSessions implements store.MessageLogger: unions every session
// for a principal sorted by timestamp, truncated to limit, used when a
// PrivateMessage's session tag is absent.
func (d *D) HistoryAllSessions(principal string, limit int) (out []store.MessageRecord, err error) {
	ids, err := d.ListSessions(principal)
	if err != nil {
		return nil, err
	}
	var all []store.MessageRecord
	for _, id := range ids {
		msgs, hErr := d.History(principal, id, 0)
		if hErr != nil {
			return nil, hErr
		}
		all = append(all, msgs...)
	}
	sortMessagesByTimestamp(all)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func sortMessagesByTimestamp(msgs []store.MessageRecord) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].Timestamp > msgs[j].Timestamp; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}
