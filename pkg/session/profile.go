package session

import (
	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/interfaces/store"
)

// persistedProfile mirrors store.UserProfile plus the fetchedAt cache
// bookkeeping field that only the store itself needs.
type persistedProfile struct {
	Name             string
	DisplayName      string
	About            string
	IdentityVerifier string
	LightningAddr    string
	Website          string
	FetchedAt        int64
}

func toPersistedProfile(p store.UserProfile) persistedProfile {
	return persistedProfile{
		Name:             p.Name,
		DisplayName:      p.DisplayName,
		About:            p.About,
		IdentityVerifier: p.IdentityVerifier,
		LightningAddr:    p.LightningAddr,
		Website:          p.Website,
	}
}

func fromPersistedProfile(p persistedProfile) store.UserProfile {
	return store.UserProfile{
		Name:             p.Name,
		DisplayName:      p.DisplayName,
		About:            p.About,
		IdentityVerifier: p.IdentityVerifier,
		LightningAddr:    p.LightningAddr,
		Website:          p.Website,
	}
}

// GetProfile implements store.ProfileCacher. The bool return is false when
// nothing is cached for principal; callers compare fetchedAt against their
// own TTL to decide whether a cached entry is still fresh.
func (d *D) GetProfile(principal string) (profile *store.UserProfile, fetchedAt int64, found bool) {
	_ = d.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(profileKey(principal))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var p persistedProfile
		if vErr := item.Value(func(val []byte) error { return decode(val, &p) }); vErr != nil {
			return vErr
		}
		up := fromPersistedProfile(p)
		profile = &up
		fetchedAt = p.FetchedAt
		found = true
		return nil
	})
	return profile, fetchedAt, found
}

// PutProfile implements store.ProfileCacher.
func (d *D) PutProfile(principal string, profile store.UserProfile, fetchedAt int64) error {
	p := toPersistedProfile(profile)
	p.FetchedAt = fetchedAt
	b, err := encode(p)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(profileKey(principal), b)
	})
}
