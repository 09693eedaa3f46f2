package session

import (
	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/store"
)

type persistedBalance struct {
	Principal   string
	Sats        int64
	LastUpdated int64
}

func toBalance(p persistedBalance) *store.Balance {
	return &store.Balance{
		Principal:   p.Principal,
		Sats:        p.Sats,
		LastUpdated: timestamp.T(p.LastUpdated),
	}
}

func (d *D) getBalanceTxn(txn *badger.Txn, principal string) (persistedBalance, error) {
	item, err := txn.Get(balanceKey(principal))
	if err == badger.ErrKeyNotFound {
		return persistedBalance{Principal: principal}, nil
	}
	if err != nil {
		return persistedBalance{}, err
	}
	var p persistedBalance
	if vErr := item.Value(func(val []byte) error { return decode(val, &p) }); vErr != nil {
		return persistedBalance{}, vErr
	}
	return p, nil
}

// updateRetrying runs fn in a read-write transaction, running it again
// whenever badger reports a conflict with a concurrently committed
// transaction, so racing read-modify-writes serialize instead of failing.
func (d *D) updateRetrying(fn func(txn *badger.Txn) error) error {
	for {
		err := d.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
}

// GetBalance implements store.BalanceLedger.
func (d *D) GetBalance(principal string) (bal *store.Balance, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		p, gErr := d.getBalanceTxn(txn, principal)
		if gErr != nil {
			return gErr
		}
		bal = toBalance(p)
		return nil
	})
	return bal, err
}

// Credit implements store.BalanceLedger: adds amount to principal's
// balance. Runs inside a single read-modify-write transaction so two
// receipts crediting the same principal concurrently never lose an update.
func (d *D) Credit(principal string, amount int64) (bal *store.Balance, err error) {
	err = d.updateRetrying(func(txn *badger.Txn) error {
		p, gErr := d.getBalanceTxn(txn, principal)
		if gErr != nil {
			return gErr
		}
		p.Sats += amount
		p.LastUpdated = timestamp.Now().I64()
		b, encErr := encode(p)
		if encErr != nil {
			return encErr
		}
		if setErr := txn.Set(balanceKey(principal), b); setErr != nil {
			return setErr
		}
		bal = toBalance(p)
		return nil
	})
	return bal, err
}

// Debit implements store.BalanceLedger: subtracts amount if and only if the
// balance would not go negative. ok is false (with the balance left
// unchanged) when funds are insufficient.
func (d *D) Debit(principal string, amount int64) (ok bool, bal *store.Balance, err error) {
	err = d.updateRetrying(func(txn *badger.Txn) error {
		p, gErr := d.getBalanceTxn(txn, principal)
		if gErr != nil {
			return gErr
		}
		if p.Sats < amount {
			bal = toBalance(p)
			ok = false
			return nil
		}
		p.Sats -= amount
		p.LastUpdated = timestamp.Now().I64()
		b, encErr := encode(p)
		if encErr != nil {
			return encErr
		}
		if setErr := txn.Set(balanceKey(principal), b); setErr != nil {
			return setErr
		}
		bal = toBalance(p)
		ok = true
		return nil
	})
	return ok, bal, err
}
