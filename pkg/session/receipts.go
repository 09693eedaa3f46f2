package session

import (
	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/interfaces/store"
)

type persistedReceipt struct {
	Sender         string
	Sats           int64
	RequestID      string
	ReceiptEventID string
	Invoice        string
	Description    string
	Timestamp      int64
}

// SaveReceipt implements store.ReceiptRecorder, writing to
// zap:<principal>:<timestamp-ms> for audit after a credit.
func (d *D) SaveReceipt(r store.Receipt) error {
	p := persistedReceipt{
		Sender:         r.Sender,
		Sats:           r.Sats,
		RequestID:      r.RequestID,
		ReceiptEventID: r.ReceiptEventID,
		Invoice:        r.Invoice,
		Description:    r.Description,
		Timestamp:      r.Timestamp.I64(),
	}
	b, err := encode(p)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(zapKey(r.Sender, p.Timestamp*1000), b)
	})
}
