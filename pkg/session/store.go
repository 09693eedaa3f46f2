package session

import (
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/interfaces/store"
)

// D is the badger-backed store.I implementation.
type D struct {
	dataDir string
	db      *badger.DB

	// seq and seqMu are not read anywhere: AppendMessage assigns each
	// message id inside its transaction as the last stored id plus one.
	seqMu sync.Mutex
	seq   map[string]uint64
}

var _ store.I = (*D)(nil)

// New constructs an unopened store; call Init to open the database.
func New() *D {
	return &D{seq: make(map[string]uint64)}
}

// Init opens (creating if absent) the badger database at path.
func (d *D) Init(path string) (err error) {
	d.dataDir = path
	if err = os.MkdirAll(path, 0o755); chk.E(err) {
		return
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if d.db, err = badger.Open(opts); chk.E(err) {
		return
	}
	log.I.F("session store opened at %s", path)
	return nil
}

// Path returns the directory backing the store.
func (d *D) Path() string { return d.dataDir }

// Close flushes and closes the database.
func (d *D) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func encode(v any) ([]byte, error) { return msgpack.Marshal(v) }
func decode(b []byte, v any) error { return msgpack.Unmarshal(b, v) }
