// Package persistence implements the append-only key/value backend for
// binary cubes (spec §4.3, C4): 64-char-hex keys, raw 1024-byte values, a
// versioned schema header, range iteration, and a wraparound cursor.
package persistence

import (
	"sort"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"verity/internal/verrors"
)

// SchemaVersion is bumped whenever the on-disk layout changes in a way
// that requires a migration pass over existing keys.
const SchemaVersion = 1

// schemaHeaderKey is the single header key recording the schema version
// (spec §6.2 "A single header key records schema version").
const schemaHeaderKey = "__verity_schema__"

// DB is a badger-backed implementation of store.Backend plus the richer
// iteration operations spec §4.3 describes.
type DB struct {
	bd     *badger.DB
	logger *zap.SugaredLogger
	ready  chan struct{}
	closed atomic.Bool
}

// Open opens (creating if necessary) a badger database at path, runs the
// schema migration if needed, and signals readiness on Ready() (spec §4.3
// "Emits ready after open").
func Open(path string, logger *zap.SugaredLogger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's internal logger is noisy; we log at our own call sites
	bd, err := badger.Open(opts)
	if err != nil {
		return nil, verrors.Persistence("open badger db at %s: %v", path, err)
	}
	d := &DB{bd: bd, logger: logger, ready: make(chan struct{})}
	if err := d.migrate(); err != nil {
		_ = bd.Close()
		return nil, err
	}
	close(d.ready)
	logger.Infof("persistence: opened %s (schema v%d)", path, SchemaVersion)
	return d, nil
}

// Ready is closed once Open has finished its migration pass.
func (d *DB) Ready() <-chan struct{} { return d.ready }

func (d *DB) migrate() error {
	return d.bd.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaHeaderKey))
		switch err {
		case badger.ErrKeyNotFound:
			return txn.Set([]byte(schemaHeaderKey), encodeVersion(SchemaVersion))
		case nil:
			var onDisk int
			_ = item.Value(func(v []byte) error {
				onDisk = decodeVersion(v)
				return nil
			})
			if onDisk != SchemaVersion {
				d.logger.Warnf("persistence: schema v%d on disk, updating header to v%d", onDisk, SchemaVersion)
				return txn.Set([]byte(schemaHeaderKey), encodeVersion(SchemaVersion))
			}
			return nil
		default:
			return err
		}
	})
}

func encodeVersion(v int) []byte { return []byte{byte(v)} }
func decodeVersion(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(b[0])
}

func (d *DB) checkOpen() error {
	if d.closed.Load() {
		return verrors.ErrShuttingDown
	}
	return nil
}

// Put stores data under keyHex (spec §4.3 "put").
func (d *DB) Put(keyHex string, data []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	err := d.bd.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyHex), data)
	})
	if err != nil {
		return verrors.Persistence("put %s: %v", keyHex, err)
	}
	return nil
}

// Get retrieves the value stored under keyHex (spec §4.3 "get").
func (d *DB) Get(keyHex string) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := d.bd.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHex))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, verrors.Persistence("get %s: %v", keyHex, err)
	}
	return out, nil
}

// Del removes keyHex (spec §4.3 "del").
func (d *DB) Del(keyHex string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	err := d.bd.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyHex))
	})
	if err != nil {
		return verrors.Persistence("del %s: %v", keyHex, err)
	}
	return nil
}

// Iterate walks cube keys in [start, end) (either bound may be empty to
// mean unbounded), calling fn for up to limit entries (0 = unbounded) in
// key order. fn returning false stops iteration early (spec §4.3
// "iterate(range, limit)").
func (d *DB) Iterate(start, end string, limit int, fn func(keyHex string, data []byte) bool) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.bd.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		startBytes := []byte(start)
		for it.Seek(startBytes); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if key == schemaHeaderKey {
				continue
			}
			if end != "" && key >= end {
				break
			}
			var val []byte
			if err := item.Value(func(v []byte) error {
				val = append([]byte(nil), v...)
				return nil
			}); err != nil {
				return err
			}
			if !fn(key, val) {
				return nil
			}
			n++
			if limit > 0 && n >= limit {
				return nil
			}
		}
		return nil
	})
}

// sortedKeys returns every non-header key in sorted order. Used by
// SucceedingKeys/KeyAtPosition, whose cursor semantics need positional
// addressing that badger's iterator doesn't give directly.
func (d *DB) sortedKeys() ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var keys []string
	err := d.bd.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().KeyCopy(nil))
			if k == schemaHeaderKey {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, verrors.Persistence("scan keys: %v", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// SucceedingKeys returns up to count keys that sort after startKey. When
// wraparound is true and fewer than count keys remain after startKey, the
// cursor wraps to the beginning of the key space (spec §4.3
// "succeedingKeys(startKey, count, wraparound)").
func (d *DB) SucceedingKeys(startKey string, count int, wraparound bool) ([]string, error) {
	keys, err := d.sortedKeys()
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(keys), func(i int) bool { return keys[i] > startKey })

	var out []string
	for i := idx; i < len(keys) && len(out) < count; i++ {
		out = append(out, keys[i])
	}
	if wraparound {
		for i := 0; i < idx && len(out) < count; i++ {
			out = append(out, keys[i])
		}
	}
	return out, nil
}

// KeyAtPosition returns the key at sorted position n (spec §4.3
// "keyAtPosition(n)").
func (d *DB) KeyAtPosition(n int) (string, error) {
	keys, err := d.sortedKeys()
	if err != nil {
		return "", err
	}
	if n < 0 || n >= len(keys) {
		return "", verrors.Persistence("position %d out of range (%d keys)", n, len(keys))
	}
	return keys[n], nil
}

// Close flushes and closes the backend.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.bd.Close(); err != nil {
		return verrors.Persistence("close: %v", err)
	}
	return nil
}
