package ledger

import (
	"bytes"
	"iter"
	"sort"
	"time"

	cerrors "cratis/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// rangePageSize bounds how many records Range decodes per transaction.
const rangePageSize = 256

// Range yields path's records with from <= timestamp <= to in increasing
// order. A zero to means no upper bound. The sequence is lazy: records are
// read a page at a time in short read transactions, and ranging over it
// again restarts from the beginning.
func (l *Ledger) Range(path string, from, to time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		p, err := CleanPath(path)
		if err != nil {
			yield(Record{}, err)
			return
		}

		lo, hi := nanos(from), upper(to)
		for lo <= hi {
			page, err := l.page(p, lo, hi, rangePageSize)
			if err != nil {
				yield(Record{}, cerrors.IOFailure("scanning ledger for "+p, err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < rangePageSize {
				return
			}
			last := nanos(page[len(page)-1].Timestamp)
			if last >= hi {
				return
			}
			lo = last + 1
		}
	}
}

func (l *Ledger) page(p string, lo, hi uint64, limit int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := pathPrefix(p)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		end := versionKey(p, hi)
		for it.Seek(versionKey(p, lo)); it.ValidForPrefix(prefix); it.Next() {
			if bytes.Compare(it.Item().Key(), end) > 0 || len(out) == limit {
				break
			}
			rec, err := decode(it.Item())
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// History collects Range into a slice.
func (l *Ledger) History(path string, from, to time.Time) ([]Record, error) {
	var out []Record
	for rec, err := range l.Range(path, from, to) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListPathsAsOf returns, in sorted order, every path under root whose
// record as of ts exists and is not a tombstone.
func (l *Ledger) ListPathsAsOf(ts time.Time, root string) ([]string, error) {
	var paths []string
	err := l.scanAsOf(ts, root, func(txn *badger.Txn, p string, key []byte) error {
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// SnapshotAsOf is the logical view of the tree under root at ts: each live
// path mapped to its record as of ts.
func (l *Ledger) SnapshotAsOf(ts time.Time, root string) (map[string]Record, error) {
	snap := make(map[string]Record)
	err := l.scanAsOf(ts, root, func(txn *badger.Txn, p string, key []byte) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		rec, err := decode(item)
		if err != nil {
			return err
		}
		snap[p] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// scanAsOf walks the keyspace under root once, keys only, calling fn with
// the as-of key of each path whose state at ts is live. Versions after ts
// are skipped by seeking to the next path.
func (l *Ledger) scanAsOf(ts time.Time, root string, fn func(txn *badger.Txn, p string, key []byte) error) error {
	if root != "" {
		var err error
		if root, err = CleanPath(root); err != nil {
			return err
		}
	}
	if beforeEpoch(ts) {
		return nil
	}
	at := upper(ts)

	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix + root)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var (
			cur      string
			curKey   []byte
			curMeta  byte
			have     bool
			emitted  []string
			emitKeys [][]byte
		)
		flush := func() {
			if have && curMeta&metaTombstone == 0 {
				emitted = append(emitted, cur)
				emitKeys = append(emitKeys, curKey)
			}
			have = false
		}

		it.Rewind()
		for it.Valid() {
			item := it.Item()
			p, t, ok := parseKey(item.Key())
			if !ok {
				it.Next()
				continue
			}
			if p != cur {
				flush()
				cur = p
			}
			if !Under(p, root) {
				it.Seek(pathEnd(p))
				continue
			}
			if t > at {
				it.Seek(pathEnd(p))
				continue
			}
			curKey = item.KeyCopy(nil)
			curMeta = item.UserMeta()
			have = true
			it.Next()
		}
		flush()

		for i, p := range emitted {
			if err := fn(txn, p, emitKeys[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if cerrors.TypeOf(err) == cerrors.ErrorTypeValidation {
			return err
		}
		return cerrors.IOFailure("scanning ledger", err)
	}
	return nil
}

// Paths lists every path that has any history, deleted or not.
func (l *Ledger) Paths() ([]string, error) {
	var paths []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			p, _, ok := parseKey(it.Item().Key())
			if !ok {
				it.Next()
				continue
			}
			paths = append(paths, p)
			it.Seek(pathEnd(p))
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.IOFailure("listing ledger paths", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Count returns the total number of records.
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, cerrors.IOFailure("counting ledger records", err)
	}
	return n, nil
}
