// Package ledger keeps the ordered history of every file version.
//
// Each version is a Record keyed by (path, timestamp) in badger. Records are
// never rewritten; a later record for the same path supersedes an earlier
// one and deletions are recorded as tombstones, so the state of any path at
// any instant is the greatest record at or before that instant.
package ledger

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/safe"
	"cratis/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

const appendStripes = 64

type Ledger struct {
	db     *badger.DB
	logger *zap.Logger

	// Appends to the same path are serialized by stripe; unrelated paths
	// almost always land on different stripes and commit in parallel.
	stripes [appendStripes]sync.Mutex
}

func New(db *badger.DB, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) stripe(p string) *sync.Mutex {
	return &l.stripes[xxh3.HashString(p)%appendStripes]
}

// Append records a new version of path. A timestamp equal to the latest
// record's is advanced by one nanosecond; an earlier one is rejected with
// NonMonotonicTimestamp. The record is durable when Append returns.
func (l *Ledger) Append(path string, ts time.Time, digest safe.Digest, size int64, mode fs.FileMode) (Record, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Record{}, err
	}
	if ts.IsZero() || ts.Before(epoch) {
		return Record{}, cerrors.ValidationError("timestamp must be after the unix epoch", ts)
	}
	if digest != "" && !digest.Valid() {
		return Record{}, cerrors.ValidationError("invalid content digest", string(digest))
	}

	mu := l.stripe(p)
	mu.Lock()
	defer mu.Unlock()

	var rec Record
	err = storage.Update(l.db, func(txn *badger.Txn) error {
		at := nanos(ts)
		latest, err := seekLast(txn, p, maxNanos)
		if err != nil {
			return err
		}
		if latest != nil {
			last := nanos(latest.Timestamp)
			if at < last {
				return cerrors.NonMonotonic(fmt.Sprintf("%s: timestamp %d precedes latest %d", p, at, last))
			}
			if at == last {
				at = last + 1
			}
		}

		rec = Record{
			Path:      p,
			Timestamp: fromNanos(at),
			Digest:    digest,
			Size:      size,
			Mode:      mode,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}

		e := badger.NewEntry(versionKey(p, at), data)
		if rec.Deleted() {
			e = e.WithMeta(metaTombstone)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		if cerrors.TypeOf(err) == cerrors.ErrorTypeNonMonotonic {
			return Record{}, err
		}
		return Record{}, cerrors.IOFailure("appending "+p, err)
	}

	l.logger.Debug("appended version",
		zap.String("path", rec.Path),
		zap.Time("timestamp", rec.Timestamp),
		zap.Bool("tombstone", rec.Deleted()),
	)
	return rec, nil
}

// Latest returns the most recent record for path, or nil if it has none.
func (l *Ledger) Latest(path string) (*Record, error) {
	return l.find(path, maxNanos)
}

// AsOf returns the record with the greatest timestamp not after ts, or nil
// if path had no record yet at that instant.
func (l *Ledger) AsOf(path string, ts time.Time) (*Record, error) {
	if beforeEpoch(ts) {
		return nil, nil
	}
	return l.find(path, upper(ts))
}

func (l *Ledger) find(path string, at uint64) (*Record, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = l.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = seekLast(txn, p, at)
		return err
	})
	if err != nil {
		return nil, cerrors.IOFailure("reading ledger for "+p, err)
	}
	return rec, nil
}

const maxNanos = uint64(1<<63 - 1)

// seekLast is a reverse scan over path's versions bounded at at, returning
// the first hit.
func seekLast(txn *badger.Txn, p string, at uint64) (*Record, error) {
	prefix := pathPrefix(p)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(versionKey(p, at))
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}
	rec, err := decode(it.Item())
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func decode(item *badger.Item) (Record, error) {
	var rec Record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("decoding record %q: %w", item.Key(), err)
	}

	// The key is authoritative for path and time.
	if p, at, ok := parseKey(item.Key()); ok {
		rec.Path = p
		rec.Timestamp = fromNanos(at)
	}
	return rec, nil
}
