package safe

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	cerrors "cratis/internal/errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const tempPrefix = ".tmp-"

// PruneStats summarizes a Prune pass.
type PruneStats struct {
	Entries    int   // index entries with zero references removed
	Orphans    int   // payload files with no index entry removed
	Temps      int   // leftover temp files removed
	BytesFreed int64 // on-disk bytes released
}

// Prune removes every entry whose reference count is zero, then sweeps
// payload files that have no index entry (left behind by a crash between
// the payload write and the index update).
func (s *Safe) Prune() (PruneStats, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	var stats PruneStats

	var dead []ContentMeta
	err := s.db.View(func(txn *badger.Txn) error {
		return eachMeta(txn, func(meta ContentMeta) error {
			if meta.RefCount == 0 {
				dead = append(dead, meta)
			}
			return nil
		})
	})
	if err != nil {
		return stats, cerrors.IOFailure("scanning content index", err)
	}

	for _, meta := range dead {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(metaKey(meta.Hash))
		})
		if err != nil {
			return stats, cerrors.IOFailure("deleting index entry "+meta.Hash.Short(), err)
		}
		s.cache.Remove(meta.Hash)

		if err := os.Remove(s.contentPath(meta.Hash)); err != nil && !os.IsNotExist(err) {
			return stats, cerrors.IOFailure("removing payload "+meta.Hash.Short(), err)
		}
		stats.Entries++
		stats.BytesFreed += meta.StoredSize
	}

	if err := s.sweep(&stats); err != nil {
		return stats, err
	}

	s.logger.Info("pruned content store",
		zap.Int("entries", stats.Entries),
		zap.Int("orphans", stats.Orphans),
		zap.Int("temps", stats.Temps),
		zap.Int64("bytes_freed", stats.BytesFreed),
	)
	return stats, nil
}

// sweep must run with pruneMu held for writing.
func (s *Safe) sweep(stats *PruneStats) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			stats.Temps++
			stats.BytesFreed += info.Size()
			return nil
		}

		digest, ok := s.digestFromPath(path)
		if !ok {
			return nil
		}
		if _, err := s.Stat(digest); err == nil {
			return nil
		} else if cerrors.TypeOf(err) != cerrors.ErrorTypeNotFound {
			return err
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		stats.Orphans++
		stats.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return cerrors.IOFailure("sweeping content directory", err)
	}
	return nil
}

func (s *Safe) digestFromPath(path string) (Digest, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", false
	}
	digest := Digest(strings.ReplaceAll(filepath.ToSlash(rel), "/", ""))
	return digest, digest.Valid()
}

// PayloadStatus indicates the state of a payload on disk.
type PayloadStatus int

const (
	OK PayloadStatus = iota
	Missing
	Damaged
)

func (ps PayloadStatus) String() string {
	switch ps {
	case OK:
		return "ok"
	case Missing:
		return "missing"
	case Damaged:
		return "damaged"
	default:
		return fmt.Sprintf("status(%d)", int(ps))
	}
}

// PayloadCheck is the Fsck result for a single entry.
type PayloadCheck struct {
	Hash   Digest
	Status PayloadStatus
	Err    error
}

// FsckReport lists every entry that failed verification.
type FsckReport struct {
	Checked  int
	Problems []PayloadCheck
}

// Fsck re-reads and re-hashes every indexed payload.
func (s *Safe) Fsck() (FsckReport, error) {
	var report FsckReport

	var digests []Digest
	err := s.db.View(func(txn *badger.Txn) error {
		return eachMeta(txn, func(meta ContentMeta) error {
			digests = append(digests, meta.Hash)
			return nil
		})
	})
	if err != nil {
		return report, cerrors.IOFailure("scanning content index", err)
	}

	for _, d := range digests {
		report.Checked++
		err := s.Verify(d)
		if err == nil {
			continue
		}

		status := Damaged
		if _, statErr := os.Stat(s.contentPath(d)); os.IsNotExist(statErr) {
			status = Missing
		}
		report.Problems = append(report.Problems, PayloadCheck{Hash: d, Status: status, Err: err})
		s.logger.Warn("payload failed verification",
			zap.String("digest", d.String()),
			zap.Stringer("status", status),
			zap.Error(err),
		)
	}
	return report, nil
}

// Stats describes the content store as a whole.
type Stats struct {
	Entries      int   `json:"entries"`
	Unreferenced int   `json:"unreferenced"`
	LogicalSize  int64 `json:"logical_size"`
	StoredSize   int64 `json:"stored_size"`
}

func (s *Safe) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(txn *badger.Txn) error {
		return eachMeta(txn, func(meta ContentMeta) error {
			st.Entries++
			st.LogicalSize += meta.Size
			st.StoredSize += meta.StoredSize
			if meta.RefCount == 0 {
				st.Unreferenced++
			}
			return nil
		})
	})
	if err != nil {
		return st, cerrors.IOFailure("scanning content index", err)
	}
	return st, nil
}

func eachMeta(txn *badger.Txn, fn func(ContentMeta) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(metaPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var meta ContentMeta
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
		if err != nil {
			return err
		}
		if err := fn(meta); err != nil {
			return err
		}
	}
	return nil
}
