// Package restore reconstructs files and trees as they were at a past
// instant. It only reads from the ledger and the content store.
package restore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/metrics"
	"cratis/internal/safe"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultChunkSize = 128

type Options struct {
	// ChunkSize is how many files a tree restore handles per chunk.
	ChunkSize int
	Logger    *zap.Logger
}

type Engine struct {
	ledger    *ledger.Ledger
	safe      *safe.Safe
	chunkSize int
	logger    *zap.Logger
}

func New(l *ledger.Ledger, s *safe.Safe, opts Options) (*Engine, error) {
	if l == nil || s == nil {
		return nil, fmt.Errorf("ledger and content store are required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{ledger: l, safe: s, chunkSize: opts.ChunkSize, logger: opts.Logger}, nil
}

// RestoreFile returns the content of path as of ts.
func (e *Engine) RestoreFile(path string, ts time.Time) ([]byte, error) {
	_, data, err := e.RestoreFileRecord(path, ts)
	return data, err
}

// RestoreFileRecord is RestoreFile that also returns the record the content
// came from. For a deleted path the tombstone is returned with ErrDeleted.
func (e *Engine) RestoreFileRecord(path string, ts time.Time) (ledger.Record, []byte, error) {
	start := time.Now()
	rec, data, err := e.restoreFile(path, ts)
	metrics.ObserveRestore("file", start, err)
	return rec, data, err
}

func (e *Engine) restoreFile(path string, ts time.Time) (ledger.Record, []byte, error) {
	rec, err := e.ledger.AsOf(path, ts)
	if err != nil {
		return ledger.Record{}, nil, err
	}
	if rec == nil {
		return ledger.Record{}, nil, cerrors.NoSuchVersion(
			fmt.Sprintf("no version of %s at or before %s", path, formatTime(ts)))
	}
	if rec.Deleted() {
		return *rec, nil, cerrors.Deleted(
			fmt.Sprintf("%s was deleted at %s", rec.Path, formatTime(rec.Timestamp)))
	}

	data, err := e.content(*rec)
	if err != nil {
		return *rec, nil, err
	}
	return *rec, data, nil
}

// content reads rec's payload. A live record whose content is gone means
// the ledger and the store disagree.
func (e *Engine) content(rec ledger.Record) ([]byte, error) {
	data, err := e.safe.Get(rec.Digest)
	if errors.Is(err, cerrors.ErrNotFound) {
		return nil, cerrors.Inconsistent(
			fmt.Sprintf("%s references missing content %s", rec, rec.Digest.Short()), err)
	}
	return data, err
}

// Snapshot is the logical view of the tree under root at ts.
func (e *Engine) Snapshot(root string, ts time.Time) (map[string]ledger.Record, error) {
	return e.ledger.SnapshotAsOf(ts, root)
}

// TreeResult is the outcome of a tree restore. Paths are tree relative.
// Files that could not be restored are listed in Failures and absent from
// Files; the rest of the tree is still returned.
type TreeResult struct {
	Root     string
	At       time.Time
	Files    map[string][]byte
	Records  map[string]ledger.Record
	Failures map[string]error
}

func newTreeResult(root string, ts time.Time) *TreeResult {
	return &TreeResult{
		Root:     root,
		At:       ts,
		Files:    make(map[string][]byte),
		Records:  make(map[string]ledger.Record),
		Failures: make(map[string]error),
	}
}

// Partial reports whether any file failed.
func (r *TreeResult) Partial() bool {
	return len(r.Failures) > 0
}

// Paths returns the restored paths in order.
func (r *TreeResult) Paths() []string {
	paths := make([]string, 0, len(r.Records))
	for p := range r.Records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *TreeResult) merge(chunk *TreeResult) {
	for p, data := range chunk.Files {
		r.Files[p] = data
	}
	for p, rec := range chunk.Records {
		r.Records[p] = rec
	}
	for p, err := range chunk.Failures {
		r.Failures[p] = err
	}
}

// RestoreTree restores every file live under root at ts.
func (e *Engine) RestoreTree(root string, ts time.Time) (*TreeResult, error) {
	result := newTreeResult(root, ts)
	err := e.EachChunk(root, ts, func(chunk *TreeResult) error {
		result.merge(chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EachChunk restores the tree under root at ts in chunks, handing each
// completed chunk to fn. Per-file failures are reported in the chunk; an
// error from fn or from the ledger stops the restore.
func (e *Engine) EachChunk(root string, ts time.Time, fn func(chunk *TreeResult) error) error {
	start := time.Now()
	err := e.eachChunk(root, ts, fn)
	metrics.ObserveRestore("tree", start, err)
	return err
}

func (e *Engine) eachChunk(root string, ts time.Time, fn func(chunk *TreeResult) error) error {
	snap, err := e.ledger.SnapshotAsOf(ts, root)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(snap))
	for p := range snap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for lo := 0; lo < len(paths); lo += e.chunkSize {
		hi := min(lo+e.chunkSize, len(paths))

		chunk := newTreeResult(root, ts)
		for _, p := range paths[lo:hi] {
			rec := snap[p]
			data, err := e.content(rec)
			if err != nil {
				chunk.Failures[p] = err
				metrics.RestoredFilesTotal.WithLabelValues("failed").Inc()
				e.logger.Warn("restore failed for file",
					zap.String("path", p),
					zap.String("type", string(cerrors.TypeOf(err))),
					zap.Error(err),
				)
				continue
			}
			chunk.Files[p] = data
			chunk.Records[p] = rec
			metrics.RestoredFilesTotal.WithLabelValues("ok").Inc()
		}

		if err := fn(chunk); err != nil {
			return err
		}
	}

	e.logger.Debug("restored tree",
		zap.String("root", root),
		zap.Time("at", ts),
		zap.Int("files", len(paths)),
	)
	return nil
}

// Materialize writes the tree under root as of ts into dest, recreating
// each file's recorded mode. Each file is written to a temp name and
// renamed into place. The returned result carries records, not content.
func (e *Engine) Materialize(root string, ts time.Time, dest string) (*TreeResult, error) {
	if dest == "" {
		return nil, cerrors.ValidationError("destination directory is required", nil)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, cerrors.IOFailure("creating "+dest, err)
	}

	result := newTreeResult(root, ts)
	err := e.EachChunk(root, ts, func(chunk *TreeResult) error {
		for p, err := range chunk.Failures {
			result.Failures[p] = err
		}
		for p, data := range chunk.Files {
			rec := chunk.Records[p]
			target := filepath.Join(dest, filepath.FromSlash(p))
			if err := WriteFile(target, data, rec.Mode); err != nil {
				result.Failures[p] = cerrors.IOFailure("writing "+target, err)
				continue
			}
			result.Records[p] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("materialized snapshot",
		zap.String("root", root),
		zap.String("dest", dest),
		zap.Time("at", ts),
		zap.Int("files", len(result.Records)),
		zap.Int("failures", len(result.Failures)),
	)
	return result, nil
}

// WriteFile replaces target with data through a synced temp file in the
// same directory, creating parent directories as needed.
func WriteFile(target string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := filepath.Join(dir, ".restore-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode.Perm()); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "now"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
