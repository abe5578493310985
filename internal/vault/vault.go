// Package vault owns one backup store: the badger database, the content
// store, the version ledger, the ingestion pipeline and the restore engine.
// Everything that touches a store goes through an open Vault; there is no
// process wide state.
package vault

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cratis/internal/config"
	"cratis/internal/ingest"
	"cratis/internal/ledger"
	"cratis/internal/metrics"
	"cratis/internal/restore"
	"cratis/internal/safe"
	"cratis/internal/storage"
	"cratis/internal/watch"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	dbDir      = "db"
	contentDir = "content"
)

// Options holds the knobs that are not part of the configuration file.
type Options struct {
	Logger *zap.Logger
	// Clock stamps ingested versions. Defaults to the system clock.
	Clock ingest.Clock
	// OnCommit is forwarded to the pipeline.
	OnCommit func(ledger.Record)
}

type Vault struct {
	cfg     *config.Config
	root    string
	db      *badger.DB
	safe    *safe.Safe
	ledger  *ledger.Ledger
	restore *restore.Engine
	ingest  *ingest.Pipeline
	matcher *watch.Matcher
	logger  *zap.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store described by cfg.
func Open(cfg *config.Config, opts Options) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := filepath.Abs(cfg.Backup.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving backup root: %w", err)
	}
	storePath, err := filepath.Abs(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving storage path: %w", err)
	}

	matcher, err := newMatcher(root, storePath, cfg.Backup)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(storage.Options{
		Dir:    filepath.Join(storePath, dbDir),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	v := &Vault{
		cfg:     cfg,
		root:    root,
		db:      db,
		matcher: matcher,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if err := v.init(storePath, opts); err != nil {
		v.closeStores()
		return nil, err
	}

	if cfg.Storage.GCInterval > 0 {
		v.wg.Add(1)
		go v.gcLoop(cfg.Storage.GCInterval)
	}

	logger.Info("vault opened",
		zap.String("root", root),
		zap.String("storage", storePath),
	)
	return v, nil
}

func (v *Vault) init(storePath string, opts Options) error {
	var err error
	comp := v.cfg.Storage.Compression
	v.safe, err = safe.New(v.db, safe.Options{
		Root:      filepath.Join(storePath, contentDir),
		CacheSize: v.cfg.Storage.CacheSize,
		Compression: safe.CompressionOptions{
			Enabled: comp.Enabled,
			MinSize: comp.MinSize,
			Level:   comp.Level,
		},
		Logger: v.logger.Named("safe"),
	})
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}

	v.ledger, err = ledger.New(v.db, v.logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	v.restore, err = restore.New(v.ledger, v.safe, restore.Options{Logger: v.logger.Named("restore")})
	if err != nil {
		return err
	}

	v.ingest, err = ingest.New(v.safe, v.ledger, ingest.Options{
		Root:          v.root,
		Debounce:      v.cfg.Backup.Debounce,
		MaxDelay:      v.cfg.Backup.MaxDebounce,
		MaxFileSize:   v.cfg.Advanced.MaxFileSize(),
		RetryAttempts: v.cfg.Advanced.RetryAttempts,
		RetryDelay:    v.cfg.Advanced.RetryDelay(),
		Ignore:        v.matcher.Ignore,
		Clock:         opts.Clock,
		Logger:        v.logger.Named("ingest"),
		OnCommit:      opts.OnCommit,
	})
	return err
}

// newMatcher combines the exclude globs with the watch directory limits and
// keeps the store itself out of the backup when it lives under root.
func newMatcher(root, storePath string, cfg config.BackupConfig) (*watch.Matcher, error) {
	exclude := append([]string(nil), cfg.Exclude...)
	if rel, ok := relative(root, storePath); ok && rel != "" {
		exclude = append(exclude, rel)
	}

	var include []string
	for _, dir := range cfg.WatchDirectories {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		rel, ok := relative(root, dir)
		if !ok {
			return nil, fmt.Errorf("watch directory %s is outside backup root %s", dir, root)
		}
		include = append(include, rel)
	}
	return watch.NewMatcher(exclude).Only(include...), nil
}

// relative returns target relative to root in slash form, with "" for root
// itself. ok is false when target is outside root.
func relative(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// Close flushes pending ingestion, stops background work and closes the
// stores. It is safe to call more than once.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		close(v.stop)
		v.wg.Wait()
		if err := v.ingest.Close(); err != nil {
			v.logger.Error("flushing ingest pipeline", zap.Error(err))
		}
		v.closeErr = v.closeStores()
		v.logger.Info("vault closed")
	})
	return v.closeErr
}

func (v *Vault) closeStores() error {
	if v.safe != nil {
		v.safe.Close()
	}
	if err := v.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (v *Vault) Root() string {
	return v.root
}

func (v *Vault) Config() *config.Config {
	return v.cfg
}

// Matcher is the ignore policy shared by scans and the watcher.
func (v *Vault) Matcher() *watch.Matcher {
	return v.matcher
}

// Upload stores data as a new version of path immediately.
func (v *Vault) Upload(ctx context.Context, path string, data []byte, mode fs.FileMode) (ledger.Record, error) {
	return v.ingest.Upload(ctx, path, data, mode)
}

// Submit hands a change notification to the ingestion pipeline.
func (v *Vault) Submit(ev ingest.Event) error {
	return v.ingest.Submit(ev)
}

// RestoreFile returns path as it was at ts. A zero ts means the latest
// version.
func (v *Vault) RestoreFile(path string, ts time.Time) (ledger.Record, []byte, error) {
	return v.restore.RestoreFileRecord(path, ts)
}

// RestoreTree returns every file live under root at ts.
func (v *Vault) RestoreTree(root string, ts time.Time) (*restore.TreeResult, error) {
	return v.restore.RestoreTree(treeRoot(root), ts)
}

// EachChunk streams a tree restore chunk by chunk.
func (v *Vault) EachChunk(root string, ts time.Time, fn func(*restore.TreeResult) error) error {
	return v.restore.EachChunk(treeRoot(root), ts, fn)
}

// Materialize writes the tree under root as of ts into dest.
func (v *Vault) Materialize(root string, ts time.Time, dest string) (*restore.TreeResult, error) {
	return v.restore.Materialize(treeRoot(root), ts, dest)
}

// History returns the versions of path with timestamps in [from, to].
func (v *Vault) History(path string, from, to time.Time) ([]ledger.Record, error) {
	return v.ledger.History(path, from, to)
}

// ListPaths returns the paths live under root at ts.
func (v *Vault) ListPaths(ts time.Time, root string) ([]string, error) {
	return v.ledger.ListPathsAsOf(ts, treeRoot(root))
}

// Scan reconciles the ledger with the tree on disk.
func (v *Vault) Scan(ctx context.Context) (ingest.ScanStats, error) {
	return v.ingest.Scan(ctx)
}

// treeRoot maps the spellings of "the whole tree" to the empty root.
func treeRoot(root string) string {
	switch strings.Trim(root, "/") {
	case "", ".":
		return ""
	}
	return root
}

// Watch follows the backup root until ctx is done: it scans once to pick
// up changes made while nothing was watching, then feeds watcher events to
// the pipeline and rescans every backup.interval.
func (v *Vault) Watch(ctx context.Context) error {
	w, err := watch.New(watch.Options{
		Root:    v.root,
		Matcher: v.matcher,
		Logger:  v.logger.Named("watch"),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := v.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	var tick <-chan time.Time
	if iv := v.cfg.Backup.Interval; iv > 0 {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		tick = ticker.C
	}

	runErr := make(chan error, 1)
	go func() { runErr <- v.ingest.Run(ctx, w.Events()) }()

	v.logger.Info("watching", zap.String("root", v.root))
	for {
		select {
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-tick:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error("periodic scan failed", zap.Error(err))
			}
		}
	}
}

func (v *Vault) gcLoop(interval time.Duration) {
	defer v.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			if _, err := v.Prune(); err != nil {
				v.logger.Error("content gc failed", zap.Error(err))
			}
		}
	}
}

// Prune deletes content that no version references any more.
func (v *Vault) Prune() (safe.PruneStats, error) {
	stats, err := v.safe.Prune()
	metrics.ContentPrunedBytes.Add(float64(stats.BytesFreed))
	return stats, err
}

// FsckReport combines the content store check with a cross check of every
// version record against the store.
type FsckReport struct {
	Content safe.FsckReport
	// Records counts the live version records checked.
	Records int
	// Dangling lists version records whose content is not in the store.
	Dangling []ledger.Record
}

func (r FsckReport) OK() bool {
	return len(r.Content.Problems) == 0 && len(r.Dangling) == 0
}

// Fsck verifies every payload and every version record.
func (v *Vault) Fsck() (FsckReport, error) {
	var report FsckReport
	content, err := v.safe.Fsck()
	if err != nil {
		return report, err
	}
	report.Content = content

	paths, err := v.ledger.Paths()
	if err != nil {
		return report, err
	}
	for _, p := range paths {
		for rec, err := range v.ledger.Range(p, time.Time{}, time.Time{}) {
			if err != nil {
				return report, err
			}
			if rec.Deleted() {
				continue
			}
			report.Records++
			ok, err := v.safe.Exists(rec.Digest)
			if err != nil {
				return report, err
			}
			if !ok {
				report.Dangling = append(report.Dangling, rec)
				v.logger.Warn("version references missing content",
					zap.Stringer("record", rec),
					zap.String("digest", rec.Digest.String()),
				)
			}
		}
	}
	return report, nil
}

// Status summarizes the store.
type Status struct {
	Root     string     `json:"root"`
	Paths    int        `json:"paths"`
	Live     int        `json:"live"`
	Versions int        `json:"versions"`
	Pending  int        `json:"pending"`
	Content  safe.Stats `json:"content"`
}

func (v *Vault) Status() (Status, error) {
	st := Status{Root: v.root, Pending: v.ingest.Pending()}

	paths, err := v.ledger.Paths()
	if err != nil {
		return st, err
	}
	st.Paths = len(paths)

	live, err := v.ledger.ListPathsAsOf(time.Time{}, "")
	if err != nil {
		return st, err
	}
	st.Live = len(live)

	if st.Versions, err = v.ledger.Count(); err != nil {
		return st, err
	}
	if st.Content, err = v.safe.Stats(); err != nil {
		return st, err
	}
	return st, nil
}
