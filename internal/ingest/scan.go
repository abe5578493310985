package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	cerrors "cratis/internal/errors"

	"go.uber.org/zap"
)

// ScanStats counts the events a Scan submitted.
type ScanStats struct {
	Files   int `json:"files"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Scan reconciles the ledger with the tree on disk: every file under the
// root is submitted as Created, and every path live in the ledger but
// missing from disk as Deleted. Commits happen asynchronously through the
// usual workers; Close waits for them.
func (p *Pipeline) Scan(ctx context.Context) (ScanStats, error) {
	var stats ScanStats
	seen := make(map[string]bool)

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			p.logger.Warn("scan: skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == p.root {
			return nil
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if p.opts.Ignore != nil && p.opts.Ignore(rel, d.IsDir()) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		key, err := p.Key(rel)
		if err != nil {
			stats.Skipped++
			return nil
		}
		seen[key] = true
		if err := p.Submit(Event{Path: key, Kind: Created}); err != nil {
			return err
		}
		stats.Files++
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return stats, err
		}
		return stats, cerrors.IOFailure("scanning "+p.root, err)
	}

	live, err := p.ledger.ListPathsAsOf(time.Time{}, "")
	if err != nil {
		return stats, err
	}
	for _, key := range live {
		if seen[key] {
			continue
		}
		if _, err := os.Lstat(p.diskPath(key)); err == nil {
			continue
		}
		if err := p.Submit(Event{Path: key, Kind: Deleted}); err != nil {
			return stats, err
		}
		stats.Deleted++
	}

	p.logger.Info("scan submitted",
		zap.Int("files", stats.Files),
		zap.Int("deleted", stats.Deleted),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}
