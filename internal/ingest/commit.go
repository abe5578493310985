package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/metrics"
	"cratis/internal/safe"

	"go.uber.org/zap"
)

// Reasons a commit wrote nothing.
const (
	skipUnchanged = "unchanged"
	skipNoHistory = "no_history"
	skipNotFile   = "not_regular"
	skipDirectory = "directory"
)

type outcome struct {
	rec  ledger.Record
	skip string
}

// commitPath versions whatever is on disk at key right now. A file that is
// gone by the time it is read is recorded as deleted.
func (p *Pipeline) commitPath(key string) {
	start := time.Now()
	out, err := p.retry(key, func() (outcome, error) {
		return p.commitFromDisk(key)
	})
	p.finish(key, start, out, err)
}

func (p *Pipeline) commitDelete(key string) {
	start := time.Now()
	out, err := p.retry(key, func() (outcome, error) {
		return p.commitTombstone(key)
	})
	p.finish(key, start, out, err)
}

func (p *Pipeline) commitUpload(key string, u *upload) (ledger.Record, error) {
	start := time.Now()
	out, err := p.retry(key, func() (outcome, error) {
		return p.commitContent(key, u.data, u.mode)
	})
	p.finish(key, start, out, err)
	return out.rec, err
}

func (p *Pipeline) commitFromDisk(key string) (outcome, error) {
	abs := p.diskPath(key)

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return p.commitTombstone(key)
	}
	if err != nil {
		return outcome{}, cerrors.IOFailure("stat "+key, err)
	}
	if !info.Mode().IsRegular() {
		return outcome{skip: skipNotFile}, nil
	}
	if limit := p.opts.MaxFileSize; limit > 0 && info.Size() > limit {
		return outcome{}, cerrors.ValidationError(
			fmt.Sprintf("%s is %d bytes, over the %d byte limit", key, info.Size(), limit), key)
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return p.commitTombstone(key)
	}
	if err != nil {
		return outcome{}, cerrors.IOFailure("reading "+key, err)
	}
	return p.commitContent(key, data, info.Mode().Perm())
}

// commitContent stores data and appends a version, unless the latest
// version already has the same content and mode.
func (p *Pipeline) commitContent(key string, data []byte, mode fs.FileMode) (outcome, error) {
	latest, err := p.ledger.Latest(key)
	if err != nil {
		return outcome{}, err
	}
	digest := safe.Sum(data)
	if latest != nil && !latest.Deleted() && latest.Digest == digest && latest.Mode == mode {
		return outcome{rec: *latest, skip: skipUnchanged}, nil
	}

	if _, err := p.safe.Put(data); err != nil {
		return outcome{}, err
	}
	rec, err := p.append(key, digest, int64(len(data)), mode)
	if err != nil {
		if rerr := p.safe.Release(digest); rerr != nil {
			p.logger.Warn("releasing content after failed append",
				zap.String("digest", digest.Short()),
				zap.Error(rerr),
			)
		}
		return outcome{}, err
	}
	return outcome{rec: rec}, nil
}

// commitTombstone records key as deleted. A path that is already deleted
// gets no record. A path with no history of its own may be a directory.
func (p *Pipeline) commitTombstone(key string) (outcome, error) {
	latest, err := p.ledger.Latest(key)
	if err != nil {
		return outcome{}, err
	}
	if latest == nil {
		return p.recheckChildren(key)
	}
	if latest.Deleted() {
		return outcome{skip: skipNoHistory}, nil
	}
	rec, err := p.append(key, "", 0, 0)
	if err != nil {
		return outcome{}, err
	}
	return outcome{rec: rec}, nil
}

// recheckChildren handles a directory that was removed or renamed as a
// whole, which the watcher reports only once for the directory itself.
// Every live file under key is committed again from disk by its own worker.
func (p *Pipeline) recheckChildren(key string) (outcome, error) {
	children, err := p.ledger.ListPathsAsOf(time.Time{}, key)
	if err != nil {
		return outcome{}, err
	}
	if len(children) == 0 {
		return outcome{skip: skipNoHistory}, nil
	}
	p.logger.Debug("rechecking files of removed directory",
		zap.String("path", key),
		zap.Int("files", len(children)),
	)
	for _, child := range children {
		if err := p.send(child, request{kind: Deleted, recheck: true}, true); err != nil {
			return outcome{}, err
		}
	}
	return outcome{skip: skipDirectory}, nil
}

// append stamps the record with the clock. If the clock has fallen behind
// the ledger, the record is placed just after the latest one instead.
func (p *Pipeline) append(key string, digest safe.Digest, size int64, mode fs.FileMode) (ledger.Record, error) {
	rec, err := p.ledger.Append(key, p.clock.Now(), digest, size, mode)
	if !errors.Is(err, cerrors.ErrNonMonotonic) {
		return rec, err
	}

	latest, lerr := p.ledger.Latest(key)
	if lerr != nil {
		return rec, lerr
	}
	if latest == nil {
		return rec, err
	}
	p.logger.Debug("clock behind ledger, advancing timestamp",
		zap.String("path", key),
		zap.Time("latest", latest.Timestamp),
	)
	return p.ledger.Append(key, latest.Timestamp, digest, size, mode)
}

// retry reruns fn while it fails with an I/O error.
func (p *Pipeline) retry(key string, fn func() (outcome, error)) (outcome, error) {
	out, err := fn()
	for i := 0; i < p.opts.RetryAttempts && err != nil; i++ {
		if cerrors.TypeOf(err) != cerrors.ErrorTypeIOFailure {
			break
		}
		metrics.IngestRetriesTotal.Inc()
		p.logger.Warn("retrying commit",
			zap.String("path", key),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		if p.opts.RetryDelay > 0 {
			time.Sleep(p.opts.RetryDelay)
		}
		out, err = fn()
	}
	return out, err
}

func (p *Pipeline) finish(key string, start time.Time, out outcome, err error) {
	switch {
	case err != nil:
		metrics.IngestFailuresTotal.WithLabelValues(string(cerrors.TypeOf(err))).Inc()
		p.opts.OnError(key, err)
	case out.skip != "":
		metrics.SkippedTotal.WithLabelValues(out.skip).Inc()
		p.logger.Debug("commit skipped", zap.String("path", key), zap.String("reason", out.skip))
	default:
		kind := "version"
		if out.rec.Deleted() {
			kind = "tombstone"
		}
		metrics.CommitsTotal.WithLabelValues(kind).Inc()
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
		p.logger.Info("committed",
			zap.String("path", key),
			zap.String("kind", kind),
			zap.Time("timestamp", out.rec.Timestamp),
			zap.Int64("size", out.rec.Size),
		)
		if p.opts.OnCommit != nil {
			p.opts.OnCommit(out.rec)
		}
	}
}
