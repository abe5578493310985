// Package ingest turns filesystem change notifications into version records.
//
// Every path with outstanding work owns a worker goroutine fed through a
// request queue. The worker is the path's state machine: it debounces
// bursts of modifications, commits deletions immediately, and exits once
// the path is idle again. Paths never wait on each other.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/metrics"
	"cratis/internal/safe"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit and Upload after Close.
var ErrClosed = errors.New("ingest pipeline closed")

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

// Options configures a Pipeline.
type Options struct {
	// Root is the directory whose files are versioned.
	Root string

	// Debounce is how long a path must be quiet before it is committed.
	Debounce time.Duration
	// MaxDelay caps how long a continuously modified path may stay pending.
	MaxDelay time.Duration

	// MaxFileSize skips files larger than this many bytes. Zero disables.
	MaxFileSize int64

	// RetryAttempts and RetryDelay govern retries of commits that fail
	// with an I/O error.
	RetryAttempts int
	RetryDelay    time.Duration

	// Ignore reports whether a root relative, slash separated path is
	// excluded from Scan.
	Ignore func(rel string, isDir bool) bool

	Clock  Clock
	Logger *zap.Logger

	// OnCommit is called from the path's worker after a record is written.
	OnCommit func(ledger.Record)
	// OnError is called from the path's worker when a commit fails. The
	// default logs the failure.
	OnError func(path string, err error)
}

// Pipeline is the change ingestion pipeline.
type Pipeline struct {
	root    string
	opts    Options
	clock   Clock
	safe    *safe.Safe
	ledger  *ledger.Ledger
	logger  *zap.Logger
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
}

type worker struct {
	key  string
	wake chan struct{}

	// queue holds requests the worker has not taken yet. Guarded by
	// Pipeline.mu. Adjacent requests with the same effect collapse, so
	// modifications alone never grow it past one entry.
	queue []request
}

type request struct {
	kind   Kind
	upload *upload
	// recheck commits what is on disk now, skipping the debounce.
	recheck bool
}

// absorbs reports whether next adds nothing when queued right after r.
func (r request) absorbs(next request) bool {
	if r.upload != nil || next.upload != nil {
		return false
	}
	return r.recheck == next.recheck && (r.kind == Deleted) == (next.kind == Deleted)
}

type upload struct {
	data  []byte
	mode  fs.FileMode
	reply chan uploadResult
}

type uploadResult struct {
	rec ledger.Record
	err error
}

// New creates a pipeline committing into s and l.
func New(s *safe.Safe, l *ledger.Ledger, opts Options) (*Pipeline, error) {
	if s == nil || l == nil {
		return nil, fmt.Errorf("content store and ledger are required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pipeline{
		root:    root,
		opts:    opts,
		clock:   opts.Clock,
		safe:    s,
		ledger:  l,
		logger:  opts.Logger,
		quit:    make(chan struct{}),
		workers: make(map[string]*worker),
	}
	if p.opts.OnError == nil {
		p.opts.OnError = func(path string, err error) {
			p.logger.Error("ingest failed",
				zap.String("path", path),
				zap.String("type", string(cerrors.TypeOf(err))),
				zap.Error(err),
			)
		}
	}
	return p, nil
}

// Root returns the absolute directory the pipeline versions.
func (p *Pipeline) Root() string {
	return p.root
}

// Key maps an absolute or root relative path to its ledger key.
func (p *Pipeline) Key(path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return "", cerrors.ValidationError("path is not under the backup root", path)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", cerrors.ValidationError("path is not under the backup root", path)
		}
		path = rel
	}
	return ledger.CleanPath(filepath.ToSlash(path))
}

func (p *Pipeline) diskPath(key string) string {
	return filepath.Join(p.root, filepath.FromSlash(key))
}

// Submit hands an event to its path's worker, starting one if the path is
// idle. It never waits on the worker, so a path that is slow to commit does
// not hold up any other path.
func (p *Pipeline) Submit(ev Event) error {
	key, err := p.Key(ev.Path)
	if err != nil {
		return err
	}
	return p.send(key, request{kind: ev.Kind}, false)
}

// send queues req for key's worker. Workers use force to hand follow-up
// work to other paths while Close is flushing.
func (p *Pipeline) send(key string, req request, force bool) error {
	p.mu.Lock()
	if p.closed && !force {
		p.mu.Unlock()
		return ErrClosed
	}
	w, ok := p.workers[key]
	if !ok {
		w = &worker{key: key, wake: make(chan struct{}, 1)}
		p.workers[key] = w
		p.wg.Add(1)
		metrics.PendingPaths.Inc()
		go p.run(w)
	}
	if n := len(w.queue); n == 0 || !w.queue[n-1].absorbs(req) {
		w.queue = append(w.queue, req)
	}
	p.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run submits events until ctx is done or events is closed. It does not
// close the pipeline.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Submit(ev); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				p.logger.Warn("dropping event",
					zap.String("path", ev.Path),
					zap.Stringer("kind", ev.Kind),
					zap.Error(err),
				)
			}
		}
	}
}

// Upload commits data as a new version of path without waiting for a
// debounce. It is ordered with respect to the path's other events.
func (p *Pipeline) Upload(ctx context.Context, path string, data []byte, mode fs.FileMode) (ledger.Record, error) {
	key, err := p.Key(path)
	if err != nil {
		return ledger.Record{}, err
	}
	if mode == 0 {
		mode = 0644
	}

	u := &upload{data: data, mode: mode.Perm(), reply: make(chan uploadResult, 1)}
	if err := p.send(key, request{kind: Modified, upload: u}, false); err != nil {
		return ledger.Record{}, err
	}

	select {
	case res := <-u.reply:
		return res.rec, res.err
	case <-ctx.Done():
		return ledger.Record{}, ctx.Err()
	}
}

// Pending returns the number of paths with a live worker.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close stops accepting events, commits every pending path immediately and
// waits for all workers to finish.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := len(p.workers)
	close(p.quit)
	p.mu.Unlock()

	p.logger.Info("flushing ingest pipeline", zap.Int("pending", pending))
	p.wg.Wait()
	return nil
}

// take empties the worker's queue.
func (p *Pipeline) take(w *worker) []request {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

// retire removes an idle worker. It fails if requests are queued.
func (p *Pipeline) retire(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(p.workers, w.key)
	return true
}

// run is the per-path state machine. Without a live worker the path is
// Idle; a running timer means Pending; the commit calls are Committing.
func (p *Pipeline) run(w *worker) {
	defer p.wg.Done()
	defer metrics.PendingPaths.Dec()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		pending bool
		first   time.Time
		quit    = p.quit
	)

	for {
		select {
		case <-w.wake:
			for _, req := range p.take(w) {
				switch {
				case req.upload != nil:
					if pending {
						timer.Stop()
						pending = false
						p.commitPath(w.key)
					}
					rec, err := p.commitUpload(w.key, req.upload)
					req.upload.reply <- uploadResult{rec: rec, err: err}
				case req.recheck:
					if pending {
						timer.Stop()
						pending = false
					}
					p.commitPath(w.key)
				case req.kind == Deleted:
					if pending {
						timer.Stop()
						pending = false
					}
					p.commitDelete(w.key)
				default:
					now := time.Now()
					if !pending {
						pending = true
						first = now
					}
					timer.Reset(p.delay(first, now))
				}
			}

		case <-timer.C:
			pending = false
			p.commitPath(w.key)

		case <-quit:
			quit = nil
		}

		// Once shutting down nothing waits for a timer.
		if quit == nil && pending {
			timer.Stop()
			pending = false
			p.commitPath(w.key)
		}

		if !pending && p.retire(w) {
			return
		}
	}
}

func (p *Pipeline) delay(first, now time.Time) time.Duration {
	d := p.opts.Debounce
	if rem := first.Add(p.opts.MaxDelay).Sub(now); rem < d {
		d = rem
	}
	if d < 0 {
		d = 0
	}
	return d
}
