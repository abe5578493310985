// Package watch adapts fsnotify to the ingestion pipeline. It watches a
// directory tree recursively and emits normalized, root relative events.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"cratis/internal/ingest"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultBuffer = 256

type Options struct {
	Root    string
	Exclude []string
	// Matcher overrides Exclude when set.
	Matcher *Matcher
	// Buffer is the capacity of the Events channel.
	Buffer int
	Logger *zap.Logger
}

// Watcher emits an ingest.Event for every relevant change under its root.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	matcher *Matcher
	events  chan ingest.Event
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts watching opts.Root and every directory below it.
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Matcher == nil {
		opts.Matcher = NewMatcher(opts.Exclude)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		fsw:     fsw,
		matcher: opts.Matcher,
		events:  make(chan ingest.Event, opts.Buffer),
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}

	if _, err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events is closed after Close.
func (w *Watcher) Events() <-chan ingest.Event {
	return w.events
}

// Matcher returns the ignore rules in effect.
func (w *Watcher) Matcher() *Matcher {
	return w.matcher
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	info, statErr := os.Lstat(ev.Name)
	exists := statErr == nil
	isDir := exists && info.IsDir()

	if w.matcher.Ignore(rel, isDir) {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// Editors that save by renaming put a new file in place before the
		// event is handled.
		if exists && !isDir {
			w.emit(rel, ingest.Modified)
			return
		}
		w.emit(rel, ingest.Deleted)

	case ev.Has(fsnotify.Create):
		if !exists {
			w.emit(rel, ingest.Deleted)
			return
		}
		if !isDir {
			w.emit(rel, ingest.Created)
			return
		}
		// Files may land in a new directory before it is watched.
		files, err := w.addTree(ev.Name)
		if err != nil {
			w.logger.Error("adding new directory to watcher", zap.String("path", rel), zap.Error(err))
		}
		for _, f := range files {
			w.emit(f, ingest.Created)
		}

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		if !exists {
			w.emit(rel, ingest.Deleted)
			return
		}
		if !isDir {
			w.emit(rel, ingest.Modified)
		}
	}
}

func (w *Watcher) emit(rel string, kind ingest.Kind) {
	select {
	case w.events <- ingest.Event{Path: rel, Kind: kind}:
	case <-w.done:
	}
}

// addTree watches dir and its subdirectories and returns the root relative
// files found beneath it.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.matcher.Ignore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("adding directory to watcher: %w", err)
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}
