// internal/storage/badger.go
package storage

import (
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Options controls how the shared database is opened.
type Options struct {
	Dir      string
	InMemory bool
	Logger   *zap.Logger
}

// Open opens the badger database backing both the content index and the
// version ledger. Writes are synced before a transaction commit returns.
func Open(opts Options) (*badger.DB, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("database directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}

	bopts = bopts.WithLogger(NewBadgerLogger(opts.Logger))

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// OpenInMemory is used by tests.
func OpenInMemory() (*badger.DB, error) {
	return Open(Options{InMemory: true})
}

// badgerLogger adapts zap to badger.Logger. Info and debug output from badger
// is demoted to debug since it is mostly compaction chatter.
type badgerLogger struct {
	s *zap.SugaredLogger
}

// NewBadgerLogger returns nil when l is nil, which disables badger logging.
func NewBadgerLogger(l *zap.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	return &badgerLogger{s: l.Named("badger").Sugar()}
}

func (b *badgerLogger) Errorf(f string, args ...interface{}) {
	b.s.Errorf(strings.TrimSpace(f), args...)
}

func (b *badgerLogger) Warningf(f string, args ...interface{}) {
	b.s.Warnf(strings.TrimSpace(f), args...)
}

func (b *badgerLogger) Infof(f string, args ...interface{}) {
	b.s.Debugf(strings.TrimSpace(f), args...)
}

func (b *badgerLogger) Debugf(f string, args ...interface{}) {
	b.s.Debugf(strings.TrimSpace(f), args...)
}
