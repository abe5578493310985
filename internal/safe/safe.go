// internal/safe/safe.go
package safe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const metaPrefix = "content:"

// Digest is the hex encoded SHA-256 of a payload.
type Digest string

// Sum computes the digest of content.
func Sum(content []byte) Digest {
	h := sha256.Sum256(content)
	return Digest(hex.EncodeToString(h[:]))
}

// Valid reports whether d is a well formed digest.
func (d Digest) Valid() bool {
	if len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(d))
	return err == nil
}

func (d Digest) String() string { return string(d) }

// Short is the abbreviated form used in listings.
func (d Digest) Short() string {
	if len(d) < 12 {
		return string(d)
	}
	return string(d[:12])
}

// ContentMeta is the index entry for a stored payload
type ContentMeta struct {
	Hash       Digest    `json:"hash"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Safe is a deduplicated, reference counted content store. Payloads live in
// files under root; the index lives in badger and is only updated once the
// payload file is durable.
type Safe struct {
	root   string
	db     *badger.DB
	cache  *lru.Cache[Digest, []byte]
	comp   *compressor
	logger *zap.Logger

	// Put holds the read side, Prune the write side, so a prune never
	// removes a payload file that a concurrent Put is about to index.
	pruneMu sync.RWMutex
}

// Options configures Safe behavior
type Options struct {
	Root        string // Root directory for payload files
	CacheSize   int    // Number of payloads to cache
	Compression CompressionOptions
	Logger      *zap.Logger
}

// New creates a new Safe instance
func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	cache, err := lru.New[Digest, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	var comp *compressor
	if opts.Compression.Enabled {
		comp, err = newCompressor(opts.Compression)
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Safe{
		root:   opts.Root,
		db:     db,
		cache:  cache,
		comp:   comp,
		logger: logger,
	}, nil
}

// Close releases compression resources. The database is owned by the caller.
func (s *Safe) Close() error {
	s.comp.close()
	return nil
}

// Put stores content and returns its digest. Storing the same bytes again
// only increments the reference count of the existing entry.
func (s *Safe) Put(content []byte) (Digest, error) {
	if content == nil {
		content = []byte{}
	}
	digest := Sum(content)

	s.pruneMu.RLock()
	defer s.pruneMu.RUnlock()

	exists, err := s.Exists(digest)
	if err != nil {
		return "", err
	}

	var stored []byte
	compressed := false
	if !exists {
		stored, compressed = s.comp.compress(content)
		if err := s.writePayload(digest, stored); err != nil {
			return "", cerrors.IOFailure("writing payload "+digest.Short(), err)
		}
	}

	err = storage.Update(s.db, func(txn *badger.Txn) error {
		meta, err := getMeta(txn, digest)
		switch {
		case err == errNoMeta:
			if stored == nil {
				// Entry was pruned between Exists and this transaction; the
				// payload file is gone with it.
				stored, compressed = s.comp.compress(content)
				if err := s.writePayload(digest, stored); err != nil {
					return err
				}
			}
			meta = ContentMeta{
				Hash:       digest,
				Size:       int64(len(content)),
				StoredSize: int64(len(stored)),
				RefCount:   1,
				Compressed: compressed,
				CreatedAt:  time.Now().UTC(),
			}
		case err != nil:
			return err
		default:
			meta.RefCount++
		}
		return setMeta(txn, meta)
	})
	if err != nil {
		return "", cerrors.IOFailure("indexing payload "+digest.Short(), err)
	}

	s.cache.Add(digest, content)
	return digest, nil
}

// Get retrieves content by digest.
func (s *Safe) Get(digest Digest) ([]byte, error) {
	if !digest.Valid() {
		return nil, cerrors.ValidationError("invalid content digest", string(digest))
	}

	if content, ok := s.cache.Get(digest); ok {
		return bytes.Clone(content), nil
	}

	meta, err := s.Stat(digest)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.contentPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.Inconsistent("payload file missing for "+digest.Short(), err)
		}
		return nil, cerrors.IOFailure("reading payload "+digest.Short(), err)
	}

	if meta.Compressed {
		data, err = s.comp.decompress(data)
		if err != nil {
			return nil, cerrors.Inconsistent("decompressing payload "+digest.Short(), err)
		}
	}

	if Sum(data) != digest {
		return nil, cerrors.Inconsistent("payload hash mismatch for "+digest.Short(), nil)
	}

	s.cache.Add(digest, data)
	return bytes.Clone(data), nil
}

// Release decrements the reference count of digest. Entries that reach zero
// stay readable until the next Prune.
func (s *Safe) Release(digest Digest) error {
	if !digest.Valid() {
		return cerrors.ValidationError("invalid content digest", string(digest))
	}

	err := storage.Update(s.db, func(txn *badger.Txn) error {
		meta, err := getMeta(txn, digest)
		if err != nil {
			return err
		}
		if meta.RefCount == 0 {
			return nil
		}
		meta.RefCount--
		return setMeta(txn, meta)
	})
	if err == errNoMeta {
		return cerrors.NotFound("content " + digest.Short() + " not found")
	}
	if err != nil {
		return cerrors.IOFailure("releasing "+digest.Short(), err)
	}
	return nil
}

// Exists checks if an index entry exists for digest.
func (s *Safe) Exists(digest Digest) (bool, error) {
	if !digest.Valid() {
		return false, cerrors.ValidationError("invalid content digest", string(digest))
	}
	if s.cache.Contains(digest) {
		return true, nil
	}

	_, err := s.Stat(digest)
	if err != nil {
		if cerrors.TypeOf(err) == cerrors.ErrorTypeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns the index entry for digest.
func (s *Safe) Stat(digest Digest) (ContentMeta, error) {
	var meta ContentMeta
	if !digest.Valid() {
		return meta, cerrors.ValidationError("invalid content digest", string(digest))
	}
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		meta, err = getMeta(txn, digest)
		return err
	})
	if err == errNoMeta {
		return meta, cerrors.NotFound("content " + digest.Short() + " not found")
	}
	if err != nil {
		return meta, cerrors.IOFailure("reading index for "+digest.Short(), err)
	}
	return meta, nil
}

// Verify checks content integrity
func (s *Safe) Verify(digest Digest) error {
	s.cache.Remove(digest)
	_, err := s.Get(digest)
	return err
}

// Internal helper functions

var errNoMeta = fmt.Errorf("no index entry")

func (s *Safe) contentPath(digest Digest) string {
	return filepath.Join(s.root, string(digest[:2]), string(digest[2:]))
}

// writePayload writes data to a temp file, syncs it and renames it into place.
func (s *Safe) writePayload(digest Digest, data []byte) error {
	dst := s.contentPath(digest)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating content directory: %w", err)
	}

	tmpPath := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming payload into place: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}

func metaKey(digest Digest) []byte {
	return []byte(metaPrefix + string(digest))
}

func getMeta(txn *badger.Txn, digest Digest) (ContentMeta, error) {
	var meta ContentMeta
	item, err := txn.Get(metaKey(digest))
	if err == badger.ErrKeyNotFound {
		return meta, errNoMeta
	}
	if err != nil {
		return meta, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

func setMeta(txn *badger.Txn, meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(meta.Hash), data)
}
