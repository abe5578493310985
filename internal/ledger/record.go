package ledger

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"
	"path"
	"strings"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/safe"
)

// Record is one immutable version of a file. An empty Digest marks a
// tombstone: the file was deleted at Timestamp.
type Record struct {
	Path      string      `json:"path"`
	Timestamp time.Time   `json:"timestamp"`
	Digest    safe.Digest `json:"digest,omitempty"`
	Size      int64       `json:"size"`
	Mode      fs.FileMode `json:"mode"`
}

// Deleted reports whether r is a tombstone.
func (r Record) Deleted() bool {
	return r.Digest == ""
}

func (r Record) String() string {
	if r.Deleted() {
		return fmt.Sprintf("%s@%d deleted", r.Path, r.Timestamp.UnixNano())
	}
	return fmt.Sprintf("%s@%d %s", r.Path, r.Timestamp.UnixNano(), r.Digest.Short())
}

// CleanPath normalizes p to the slash separated, tree relative form used as
// the ledger key. Leading slashes and ".." elements cannot escape the root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", cerrors.ValidationError("path is required", nil)
	}
	if strings.ContainsRune(p, 0) {
		return "", cerrors.ValidationError("path contains NUL byte", p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "", cerrors.ValidationError("path refers to the tree root", nil)
	}
	return p, nil
}

// Under reports whether p equals root or lies beneath it. An empty root
// matches everything.
func Under(p, root string) bool {
	if root == "" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// Key layout: "ver/" + path + 0x00 + big endian uint64 unix nanoseconds.
// NUL sorts before every byte a path may contain, so all versions of one
// path are contiguous and ordered by time.

const (
	keyPrefix = "ver/"
	separator = 0x00

	// entry UserMeta bit set on tombstones so key-only scans need no values
	metaTombstone byte = 1 << 0
)

func pathPrefix(p string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(p)+1)
	k = append(k, keyPrefix...)
	k = append(k, p...)
	return append(k, separator)
}

func versionKey(p string, nanos uint64) []byte {
	k := pathPrefix(p)
	return binary.BigEndian.AppendUint64(k, nanos)
}

// pathEnd is the smallest key greater than every version key of p.
func pathEnd(p string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(p)+1)
	k = append(k, keyPrefix...)
	k = append(k, p...)
	return append(k, separator+1)
}

func parseKey(k []byte) (string, uint64, bool) {
	if len(k) < len(keyPrefix)+1+8 || string(k[:len(keyPrefix)]) != keyPrefix {
		return "", 0, false
	}
	sep := len(k) - 9
	if k[sep] != separator {
		return "", 0, false
	}
	return string(k[len(keyPrefix):sep]), binary.BigEndian.Uint64(k[sep+1:]), true
}

// nanos maps t onto the key's time axis. Instants before the epoch clamp to
// zero; the zero Time clamps to zero as well.
func nanos(t time.Time) uint64 {
	if t.IsZero() || t.Before(epoch) {
		return 0
	}
	return uint64(t.UnixNano())
}

var epoch = time.Unix(0, 0)

// beforeEpoch reports whether t is a bounded instant no record can precede.
func beforeEpoch(t time.Time) bool {
	return !t.IsZero() && t.Before(epoch)
}

// upper is like nanos but treats the zero Time as "no upper bound".
func upper(t time.Time) uint64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return nanos(t)
}

func fromNanos(n uint64) time.Time {
	return time.Unix(0, int64(n)).UTC()
}
