package restore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/safe"
	"cratis/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	safe   *safe.Safe
	ledger *ledger.Ledger
	engine *Engine
}

func setupFixture(t *testing.T, chunkSize int) *fixture {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)

	s, err := safe.New(db, safe.Options{Root: filepath.Join(t.TempDir(), "content")})
	require.NoError(t, err)

	l, err := ledger.New(db, nil)
	require.NoError(t, err)

	e, err := New(l, s, Options{ChunkSize: chunkSize})
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return &fixture{safe: s, ledger: l, engine: e}
}

func at(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (f *fixture) put(t *testing.T, path string, ts int64, content string) {
	t.Helper()
	d, err := f.safe.Put([]byte(content))
	require.NoError(t, err)
	_, err = f.ledger.Append(path, at(ts), d, int64(len(content)), 0640)
	require.NoError(t, err)
}

func (f *fixture) del(t *testing.T, path string, ts int64) {
	t.Helper()
	_, err := f.ledger.Append(path, at(ts), "", 0, 0)
	require.NoError(t, err)
}

func TestRestoreFileScenario(t *testing.T) {
	f := setupFixture(t, 0)

	f.put(t, "a.txt", 100, "v1")
	f.put(t, "a.txt", 200, "v2")
	f.del(t, "a.txt", 300)

	tests := []struct {
		name    string
		ts      int64
		want    string
		wantErr error
	}{
		{name: "before any version", ts: 50, wantErr: cerrors.ErrNoSuchVersion},
		{name: "first version", ts: 150, want: "v1"},
		{name: "second version", ts: 250, want: "v2"},
		{name: "exactly at commit", ts: 200, want: "v2"},
		{name: "after delete", ts: 350, wantErr: cerrors.ErrDeleted},
		{name: "at delete", ts: 300, wantErr: cerrors.ErrDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := f.engine.RestoreFile("a.txt", at(tt.ts))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, data)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}

	t.Run("unknown path", func(t *testing.T) {
		_, err := f.engine.RestoreFile("nope.txt", at(1000))
		assert.ErrorIs(t, err, cerrors.ErrNoSuchVersion)
	})

	t.Run("tombstone record returned", func(t *testing.T) {
		rec, _, err := f.engine.RestoreFileRecord("a.txt", at(400))
		assert.ErrorIs(t, err, cerrors.ErrDeleted)
		assert.True(t, rec.Deleted())
		assert.Equal(t, int64(300), rec.Timestamp.UnixNano())
	})
}

func TestRestoreEmptyFileIsNotMissing(t *testing.T) {
	f := setupFixture(t, 0)
	f.put(t, "empty", 10, "")

	rec, data, err := f.engine.RestoreFileRecord("empty", at(10))
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int64(0), rec.Size)
	assert.Equal(t, os.FileMode(0640), rec.Mode)
}

func TestRestoreMissingContentIsInconsistent(t *testing.T) {
	f := setupFixture(t, 0)
	f.put(t, "keep.txt", 10, "keep")
	f.put(t, "lost.txt", 10, "lost")

	// Drop the payload behind the ledger's back.
	d := safe.Sum([]byte("lost"))
	require.NoError(t, f.safe.Release(d))
	_, err := f.safe.Prune()
	require.NoError(t, err)

	_, err = f.engine.RestoreFile("lost.txt", at(20))
	assert.ErrorIs(t, err, cerrors.ErrInconsistent)

	result, err := f.engine.RestoreTree("", at(20))
	require.NoError(t, err)
	assert.True(t, result.Partial())
	assert.Equal(t, map[string][]byte{"keep.txt": []byte("keep")}, result.Files)
	require.Contains(t, result.Failures, "lost.txt")
	assert.ErrorIs(t, result.Failures["lost.txt"], cerrors.ErrInconsistent)
}

func TestRestoreTree(t *testing.T) {
	f := setupFixture(t, 2)

	f.put(t, "src/main.go", 100, "package main")
	f.put(t, "src/util/a.go", 100, "package util")
	f.put(t, "src/util/b.go", 150, "package util // b")
	f.put(t, "docs/readme.md", 100, "# readme")
	f.put(t, "src/old.go", 100, "old")
	f.del(t, "src/old.go", 200)
	f.put(t, "src/main.go", 300, "package main // v2")

	t.Run("subtree", func(t *testing.T) {
		result, err := f.engine.RestoreTree("src", at(250))
		require.NoError(t, err)
		assert.False(t, result.Partial())
		assert.Equal(t, []string{"src/main.go", "src/util/a.go", "src/util/b.go"}, result.Paths())
		assert.Equal(t, "package main", string(result.Files["src/main.go"]))
	})

	t.Run("before deletion", func(t *testing.T) {
		result, err := f.engine.RestoreTree("src", at(120))
		require.NoError(t, err)
		assert.Equal(t, []string{"src/main.go", "src/old.go", "src/util/a.go"}, result.Paths())
	})

	t.Run("whole tree latest", func(t *testing.T) {
		result, err := f.engine.RestoreTree("", time.Time{})
		require.NoError(t, err)
		assert.Len(t, result.Files, 4)
		assert.Equal(t, "package main // v2", string(result.Files["src/main.go"]))
	})

	t.Run("chunks", func(t *testing.T) {
		var sizes []int
		err := f.engine.EachChunk("", time.Time{}, func(chunk *TreeResult) error {
			sizes = append(sizes, len(chunk.Files)+len(chunk.Failures))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, sizes)
	})

	t.Run("empty snapshot", func(t *testing.T) {
		result, err := f.engine.RestoreTree("", at(1))
		require.NoError(t, err)
		assert.Empty(t, result.Files)
		assert.False(t, result.Partial())
	})

	t.Run("snapshot", func(t *testing.T) {
		snap, err := f.engine.Snapshot("docs", at(1000))
		require.NoError(t, err)
		require.Contains(t, snap, "docs/readme.md")
		assert.Equal(t, safe.Sum([]byte("# readme")), snap["docs/readme.md"].Digest)
	})
}

func TestMaterialize(t *testing.T) {
	f := setupFixture(t, 0)
	f.put(t, "a/b/c.txt", 100, "deep")
	f.put(t, "top.txt", 100, "top")
	f.put(t, "top.txt", 200, "top v2")

	dest := filepath.Join(t.TempDir(), "out")
	result, err := f.engine.Materialize("", at(150), dest)
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Len(t, result.Records, 2)

	data, err := os.ReadFile(filepath.Join(dest, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(data))

	info, err := os.Stat(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
	data, err = os.ReadFile(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top", string(data))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".restore-")
	}

	t.Run("destination required", func(t *testing.T) {
		_, err := f.engine.Materialize("", at(150), "")
		require.Error(t, err)
		assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(err))
	})
}

func TestRestoreIsReadOnly(t *testing.T) {
	f := setupFixture(t, 0)
	f.put(t, "x", 100, "x")

	before, err := f.ledger.Count()
	require.NoError(t, err)
	stats, err := f.safe.Stats()
	require.NoError(t, err)

	_, err = f.engine.RestoreFile("x", at(100))
	require.NoError(t, err)
	_, err = f.engine.RestoreTree("", at(100))
	require.NoError(t, err)

	after, err := f.ledger.Count()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	statsAfter, err := f.safe.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats, statsAfter)
}
