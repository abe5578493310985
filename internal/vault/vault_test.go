package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cratis/internal/config"
	cerrors "cratis/internal/errors"
	"cratis/internal/ingest"
	"cratis/internal/safe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backup.Root = t.TempDir()
	cfg.Backup.Debounce = 10 * time.Millisecond
	cfg.Storage.Path = filepath.Join(t.TempDir(), "store")
	cfg.Storage.GCInterval = 0
	return cfg
}

func openVault(t *testing.T, cfg *config.Config) *Vault {
	t.Helper()
	v, err := Open(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
}

func listPaths(t *testing.T, v *Vault) []string {
	t.Helper()
	paths, err := v.ListPaths(time.Time{}, "")
	require.NoError(t, err)
	return paths
}

func TestVaultUploadAndRestore(t *testing.T) {
	v := openVault(t, testConfig(t))
	ctx := context.Background()

	first, err := v.Upload(ctx, "docs/a.txt", []byte("v1"), 0)
	require.NoError(t, err)
	second, err := v.Upload(ctx, "docs/a.txt", []byte("v2"), 0600)
	require.NoError(t, err)
	assert.True(t, second.Timestamp.After(first.Timestamp))

	rec, data, err := v.RestoreFile("docs/a.txt", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, os.FileMode(0600), rec.Mode)

	_, data, err = v.RestoreFile("docs/a.txt", first.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	_, _, err = v.RestoreFile("docs/a.txt", first.Timestamp.Add(-time.Nanosecond))
	assert.ErrorIs(t, err, cerrors.ErrNoSuchVersion)

	history, err := v.History("docs/a.txt", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.Digest, history[0].Digest)

	for _, root := range []string{"", ".", "/", "docs"} {
		paths, err := v.ListPaths(time.Time{}, root)
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/a.txt"}, paths, "root %q", root)
	}

	tree, err := v.RestoreTree("docs", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(tree.Files["docs/a.txt"]))
	assert.False(t, tree.Partial())
}

func TestVaultReopen(t *testing.T) {
	cfg := testConfig(t)

	v, err := Open(cfg, Options{})
	require.NoError(t, err)
	rec, err := v.Upload(context.Background(), "a.txt", []byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	v = openVault(t, cfg)
	got, data, err := v.RestoreFile("a.txt", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
	assert.Equal(t, rec.Timestamp, got.Timestamp)
}

func TestVaultScanSkipsOwnStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Path = filepath.Join(cfg.Backup.Root, "backups")
	v := openVault(t, cfg)

	writeFile(t, cfg.Backup.Root, "notes.txt", "n")
	writeFile(t, cfg.Backup.Root, "tmp/draft.swp", "x")

	_, err := v.Scan(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(listPaths(t, v)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"notes.txt"}, listPaths(t, v))
}

func TestVaultWatchDirectories(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.WatchDirectories = []string{"docs", filepath.Join(cfg.Backup.Root, "photos")}
	v := openVault(t, cfg)

	writeFile(t, cfg.Backup.Root, "docs/a.txt", "a")
	writeFile(t, cfg.Backup.Root, "photos/b.jpg", "b")
	writeFile(t, cfg.Backup.Root, "other/c.txt", "c")

	stats, err := v.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)

	require.Eventually(t, func() bool {
		return len(listPaths(t, v)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"docs/a.txt", "photos/b.jpg"}, listPaths(t, v))

	t.Run("outside root is rejected", func(t *testing.T) {
		bad := testConfig(t)
		bad.Backup.WatchDirectories = []string{"../elsewhere"}
		_, err := Open(bad, Options{})
		assert.Error(t, err)
	})
}

func TestVaultSubmitAndClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Debounce = time.Hour
	cfg.Backup.MaxDebounce = time.Hour

	v, err := Open(cfg, Options{})
	require.NoError(t, err)

	writeFile(t, cfg.Backup.Root, "pending.txt", "p")
	require.NoError(t, v.Submit(ingest.Event{Path: "pending.txt", Kind: ingest.Modified}))
	require.NoError(t, v.Close())

	v = openVault(t, cfg)
	_, data, err := v.RestoreFile("pending.txt", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "p", string(data))
}

func TestVaultWatch(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, cfg.Backup.Root, "before.txt", "b")
	v := openVault(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Watch(ctx) }()

	require.Eventually(t, func() bool {
		return len(listPaths(t, v)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, cfg.Backup.Root, "after.txt", "a")
	require.Eventually(t, func() bool {
		return len(listPaths(t, v)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(cfg.Backup.Root, "before.txt")))
	require.Eventually(t, func() bool {
		paths := listPaths(t, v)
		return len(paths) == 1 && paths[0] == "after.txt"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestVaultStatus(t *testing.T) {
	v := openVault(t, testConfig(t))
	ctx := context.Background()

	_, err := v.Upload(ctx, "a.txt", []byte("same"), 0)
	require.NoError(t, err)
	_, err = v.Upload(ctx, "b.txt", []byte("same"), 0)
	require.NoError(t, err)
	_, err = v.Upload(ctx, "b.txt", []byte("changed"), 0)
	require.NoError(t, err)

	st, err := v.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Paths)
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 3, st.Versions)
	assert.Equal(t, 2, st.Content.Entries)

	stats, err := v.Prune()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestVaultFsck(t *testing.T) {
	cfg := testConfig(t)
	v := openVault(t, cfg)

	rec, err := v.Upload(context.Background(), "a.txt", []byte("precious"), 0)
	require.NoError(t, err)

	report, err := v.Fsck()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Records)

	d := rec.Digest.String()
	require.NoError(t, os.Remove(filepath.Join(cfg.Storage.Path, contentDir, d[:2], d[2:])))

	report, err = v.Fsck()
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Content.Problems, 1)
	assert.Equal(t, safe.Missing, report.Content.Problems[0].Status)
}
