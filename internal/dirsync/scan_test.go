package dirsync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeTree creates files under dir from a map of relative path to content.
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func TestScan_NestedTree(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.txt":         "0123456789",
		"sub/b.txt":     "01234567890123456789",
		"sub/deep/c.md": "",
		".hidden/d":     "dd",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	snap, err := Scan(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		"a.txt":         10,
		"sub/b.txt":     20,
		"sub/deep/c.md": 0,
		".hidden/d":     2,
	}, snap)
}

func TestScan_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"x/1": "1", "x/2": "22", "y/3": "333", "4": "4444",
	})

	first, err := Scan(dir, testLogger())
	require.NoError(t, err)
	second, err := Scan(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScan_EmptyDir(t *testing.T) {
	snap, err := Scan(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestScan_MissingDir(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "gone"), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScan_FileNotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	_, err := Scan(f, testLogger())
	assert.ErrorIs(t, err, nberrors.ErrNotADirectory)
}

func TestScan_Symlinks(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeTree(t, dir, map[string]string{"real.txt": "abc"})
	writeTree(t, outside, map[string]string{"target.txt": "12345", "nested/n.txt": "n"})

	if err := os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(dir, "file-link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "dir-link")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "broken")))
	// A link back to the root would loop forever if directory links were followed.
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "loop")))

	snap, err := Scan(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		"real.txt":      3,
		"file-link.txt": 5,
	}, snap)
}

func TestScan_SkipsUnreadableSubdir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"ok.txt": "ok", "locked/secret.txt": "s"})

	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	snap, err := Scan(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{"ok.txt": 2}, snap)
}
