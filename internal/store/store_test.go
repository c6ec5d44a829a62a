package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

// testStore creates a temporary backup root with some files.
func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"photos/a.jpg":         "0123456789",
		"photos/2024/b.jpg":    "01234567890123456789",
		"photos/2024/x/c.raw":  "abc",
		"docs/readme.txt":      "hello",
		"flat.txt":             "flat file",
		"another-flat.pdf":     "pdf",
		"photos/2024/x/.keep":  "",
		"empty-dir/.gitignore": "*",
	}

	for path, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	s, err := New(dir)
	require.NoError(t, err)

	return s
}

// --- New ---

func TestNew_ExistingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Root())
}

func TestNew_CreatesMissingRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backup")
	s, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(s.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNew_FileNotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	_, err := New(f)
	require.Error(t, err)
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

// --- Error ---

func TestError_UnwrapsToSentinel(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{ErrCodeInvalidPath, nberrors.ErrInvalidPath},
		{ErrCodeInvalidFilename, nberrors.ErrInvalidPath},
		{ErrCodeFileNotFound, nberrors.ErrNotFound},
		{ErrCodeNotAFile, nberrors.ErrNotAFile},
		{ErrCodeNotADirectory, nberrors.ErrNotADirectory},
	}
	for _, tt := range tests {
		err := error(&Error{Code: tt.code, Message: "m"})
		assert.ErrorIs(t, err, tt.want, tt.code)
	}
}

func TestError_UnknownCodeUnwrapsToNil(t *testing.T) {
	e := &Error{Code: "SOMETHING_ELSE", Message: "m"}
	assert.Nil(t, e.Unwrap())
	assert.Equal(t, "m", e.Error())
}

// --- ListRecursive ---

func TestListRecursive_Subdirectory(t *testing.T) {
	s := testStore(t)

	files, err := s.ListRecursive("photos")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{
		{Path: "2024/b.jpg", Size: 20},
		{Path: "2024/x/.keep", Size: 0},
		{Path: "2024/x/c.raw", Size: 3},
		{Path: "a.jpg", Size: 10},
	}, files)
}

func TestListRecursive_Root(t *testing.T) {
	s := testStore(t)

	for _, dir := range []string{"", "."} {
		files, err := s.ListRecursive(dir)
		require.NoError(t, err)
		assert.Len(t, files, 8)
	}
}

func TestListRecursive_MissingDirIsEmpty(t *testing.T) {
	s := testStore(t)

	files, err := s.ListRecursive("never-synced")
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)
}

func TestListRecursive_FileIsNotADirectory(t *testing.T) {
	s := testStore(t)

	_, err := s.ListRecursive("flat.txt")
	require.Error(t, err)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeNotADirectory, se.Code)
	assert.ErrorIs(t, err, nberrors.ErrNotADirectory)
}

func TestListRecursive_BackslashDir(t *testing.T) {
	s := testStore(t)

	files, err := s.ListRecursive(`photos\2024`)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestListRecursive_TraversalAttacks(t *testing.T) {
	s := testStore(t)

	for _, dir := range []string{"..", "../..", "/etc", "photos/../../"} {
		_, err := s.ListRecursive(dir)
		require.Error(t, err, dir)
		assert.ErrorIs(t, err, nberrors.ErrInvalidPath, dir)
	}
}

func TestListRecursive_SkipsSymlinks(t *testing.T) {
	s := testStore(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))

	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(s.Root(), "docs", "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	files, err := s.ListRecursive("docs")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Path: "readme.txt", Size: 5}}, files)
}

func TestListRecursive_SkipsUnreadableSubdir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	s := testStore(t)
	locked := filepath.Join(s.Root(), "photos", "2024", "x")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	files, err := s.ListRecursive("photos")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{
		{Path: "2024/b.jpg", Size: 20},
		{Path: "a.jpg", Size: 10},
	}, files)
}

// --- Save ---

func TestSave_CreatesIntermediateDirs(t *testing.T) {
	s := testStore(t)

	n, err := s.Save("music/albums/one/track.flac", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	data, err := os.ReadFile(filepath.Join(s.Root(), "music", "albums", "one", "track.flac"))
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestSave_OverwritesExisting(t *testing.T) {
	s := testStore(t)

	n, err := s.Save("photos/a.jpg", strings.NewReader("short"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := os.ReadFile(filepath.Join(s.Root(), "photos", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestSave_DirectoryTarget(t *testing.T) {
	s := testStore(t)

	_, err := s.Save("photos/2024", strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrNotAFile)
}

func TestSave_TraversalAttacks(t *testing.T) {
	s := testStore(t)

	for _, p := range []string{"../../etc/passwd", "/etc/passwd", "a/../../b", "", "."} {
		_, err := s.Save(p, strings.NewReader("x"))
		require.Error(t, err, p)
		assert.ErrorIs(t, err, nberrors.ErrInvalidPath, p)
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(s.Root()), "b"))
	assert.True(t, os.IsNotExist(err), "nothing should be written outside the root")
}

func TestSave_SymlinkEscape(t *testing.T) {
	s := testStore(t)
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(s.Root(), "escape")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	_, err := s.Save("escape/new/file.txt", strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrInvalidPath)

	_, err = os.Stat(filepath.Join(outside, "new"))
	assert.True(t, os.IsNotExist(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSave_ReaderError(t *testing.T) {
	s := testStore(t)

	_, err := s.Save("partial.bin", failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

// --- DeleteOne ---

func TestDeleteOne_Success(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.DeleteOne("photos/a.jpg"))

	_, err := os.Stat(filepath.Join(s.Root(), "photos", "a.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteOne_Twice(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.DeleteOne("docs/readme.txt"))

	err := s.DeleteOne("docs/readme.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrNotFound)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeFileNotFound, se.Code)
}

func TestDeleteOne_Directory(t *testing.T) {
	s := testStore(t)

	err := s.DeleteOne("photos")
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrNotAFile)

	_, statErr := os.Stat(filepath.Join(s.Root(), "photos", "a.jpg"))
	assert.NoError(t, statErr)
}

func TestDeleteOne_TraversalAttacks(t *testing.T) {
	s := testStore(t)
	outside := filepath.Join(filepath.Dir(s.Root()), "victim.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o644))

	err := s.DeleteOne("../victim.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrInvalidPath)

	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)
}

// --- Flat (legacy) operations ---

func TestSaveFlat_SanitizesName(t *testing.T) {
	s := testStore(t)

	name, n, err := s.SaveFlat("../../My Report.pdf", strings.NewReader("pdfdata"))
	require.NoError(t, err)
	assert.Equal(t, "My_Report.pdf", name)
	assert.Equal(t, int64(7), n)

	_, err = os.Stat(filepath.Join(s.Root(), "My_Report.pdf"))
	require.NoError(t, err)
}

func TestSaveFlat_EmptyAfterSanitizing(t *testing.T) {
	s := testStore(t)

	_, _, err := s.SaveFlat("...", strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, nberrors.ErrInvalidPath)
}

func TestListFlat_OnlyTopLevelFiles(t *testing.T) {
	s := testStore(t)

	files, err := s.ListFlat()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "another-flat.pdf", files[0].Filename)
	assert.Equal(t, int64(3), files[0].Size)
	assert.Equal(t, "flat.txt", files[1].Filename)
	assert.False(t, files[1].Modified.IsZero())
	assert.Equal(t, files[1].Modified, files[1].Created)
}

func TestDeleteFlat(t *testing.T) {
	s := testStore(t)

	name, err := s.DeleteFlat("flat.txt")
	require.NoError(t, err)
	assert.Equal(t, "flat.txt", name)

	_, err = s.DeleteFlat("flat.txt")
	assert.ErrorIs(t, err, nberrors.ErrNotFound)
}

func TestDeleteFlat_CannotReachSubdirectories(t *testing.T) {
	s := testStore(t)

	name, err := s.DeleteFlat("docs/readme.txt")
	require.Error(t, err)
	assert.Equal(t, "docs_readme.txt", name)
	assert.ErrorIs(t, err, nberrors.ErrNotFound)

	_, statErr := os.Stat(filepath.Join(s.Root(), "docs", "readme.txt"))
	assert.NoError(t, statErr)
}

func TestCleanup_RemovesTopLevelFilesOnly(t *testing.T) {
	s := testStore(t)

	n, err := s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	flat, err := s.ListFlat()
	require.NoError(t, err)
	assert.Empty(t, flat)

	nested, err := s.ListRecursive("photos")
	require.NoError(t, err)
	assert.Len(t, nested, 4)
}

func TestCleanup_MissingRoot(t *testing.T) {
	s := testStore(t)
	require.NoError(t, os.RemoveAll(s.Root()))

	_, err := s.Cleanup()
	assert.ErrorIs(t, err, nberrors.ErrNotFound)
}

func TestHealth(t *testing.T) {
	s := testStore(t)

	h := s.Health()
	assert.Equal(t, s.Root(), h.Root)
	assert.True(t, h.RootExists)

	require.NoError(t, os.RemoveAll(s.Root()))
	assert.False(t, s.Health().RootExists)
}
