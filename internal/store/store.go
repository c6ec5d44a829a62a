// Package store performs the remote side's filesystem operations inside a
// single backup root. Every caller-supplied path is resolved through
// pathsafe before anything touches disk. It has no dependency on HTTP.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
	"github.com/alexjbarnes/nas-backup/internal/pathsafe"
)

// Error codes returned by store operations.
const (
	ErrCodeInvalidPath     = "INVALID_PATH"
	ErrCodeInvalidFilename = "INVALID_FILENAME"
	ErrCodeFileNotFound    = "FILE_NOT_FOUND"
	ErrCodeNotAFile        = "NOT_A_FILE"
	ErrCodeNotADirectory   = "NOT_A_DIRECTORY"
)

var codeSentinels = map[string]error{
	ErrCodeInvalidPath:     nberrors.ErrInvalidPath,
	ErrCodeInvalidFilename: nberrors.ErrInvalidPath,
	ErrCodeFileNotFound:    nberrors.ErrNotFound,
	ErrCodeNotAFile:        nberrors.ErrNotAFile,
	ErrCodeNotADirectory:   nberrors.ErrNotADirectory,
}

// Error is a structured error returned by store operations. It unwraps to
// the shared sentinel matching its code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return codeSentinels[e.Code]
}

// Store provides operations on the backup root directory.
type Store struct {
	root string
}

// New creates a Store rooted at the given directory, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("backup root must not be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving backup root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accessing backup root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup root is not a directory: %s", abs)
	}

	return &Store{root: abs}, nil
}

// Root returns the absolute path to the backup root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) resolve(relPath string) (string, error) {
	abs, err := pathsafe.Resolve(s.root, relPath)
	if err != nil {
		return "", pathError(relPath, err)
	}
	return abs, nil
}

func (s *Store) resolveDir(relPath string) (string, error) {
	abs, err := pathsafe.ResolveDir(s.root, relPath)
	if err != nil {
		return "", pathError(relPath, err)
	}
	return abs, nil
}

func pathError(relPath string, err error) error {
	if errors.Is(err, nberrors.ErrInvalidPath) {
		return &Error{
			Code:    ErrCodeInvalidPath,
			Message: fmt.Sprintf("invalid path: %s", relPath),
		}
	}
	return err
}

// FileInfo is one entry of a recursive listing.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListRecursive returns every regular file under dir with its size. Paths
// are relative to dir, '/'-separated and sorted. A directory that does not
// exist yields an empty listing. Unreadable entries and symlinks are
// skipped.
func (s *Store) ListRecursive(dir string) ([]FileInfo, error) {
	abs, err := s.resolveDir(dir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("checking directory: %w", err)
	}

	if !info.IsDir() {
		return nil, &Error{
			Code:    ErrCodeNotADirectory,
			Message: fmt.Sprintf("not a directory: %s", dir),
		}
	}

	files := []FileInfo{}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == abs {
				return walkErr
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}

		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return nil
		}

		files = append(files, FileInfo{Path: filepath.ToSlash(rel), Size: fi.Size()})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

// Save writes r to relPath, creating intermediate directories and
// overwriting any existing file in place. It returns the number of bytes
// written. A failure partway through can leave a truncated file.
func (s *Store) Save(relPath string, r io.Reader) (int64, error) {
	abs, err := s.resolve(relPath)
	if err != nil {
		return 0, err
	}

	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return 0, &Error{
			Code:    ErrCodeNotAFile,
			Message: fmt.Sprintf("path is a directory: %s", relPath),
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("writing file: %w", err)
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("closing file: %w", err)
	}

	return n, nil
}

// DeleteOne removes a single file. Directories are refused. A missing file
// is reported as FILE_NOT_FOUND; callers syncing a tree may treat that as
// success.
func (s *Store) DeleteOne(relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return &Error{
				Code:    ErrCodeFileNotFound,
				Message: fmt.Sprintf("file not found: %s", relPath),
			}
		}
		return fmt.Errorf("checking file: %w", err)
	}

	if info.IsDir() {
		return &Error{
			Code:    ErrCodeNotAFile,
			Message: fmt.Sprintf("cannot delete directory: %s", relPath),
		}
	}

	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}

	return nil
}

// FlatFile describes a file stored directly under the root by the legacy
// single-file upload.
type FlatFile struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	// Go has no portable creation time, so this is the modification time.
	Created time.Time `json:"created"`
}

// SaveFlat stores r directly under the root using a sanitized form of
// name. It returns the name actually used and the bytes written.
func (s *Store) SaveFlat(name string, r io.Reader) (string, int64, error) {
	safe, err := flatName(name)
	if err != nil {
		return "", 0, err
	}

	n, err := s.Save(safe, r)
	if err != nil {
		return safe, n, err
	}

	return safe, n, nil
}

// ListFlat returns the regular files stored directly under the root,
// sorted by name.
func (s *Store) ListFlat() ([]FlatFile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []FlatFile{}, nil
		}
		return nil, fmt.Errorf("reading backup root: %w", err)
	}

	files := []FlatFile{}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		files = append(files, FlatFile{
			Filename: e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			Created:  info.ModTime(),
		})
	}

	return files, nil
}

// DeleteFlat removes a file stored directly under the root. The name is
// sanitized the same way SaveFlat sanitizes it. It returns the sanitized
// name.
func (s *Store) DeleteFlat(name string) (string, error) {
	safe, err := flatName(name)
	if err != nil {
		return "", err
	}

	return safe, s.DeleteOne(safe)
}

// Cleanup removes every regular file directly under the root and returns
// how many were removed. Subdirectories written by directory sync are left
// alone.
func (s *Store) Cleanup() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &Error{
				Code:    ErrCodeFileNotFound,
				Message: "backup root does not exist",
			}
		}
		return 0, fmt.Errorf("reading backup root: %w", err)
	}

	deleted := 0

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		if err := os.Remove(filepath.Join(s.root, e.Name())); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", e.Name(), err)
		}

		deleted++
	}

	return deleted, nil
}

// Health reports whether the root is currently present on disk.
type Health struct {
	Root       string `json:"root"`
	RootExists bool   `json:"root_exists"`
}

// Health returns the current root status.
func (s *Store) Health() Health {
	info, err := os.Stat(s.root)
	return Health{
		Root:       s.root,
		RootExists: err == nil && info.IsDir(),
	}
}

func flatName(name string) (string, error) {
	safe := pathsafe.SecureFilename(name)
	if safe == "" {
		return "", &Error{
			Code:    ErrCodeInvalidFilename,
			Message: fmt.Sprintf("invalid filename: %q", name),
		}
	}
	return safe, nil
}
