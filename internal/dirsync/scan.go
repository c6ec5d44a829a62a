package dirsync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

// Snapshot maps a '/'-separated path relative to a directory root to the
// file's size in bytes.
type Snapshot map[string]int64

// Scan walks dir and records every regular file in it. Symlinks to
// regular files are followed; symlinked directories are not, so link
// cycles cannot trap the walk. Entries that cannot be read are skipped.
func Scan(dir string, logger *slog.Logger) (Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanning %s: %w", dir, nberrors.ErrNotADirectory)
	}

	snap := make(Snapshot)

	err = filepath.WalkDir(dir, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if absPath == dir {
				return err
			}
			logger.Debug("skipping unreadable entry during scan",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		var size int64

		switch {
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				logger.Debug("stat failed during scan", slog.String("path", absPath), slog.String("error", err.Error()))
				return nil
			}
			size = fi.Size()

		case d.Type()&fs.ModeSymlink != 0:
			fi, err := os.Stat(absPath)
			if err != nil {
				logger.Debug("skipping broken symlink", slog.String("path", absPath))
				return nil
			}
			if !fi.Mode().IsRegular() {
				logger.Debug("skipping symlink to non-file", slog.String("path", absPath))
				return nil
			}
			size = fi.Size()

		default:
			// Devices, sockets and pipes.
			return nil
		}

		rel, err := filepath.Rel(dir, absPath)
		if err != nil {
			return nil
		}

		snap[filepath.ToSlash(rel)] = size

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	return snap, nil
}
