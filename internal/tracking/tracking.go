// Package tracking persists the list of local paths the client backs up,
// with the time each was last backed up successfully.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/nas-backup/internal/dirsync"
	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

const (
	// DefaultFile is the tracking file name used when none is configured.
	DefaultFile = "file_list.json"

	filePerm      = fs.FileMode(0o644)
	lockRetryWait = 100 * time.Millisecond
)

// Accepted timestamp layouts, most specific first. The naive forms are
// what older clients wrote and are read as local time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// Target is one tracked local path.
type Target struct {
	Path       string
	LastBackup *time.Time
	AddedDate  time.Time
}

// record is the on-disk form of a Target.
type record struct {
	Path       string  `json:"path"`
	LastBackup *string `json:"last_backup"`
	AddedDate  string  `json:"added_date"`
}

// List is the in-memory tracking document. It is not safe for
// concurrent use; the CLI owns a single List per process and
// serializes processes through Lock.
type List struct {
	path    string
	targets []Target
	now     func() time.Time
}

// Lock takes the OS lock guarding the tracking file at path, waiting
// until it is free or ctx is done. The returned func releases it.
func Lock(ctx context.Context, path string) (func() error, error) {
	fl := flock.New(path + ".lock")

	locked, err := fl.TryLockContext(ctx, lockRetryWait)
	if err != nil {
		return nil, fmt.Errorf("locking tracking file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("locking tracking file: %s is held by another process", fl.Path())
	}

	return fl.Unlock, nil
}

// Load reads the tracking file at path. A missing file yields an empty
// list. The legacy format, a bare array of path strings, is upgraded
// with no backup time and an added date of now.
func Load(path string) (*List, error) {
	l := &List{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracking file: %w", err)
	}

	if len(data) == 0 {
		return l, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("reading tracking file %s: invalid JSON", path)
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, fmt.Errorf("reading tracking file %s: expected a JSON array", path)
	}

	loadedAt := l.now()

	for _, item := range doc.Array() {
		var t Target

		switch {
		case item.Type == gjson.String:
			t = Target{Path: item.String(), AddedDate: loadedAt}
		case item.IsObject():
			t = Target{Path: item.Get("path").String(), AddedDate: loadedAt}
			if ts, ok := parseTime(item.Get("last_backup")); ok {
				t.LastBackup = &ts
			}
			if ts, ok := parseTime(item.Get("added_date")); ok {
				t.AddedDate = ts
			}
		default:
			continue
		}

		if t.Path == "" {
			continue
		}
		l.targets = append(l.targets, t)
	}

	return l, nil
}

func parseTime(v gjson.Result) (time.Time, bool) {
	if v.Type != gjson.String {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v.Str, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Path returns the tracking file location.
func (l *List) Path() string {
	return l.path
}

// Targets returns a copy of the tracked targets in insertion order.
func (l *List) Targets() []Target {
	return slices.Clone(l.targets)
}

// Paths returns the tracked paths in insertion order.
func (l *List) Paths() []string {
	paths := make([]string, len(l.targets))
	for i, t := range l.targets {
		paths[i] = t.Path
	}
	return paths
}

// Normalize returns the identity form of a local path.
func Normalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

func (l *List) index(p string) int {
	return slices.IndexFunc(l.targets, func(t Target) bool { return t.Path == p })
}

// Add tracks p and returns its normalized form. Adding a path that is
// already tracked returns ErrAlreadyTracked. Adding a directory whose
// base name matches another tracked directory returns ErrNameCollision,
// since both would mirror into the same remote directory.
func (l *List) Add(p string) (string, error) {
	norm, err := Normalize(p)
	if err != nil {
		return "", err
	}

	if l.index(norm) >= 0 {
		return "", fmt.Errorf("%w: %s", nberrors.ErrAlreadyTracked, norm)
	}

	if info, err := os.Stat(norm); err == nil && info.IsDir() {
		dirs := []string{norm}
		for _, t := range l.targets {
			if ti, err := os.Stat(t.Path); err == nil && ti.IsDir() {
				dirs = append(dirs, t.Path)
			}
		}
		if err := dirsync.CheckRemoteNames(dirs); err != nil {
			return "", err
		}
	}

	l.targets = append(l.targets, Target{Path: norm, AddedDate: l.now()})

	return norm, nil
}

// Remove stops tracking p. Unknown paths return ErrNotTracked.
func (l *List) Remove(p string) (string, error) {
	norm, err := Normalize(p)
	if err != nil {
		return "", err
	}

	i := l.index(norm)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", nberrors.ErrNotTracked, norm)
	}
	l.targets = slices.Delete(l.targets, i, i+1)

	return norm, nil
}

// Clear drops every target and reports how many there were.
func (l *List) Clear() int {
	n := len(l.targets)
	l.targets = nil
	return n
}

// MarkBackedUp records t as the last successful backup of p. p must be
// a tracked path exactly as returned by Paths.
func (l *List) MarkBackedUp(p string, t time.Time) error {
	i := l.index(p)
	if i < 0 {
		return fmt.Errorf("%w: %s", nberrors.ErrNotTracked, p)
	}
	l.targets[i].LastBackup = &t
	return nil
}

// Save writes the list to disk through a temp file and rename so a
// crash never leaves a half-written tracking file.
func (l *List) Save() error {
	records := make([]record, len(l.targets))
	for i, t := range l.targets {
		records[i] = record{Path: t.Path, AddedDate: t.AddedDate.Format(time.RFC3339)}
		if t.LastBackup != nil {
			s := t.LastBackup.Format(time.RFC3339)
			records[i].LastBackup = &s
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tracking file: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating tracking directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp tracking file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing tracking file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing tracking file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing tracking file: %w", err)
	}

	return nil
}

// FormatLastBackup renders a backup time for listings: "Never", "Today
// 15:04", "Yesterday 15:04" or the date.
func FormatLastBackup(t *time.Time, now time.Time) string {
	if t == nil {
		return "Never"
	}

	local := t.In(now.Location())
	y, m, d := local.Date()
	ny, nm, nd := now.Date()

	if y == ny && m == nm && d == nd {
		return "Today " + local.Format("15:04")
	}

	yy, ym, yd := now.AddDate(0, 0, -1).Date()
	if y == yy && m == ym && d == yd {
		return "Yesterday " + local.Format("15:04")
	}

	return local.Format("2006-01-02")
}
