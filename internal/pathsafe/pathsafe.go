// Package pathsafe confines caller-supplied relative paths to a root
// directory. Every remote-side filesystem operation goes through it.
package pathsafe

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

// Clean normalizes a relative path. Both '/' and '\' are accepted as
// separators, '.' and '..' segments are resolved lexically, and the result
// uses '/' throughout. The empty string cleans to ".".
func Clean(rel string) string {
	return path.Clean(strings.ReplaceAll(rel, `\`, "/"))
}

// Resolve maps rel to an absolute path strictly inside root. It is the
// form used for file targets: the root itself is not an acceptable result.
func Resolve(root, rel string) (string, error) {
	return resolve(root, rel, false)
}

// ResolveDir is Resolve for directory targets. An empty or "." path
// resolves to root itself.
func ResolveDir(root, rel string) (string, error) {
	return resolve(root, rel, true)
}

func resolve(root, rel string, allowRoot bool) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}

	if strings.ContainsRune(rel, 0) {
		return "", invalid(rel, "contains NUL byte")
	}

	cleaned := Clean(rel)

	switch {
	case cleaned == ".":
		if !allowRoot {
			return "", invalid(rel, "empty path")
		}
		return root, nil
	case isAbs(cleaned):
		return "", invalid(rel, "absolute path")
	case cleaned == ".." || strings.HasPrefix(cleaned, "../"):
		return "", invalid(rel, "escapes root")
	}

	abs := filepath.Join(root, filepath.FromSlash(cleaned))
	if !within(root, abs, allowRoot) {
		return "", invalid(rel, "escapes root")
	}

	// A symlink anywhere along the existing part of the path could still
	// point outside, so compare evaluated forms as well.
	realRoot, err := evalExistingPrefix(root)
	if err != nil {
		return "", fmt.Errorf("evaluating root: %w", err)
	}

	real, err := evalExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("evaluating path: %w", err)
	}

	if !within(realRoot, real, allowRoot) {
		return "", invalid(rel, "escapes root via symlink")
	}

	return abs, nil
}

func invalid(rel, reason string) error {
	return fmt.Errorf("%w: %q: %s", nberrors.ErrInvalidPath, rel, reason)
}

func within(root, p string, allowRoot bool) bool {
	if p == root {
		return allowRoot
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// isAbs reports whether a cleaned, slash-separated path is absolute on
// any platform the client might run on.
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && p[0] < unicode.MaxASCII && unicode.IsLetter(rune(p[0]))
}

// evalExistingPrefix resolves symlinks for the longest existing prefix of
// the path and appends the components that do not exist yet. An upload
// that creates new directories is still checked against the real location
// of its nearest existing ancestor.
func evalExistingPrefix(abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}

	dir := filepath.Dir(abs)
	if dir == abs {
		return abs, nil
	}

	parentReal, err := evalExistingPrefix(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(parentReal, filepath.Base(abs)), nil
}

var filenameStripRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

var windowsDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SecureFilename reduces an uploaded filename to a flat, portable name:
// accents are decomposed and dropped, separators and whitespace become
// underscores, anything outside [A-Za-z0-9_.-] is removed and leading or
// trailing dots and underscores are trimmed. The result may be empty.
func SecureFilename(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}

	s := strings.NewReplacer("/", " ", `\`, " ").Replace(b.String())
	s = strings.Join(strings.Fields(s), "_")
	s = filenameStripRe.ReplaceAllString(s, "")
	s = strings.Trim(s, "._")

	if s == "" {
		return ""
	}

	stem, _, _ := strings.Cut(s, ".")
	if _, ok := windowsDeviceNames[strings.ToUpper(stem)]; ok {
		s = "_" + s
	}

	return s
}
