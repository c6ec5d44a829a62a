// Package dirsync mirrors local directories onto a remote store: scan the
// local tree, list the remote one, diff the two by size and apply the
// resulting uploads and deletes.
package dirsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
	"github.com/alexjbarnes/nas-backup/internal/transport"
)

//go:generate mockgen -source=executor.go -destination=remote_mock_test.go -package=dirsync

// Remote is the subset of the transport client the sync engine drives.
// Extracted for testability.
type Remote interface {
	List(ctx context.Context, dir string) (map[string]int64, error)
	Upload(ctx context.Context, localDir, rel, dir string) error
	Delete(ctx context.Context, dir, rel string) error
	LegacyUpload(ctx context.Context, localFile string) (*transport.UploadResult, error)
}

// Op identifies the kind of transfer a failure or file event refers to.
type Op string

const (
	OpUpload Op = "upload"
	OpDelete Op = "delete"
)

// Failure records one item that could not be transferred.
type Failure struct {
	Path string
	Op   Op
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s (%s failed: %v)", f.Path, f.Op, f.Err)
}

// Result is the outcome of applying a plan.
type Result struct {
	Uploaded int
	Deleted  int
	Failures []Failure
}

// OK reports whether every item in the plan was applied.
func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// FileEvent reports completion of a single plan item. Done counts items
// processed so far, including this one, out of Total.
type FileEvent struct {
	Op    Op
	Path  string
	Err   error
	Done  int
	Total int
}

// Executor applies sync plans against a Remote.
type Executor struct {
	remote Remote
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(remote Remote, logger *slog.Logger) *Executor {
	return &Executor{remote: remote, logger: logger}
}

// RemoteDirName is the directory under the remote root that localDir
// mirrors into: its final path component.
func RemoteDirName(localDir string) string {
	return filepath.Base(filepath.Clean(localDir))
}

// Apply uploads then deletes the items in plan. An item that fails is
// recorded and the rest of the plan still runs. A delete that finds the
// remote file already gone counts as done. If ctx is cancelled Apply
// stops and returns what it managed so far along with ctx.Err().
// onFile, if non-nil, is called after every item.
func (e *Executor) Apply(ctx context.Context, localDir, remoteDir string, plan Plan, onFile func(FileEvent)) (Result, error) {
	var res Result

	total := len(plan.Upload) + len(plan.Delete)
	done := 0

	report := func(op Op, path string, err error) {
		done++
		if onFile != nil {
			onFile(FileEvent{Op: op, Path: path, Err: err, Done: done, Total: total})
		}
	}

	for _, rel := range plan.Upload {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := e.remote.Upload(ctx, localDir, rel, remoteDir)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			e.logger.Warn("upload failed",
				slog.String("dir", remoteDir),
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			res.Failures = append(res.Failures, Failure{Path: rel, Op: OpUpload, Err: err})
		} else {
			res.Uploaded++
		}

		report(OpUpload, rel, err)
	}

	for _, rel := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := e.remote.Delete(ctx, remoteDir, rel)
		if errors.Is(err, nberrors.ErrNotFound) {
			e.logger.Debug("remote file already gone", slog.String("dir", remoteDir), slog.String("path", rel))
			err = nil
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			e.logger.Warn("delete failed",
				slog.String("dir", remoteDir),
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			res.Failures = append(res.Failures, Failure{Path: rel, Op: OpDelete, Err: err})
		} else {
			res.Deleted++
		}

		report(OpDelete, rel, err)
	}

	return res, nil
}

// Sync mirrors localDir onto its remote directory: scan, list, plan and
// apply. A scan or list failure aborts before any transfer. The returned
// Plan is what was attempted.
func (e *Executor) Sync(ctx context.Context, localDir string, onFile func(FileEvent)) (Plan, Result, error) {
	remoteDir := RemoteDirName(localDir)

	local, err := Scan(localDir, e.logger)
	if err != nil {
		return Plan{}, Result{}, err
	}

	remote, err := e.remote.List(ctx, remoteDir)
	if err != nil {
		return Plan{}, Result{}, fmt.Errorf("listing remote directory %s: %w", remoteDir, err)
	}

	plan := ComputePlan(local, remote)

	e.logger.Info("sync plan computed",
		slog.String("local", localDir),
		slog.String("remote", remoteDir),
		slog.Int("local_files", len(local)),
		slog.Int("remote_files", len(remote)),
		slog.Int("upload", len(plan.Upload)),
		slog.Int("delete", len(plan.Delete)),
	)

	res, err := e.Apply(ctx, localDir, remoteDir, plan, onFile)

	return plan, res, err
}

// CheckRemoteNames verifies that no two directories map to the same
// remote directory name, and that each has a usable name at all.
func CheckRemoteNames(dirs []string) error {
	seen := make(map[string]string, len(dirs))

	for _, dir := range dirs {
		name := RemoteDirName(dir)
		if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
			return fmt.Errorf("%w: %s has no usable remote directory name", nberrors.ErrInvalidPath, dir)
		}

		if prev, ok := seen[name]; ok && filepath.Clean(prev) != filepath.Clean(dir) {
			return fmt.Errorf("%w: %s and %s both sync to remote directory %q",
				nberrors.ErrNameCollision, prev, dir, name)
		}

		seen[name] = dir
	}

	return nil
}
