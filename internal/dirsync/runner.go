package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

// EventKind distinguishes the notifications a run emits.
type EventKind int

const (
	// EventStatus carries a human-readable status line in Message.
	EventStatus EventKind = iota
	// EventProgress carries the overall completion ratio in Progress.
	EventProgress
	// EventFile carries one completed plan item in File.
	EventFile
	// EventTargetDone carries the outcome of one target in Target.
	EventTargetDone
	// EventSummary is the final event of a run and carries Summary.
	EventSummary
)

// Event is a notification from a running backup to its consumer.
type Event struct {
	Kind     EventKind
	Message  string
	Progress float64
	File     *FileEvent
	Target   *TargetResult
	Summary  *Summary
}

// TargetResult is the outcome of backing up one tracked path.
type TargetResult struct {
	Path  string
	IsDir bool
	// RemoteDir is the remote directory a directory target synced to.
	RemoteDir string
	Uploaded  int
	Deleted   int
	Failures  []Failure
	// Err is set when the target could not be processed at all: missing
	// locally, unreadable, or the remote listing failed.
	Err error
}

// OK reports whether the target was fully backed up.
func (r TargetResult) OK() bool {
	return r.Err == nil && len(r.Failures) == 0
}

// FailureLines renders the target's problems one per line.
func (r TargetResult) FailureLines() []string {
	if r.Err != nil {
		return []string{fmt.Sprintf("%s (%v)", r.Path, r.Err)}
	}

	lines := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		p := f.Path
		if r.IsDir {
			p = path.Join(r.RemoteDir, f.Path)
		}
		lines = append(lines, Failure{Path: p, Op: f.Op, Err: f.Err}.String())
	}

	return lines
}

// Summary aggregates a whole run.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Succeeded  int
	Uploaded   int
	Deleted    int
	Failures   []string
	Targets    []TargetResult
}

// Text renders the summary the way it is shown to the user.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup complete: %d/%d targets", s.Succeeded, s.Total)
	if len(s.Failures) > 0 {
		b.WriteString("\nFailed:")
		for _, f := range s.Failures {
			b.WriteString("\n  ")
			b.WriteString(f)
		}
	}
	return b.String()
}

// Runner backs up a list of targets, one at a time, on the calling
// goroutine. Only one run may be in flight per Runner.
type Runner struct {
	exec    *Executor
	remote  Remote
	logger  *slog.Logger
	running atomic.Bool
}

// NewRunner creates a Runner.
func NewRunner(remote Remote, logger *slog.Logger) *Runner {
	return &Runner{
		exec:   NewExecutor(remote, logger),
		remote: remote,
		logger: logger,
	}
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run backs up targets in order and reports progress on events, which
// it closes before returning. Directories are mirrored with Sync; plain
// files go through the legacy single-file upload. A failing target does
// not stop the run.
//
// Run returns ErrRunInProgress if another run on this Runner has not
// finished, and ErrNameCollision if two directory targets would share a
// remote directory. In both cases nothing is transferred.
func (r *Runner) Run(ctx context.Context, targets []string, events chan<- Event) (Summary, error) {
	defer close(events)

	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, nberrors.ErrRunInProgress
	}
	defer r.running.Store(false)

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	var dirs []string
	for _, t := range targets {
		if info, err := os.Stat(t); err == nil && info.IsDir() {
			dirs = append(dirs, t)
		}
	}

	if err := CheckRemoteNames(dirs); err != nil {
		emit(Event{Kind: EventStatus, Message: err.Error()})
		return Summary{}, err
	}

	sum := Summary{StartedAt: time.Now(), Total: len(targets)}
	n := float64(len(targets))

	for i, target := range targets {
		if ctx.Err() != nil {
			break
		}

		emit(Event{Kind: EventStatus, Message: fmt.Sprintf("Backing up %s (%d/%d)", target, i+1, len(targets))})
		emit(Event{Kind: EventProgress, Progress: float64(i) / n})

		onFile := func(fe FileEvent) {
			emit(Event{Kind: EventFile, File: &fe})
			if fe.Total > 0 {
				emit(Event{Kind: EventProgress, Progress: (float64(i) + float64(fe.Done)/float64(fe.Total)) / n})
			}
		}

		res := r.backupTarget(ctx, target, onFile)

		sum.Targets = append(sum.Targets, res)
		sum.Uploaded += res.Uploaded
		sum.Deleted += res.Deleted
		if res.OK() {
			sum.Succeeded++
		} else {
			sum.Failures = append(sum.Failures, res.FailureLines()...)
		}

		emit(Event{Kind: EventTargetDone, Target: &res})
	}

	sum.FinishedAt = time.Now()

	r.logger.Info("backup run finished",
		slog.Int("targets", sum.Total),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("uploaded", sum.Uploaded),
		slog.Int("deleted", sum.Deleted),
		slog.Int("failures", len(sum.Failures)),
	)

	emit(Event{Kind: EventProgress, Progress: 1})
	emit(Event{Kind: EventSummary, Message: sum.Text(), Summary: &sum})

	return sum, ctx.Err()
}

func (r *Runner) backupTarget(ctx context.Context, target string, onFile func(FileEvent)) TargetResult {
	res := TargetResult{Path: target}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			res.Err = fmt.Errorf("%w: %s no longer exists", nberrors.ErrNotFound, target)
		} else {
			res.Err = err
		}
		r.logger.Warn("skipping target", slog.String("path", target), slog.String("error", res.Err.Error()))
		return res
	}

	if info.IsDir() {
		res.IsDir = true
		res.RemoteDir = RemoteDirName(target)

		_, applied, err := r.exec.Sync(ctx, target, onFile)
		res.Uploaded = applied.Uploaded
		res.Deleted = applied.Deleted
		res.Failures = applied.Failures
		res.Err = err

		return res
	}

	name := filepath.Base(target)

	_, err = r.remote.LegacyUpload(ctx, target)
	if err != nil {
		r.logger.Warn("upload failed", slog.String("file", target), slog.String("error", err.Error()))
		res.Failures = []Failure{{Path: name, Op: OpUpload, Err: err}}
	} else {
		res.Uploaded = 1
	}

	if onFile != nil {
		onFile(FileEvent{Op: OpUpload, Path: name, Err: err, Done: 1, Total: 1})
	}

	return res
}
