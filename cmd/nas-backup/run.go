package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/nas-backup/internal/dirsync"
	"github.com/alexjbarnes/nas-backup/internal/state"
	"github.com/alexjbarnes/nas-backup/internal/tracking"
)

// eventBuffer bounds the runner's event channel. A slow terminal only
// slows the run down; it never drops events.
const eventBuffer = 64

// historyKeep is how many runs the history database retains.
const historyKeep = 500

var errIncomplete = errors.New("backup incomplete")

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Back up every tracked path once",
		Long: `Back up every tracked path once.

Directories are mirrored onto the server; single files are uploaded to
the flat folder. A path that fails is reported and the rest still run.
The exit status is non-zero if anything failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if err := cc.cfg.RequireBackupURL(); err != nil {
				return err
			}

			b := newBackup(cc, cmd.OutOrStdout())
			return b.run(cmd.Context())
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Back up now, then again whenever a tracked directory changes",
		Long: `Back up every tracked path, then watch tracked directories and run
another backup once they have been quiet for WATCH_DEBOUNCE.

Runs never overlap. Paths added or removed while watching take effect
on the next run, but new directories are only watched after a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if err := cc.cfg.RequireBackupURL(); err != nil {
				return err
			}

			ctx := cmd.Context()
			b := newBackup(cc, cmd.OutOrStdout())

			if err := b.run(ctx); err != nil && !errors.Is(err, errIncomplete) {
				return err
			}

			list, err := tracking.Load(cc.cfg.TrackingFile)
			if err != nil {
				return err
			}

			var dirs []string
			for _, p := range list.Paths() {
				if info, err := os.Stat(p); err == nil && info.IsDir() {
					dirs = append(dirs, p)
				}
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no tracked directories to watch")
			}

			w := dirsync.NewWatcher(dirs, cc.cfg.WatchDebounce, cc.logger)
			err = w.Watch(ctx, func(ctx context.Context) {
				if err := b.run(ctx); err != nil && !errors.Is(err, errIncomplete) && ctx.Err() == nil {
					cc.logger.Error("backup run failed", slog.String("error", err.Error()))
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

// backup performs one run: the runner works on its own goroutine and
// this side is the single consumer of its events, and so the only
// writer of the tracking file and run history.
type backup struct {
	cc     *cliContext
	out    io.Writer
	runner *dirsync.Runner
}

func newBackup(cc *cliContext, out io.Writer) *backup {
	return &backup{
		cc:     cc,
		out:    out,
		runner: dirsync.NewRunner(newTransport(cc), cc.logger),
	}
}

func (b *backup) printf(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(b.out, format, args...)
}

func (b *backup) run(ctx context.Context) error {
	unlock, err := tracking.Lock(ctx, b.cc.cfg.TrackingFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			b.cc.logger.Warn("unlocking tracking file", slog.String("error", err.Error()))
		}
	}()

	list, err := tracking.Load(b.cc.cfg.TrackingFile)
	if err != nil {
		return err
	}

	paths := list.Paths()
	if len(paths) == 0 {
		fmt.Fprintln(b.out, "No paths tracked. Add one with 'nas-backup add PATH'.")
		return nil
	}

	events := make(chan dirsync.Event, eventBuffer)

	var sum dirsync.Summary

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		sum, err = b.runner.Run(gctx, paths, events)
		return err
	})

	g.Go(func() error {
		for ev := range events {
			b.handle(list, ev)
		}
		return nil
	})

	runErr := g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if err := list.Save(); err != nil {
		return fmt.Errorf("saving tracking file: %w", err)
	}

	b.recordRun(sum, runErr != nil)

	fmt.Fprintln(b.out, sum.Text())
	b.printf("%d uploaded, %d deleted in %s\n",
		sum.Uploaded, sum.Deleted, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))

	if runErr != nil {
		return runErr
	}
	if sum.Succeeded < sum.Total {
		return fmt.Errorf("%w: %d of %d targets failed", errIncomplete, sum.Total-sum.Succeeded, sum.Total)
	}

	return nil
}

func (b *backup) handle(list *tracking.List, ev dirsync.Event) {
	switch ev.Kind {
	case dirsync.EventStatus:
		b.printf("%s\n", ev.Message)

	case dirsync.EventProgress:
		b.cc.logger.Debug("progress", slog.Float64("ratio", ev.Progress))

	case dirsync.EventFile:
		fe := ev.File
		if fe.Err != nil {
			fmt.Fprintf(b.out, "  failed %s %s: %v\n", fe.Op, fe.Path, fe.Err)
			return
		}
		if flagVerbose {
			b.printf("  %s %s (%d/%d)\n", fe.Op, fe.Path, fe.Done, fe.Total)
		}

	case dirsync.EventTargetDone:
		t := ev.Target
		if !t.OK() {
			if t.Err != nil {
				fmt.Fprintf(b.out, "  failed: %v\n", t.Err)
			}
			return
		}

		if err := list.MarkBackedUp(t.Path, time.Now()); err != nil {
			b.cc.logger.Warn("recording backup time", slog.String("path", t.Path), slog.String("error", err.Error()))
		}
		b.printf("  done: %d uploaded, %d deleted\n", t.Uploaded, t.Deleted)

	case dirsync.EventSummary:
		// Printed once the run has fully stopped.
	}
}

// recordRun appends the run to the history database. History is a
// convenience, so failures are logged rather than returned. The
// database is opened per run so `history` works while `watch` runs.
func (b *backup) recordRun(sum dirsync.Summary, interrupted bool) {
	dbPath, err := b.cc.cfg.StateDBPath()
	if err != nil {
		b.cc.logger.Warn("locating run history", slog.String("error", err.Error()))
		return
	}

	st, err := state.LoadAt(dbPath)
	if err != nil {
		b.cc.logger.Warn("opening run history", slog.String("error", err.Error()))
		return
	}
	defer st.Close()

	rec, err := st.SaveRun(state.RunRecord{
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		Targets:     sum.Total,
		Succeeded:   sum.Succeeded,
		Uploaded:    sum.Uploaded,
		Deleted:     sum.Deleted,
		Failures:    sum.Failures,
		Interrupted: interrupted,
	})
	if err != nil {
		b.cc.logger.Warn("saving run history", slog.String("error", err.Error()))
		return
	}

	if _, err := st.PruneRuns(historyKeep); err != nil {
		b.cc.logger.Warn("pruning run history", slog.String("error", err.Error()))
	}

	b.cc.logger.Debug("run recorded", slog.String("id", rec.ID))
}
