package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/alexjbarnes/nas-backup/internal/state"
	"github.com/alexjbarnes/nas-backup/internal/tracking"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, server health and the last run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			out := cmd.OutOrStdout()

			list, err := tracking.Load(cc.cfg.TrackingFile)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Tracking file: %s (%d paths)\n", cc.cfg.TrackingFile, len(list.Targets()))

			if cc.cfg.BackupURL == "" {
				fmt.Fprintln(out, "Server:        not configured (set BACKUP_URL)")
			} else {
				client := newTransport(cc)
				fmt.Fprintf(out, "Server:        %s\n", client.Root())

				health, err := client.Health(cmd.Context())
				if err != nil {
					fmt.Fprintf(out, "Health:        unreachable: %v\n", err)
				} else {
					fmt.Fprintf(out, "Health:        %s (folder exists: %t, max upload %s)\n",
						health.Status, health.FolderExists, humanize.IBytes(uint64(max(health.MaxFileSize, 0))))
				}
			}

			last, err := lastRun(cc)
			if err != nil {
				return err
			}
			if last == nil {
				fmt.Fprintln(out, "Last run:      never")
				return nil
			}

			fmt.Fprintf(out, "Last run:      %s, %s\n", humanize.Time(last.StartedAt), runOutcome(*last))

			return nil
		},
	}
}

func lastRun(cc *cliContext) (*state.RunRecord, error) {
	dbPath, err := cc.cfg.StateDBPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil
	}

	st, err := state.LoadAt(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return st.LastRun()
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent backup runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			out := cmd.OutOrStdout()

			dbPath, err := cc.cfg.StateDBPath()
			if err != nil {
				return err
			}

			st, err := state.LoadAt(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.RecentRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded yet.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tDURATION\tRESULT\tUPLOADED\tDELETED")

			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Duration().Round(time.Millisecond),
					runOutcome(r),
					r.Uploaded,
					r.Deleted,
				)
			}

			if err := tw.Flush(); err != nil {
				return err
			}

			if flagVerbose {
				for _, r := range runs {
					for _, f := range r.Failures {
						fmt.Fprintf(out, "%s  %s\n", shortID(r.ID), f)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show, 0 for all")

	return cmd
}

func runOutcome(r state.RunRecord) string {
	switch {
	case r.Interrupted:
		return fmt.Sprintf("interrupted %d/%d", r.Succeeded, r.Targets)
	case r.OK():
		return fmt.Sprintf("ok %d/%d", r.Succeeded, r.Targets)
	default:
		return fmt.Sprintf("failed %d/%d", r.Succeeded, r.Targets)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
