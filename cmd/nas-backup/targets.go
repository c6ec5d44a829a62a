package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/nas-backup/internal/dirsync"
	"github.com/alexjbarnes/nas-backup/internal/tracking"
)

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add PATH...",
		Short: "Track files or directories for backup",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			return updateTracking(cmd.Context(), cc, func(list *tracking.List) error {
				for _, arg := range args {
					if _, err := os.Stat(arg); err != nil {
						return fmt.Errorf("adding %s: %w", arg, err)
					}

					p, err := list.Add(arg)
					if err != nil {
						return err
					}

					statusf(cmd, "Added: %s\n", p)
				}

				return nil
			})
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove PATH...",
		Aliases: []string{"rm"},
		Short:   "Stop tracking files or directories",
		Long: `Stop tracking files or directories.

Files already on the server are left there.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			return updateTracking(cmd.Context(), cc, func(list *tracking.List) error {
				for _, arg := range args {
					p, err := list.Remove(arg)
					if err != nil {
						return err
					}

					statusf(cmd, "Removed: %s\n", p)
				}

				return nil
			})
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Stop tracking everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return updateTracking(cmd.Context(), cc, func(list *tracking.List) error {
				n := len(list.Targets())
				if n == 0 {
					statusf(cmd, "Nothing to clear\n")
					return nil
				}

				if !yes {
					return fmt.Errorf("refusing to clear %d tracked paths without --yes", n)
				}

				list.Clear()
				statusf(cmd, "Cleared %d tracked paths\n", n)

				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing the list")

	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show tracked paths and when they were last backed up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			list, err := tracking.Load(cc.cfg.TrackingFile)
			if err != nil {
				return err
			}

			targets := list.Targets()
			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No paths tracked. Add one with 'nas-backup add PATH'.")
				return nil
			}

			now := time.Now()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tTYPE\tREMOTE\tLAST BACKUP\tSTATUS")

			for _, t := range targets {
				kind, remote, status := describeTarget(t.Path)
				if status == "ok" && t.LastBackup == nil {
					status = "ready"
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					t.Path, kind, remote, tracking.FormatLastBackup(t.LastBackup, now), status)
			}

			return tw.Flush()
		},
	}
}

// describeTarget reports the kind of a tracked path, where it lands
// remotely and whether it still exists locally.
func describeTarget(p string) (kind, remote, status string) {
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "-", "-", "missing"
	case err != nil:
		return "-", "-", "unreadable"
	case info.IsDir():
		return "dir", dirsync.RemoteDirName(p) + "/", "ok"
	default:
		return "file", "(flat)", "ok"
	}
}
