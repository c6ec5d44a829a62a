package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/nas-backup/internal/config"
	"github.com/alexjbarnes/nas-backup/internal/logging"
	"github.com/alexjbarnes/nas-backup/internal/tracking"
	"github.com/alexjbarnes/nas-backup/internal/transport"
)

// Global persistent flags, bound in newRootCmd().
var (
	flagVerbose bool
	flagQuiet   bool
)

// cliContext carries what PersistentPreRunE resolved to the subcommands.
type cliContext struct {
	cfg    *config.Client
	logger *slog.Logger
}

type cliContextKey struct{}

func mustCLIContext(ctx context.Context) *cliContext {
	cc, ok := ctx.Value(cliContextKey{}).(*cliContext)
	if !ok {
		panic("cli context not initialized")
	}
	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nas-backup",
		Short: "Back up local files and directories to a NAS",
		Long: `Mirror tracked local directories onto a nas-backup server.

Each tracked directory is synced into a remote directory named after its
base name: new and resized files are uploaded, files gone locally are
deleted remotely. Tracked single files are uploaded to the flat folder.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, &cliContext{
				cfg:    cfg,
				logger: buildLogger(cmd, cfg),
			}))

			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only print errors and the final summary")

	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

// buildLogger writes logs to stderr so they never mix with command
// output. The CLI is quiet by default: LOG_LEVEL or --verbose raise it.
func buildLogger(cmd *cobra.Command, cfg *config.Client) *slog.Logger {
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	if flagVerbose {
		level = "debug"
	}

	return logging.NewLogger(cmd.ErrOrStderr(), cfg.Environment, level)
}

func newTransport(cc *cliContext) *transport.Client {
	return transport.New(transport.Config{
		BaseURL:          cc.cfg.BackupURL,
		APIKey:           cc.cfg.APIKey,
		ListTimeout:      cc.cfg.ListTimeout,
		UploadTimeout:    cc.cfg.UploadTimeout,
		DirUploadTimeout: cc.cfg.DirUploadTimeout,
		DeleteTimeout:    cc.cfg.DeleteTimeout,
	}, cc.logger)
}

// updateTracking loads the tracking file under its lock, applies fn and
// saves the result if fn succeeds.
func updateTracking(ctx context.Context, cc *cliContext, fn func(*tracking.List) error) error {
	unlock, err := tracking.Lock(ctx, cc.cfg.TrackingFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			cc.logger.Warn("unlocking tracking file", slog.String("error", err.Error()))
		}
	}()

	list, err := tracking.Load(cc.cfg.TrackingFile)
	if err != nil {
		return err
	}

	if err := fn(list); err != nil {
		return err
	}

	if err := list.Save(); err != nil {
		return fmt.Errorf("saving tracking file: %w", err)
	}

	return nil
}

// statusf prints informational output unless --quiet is set.
func statusf(cmd *cobra.Command, format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
