package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/nas-backup/internal/config"
	"github.com/alexjbarnes/nas-backup/internal/logging"
	"github.com/alexjbarnes/nas-backup/internal/server"
	"github.com/alexjbarnes/nas-backup/internal/store"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Handle hash-api-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-api-key" {
		if err := hashAPIKey(os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashAPIKey reads a key from in and prints its bcrypt hash for use as
// API_KEY_HASH.
func hashAPIKey(in io.Reader, out, prompt io.Writer) error {
	fmt.Fprint(prompt, "Enter API key: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		return errors.New("empty API key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	fmt.Fprintln(out, string(hash))

	return nil
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(os.Stdout, cfg.Environment, cfg.LogLevel)
	logger.Info("nas-backup-server starting",
		slog.String("version", Version),
		slog.String("backup_root", cfg.BackupRoot),
		slog.String("max_upload", humanize.IBytes(uint64(cfg.MaxUploadBytes))),
		slog.Bool("auth", cfg.EnableAPIAuth),
	)

	st, err := store.New(cfg.BackupRoot)
	if err != nil {
		return fmt.Errorf("opening backup root: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, st, logger)
}

func serve(ctx context.Context, cfg *config.Server, st *store.Store, logger *slog.Logger) error {
	rc := server.RouterConfig{
		Store:          st,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if cfg.EnableAPIAuth {
		rc.APIKey = cfg.APIKey
		rc.APIKeyHash = cfg.APIKeyHash
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(rc),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
