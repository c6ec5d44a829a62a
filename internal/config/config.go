package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Client holds environment-based configuration for the nas-backup CLI.
type Client struct {
	// Remote endpoint. Either the bare root (http://nas:8888) or the
	// upload URL (http://nas:8888/upload); both normalize to the root.
	BackupURL string `env:"BACKUP_URL"`

	// Sent as X-API-Key when the server has API auth enabled.
	APIKey string `env:"BACKUP_API_KEY"`

	// JSON list of tracked files and directories.
	TrackingFile string `env:"TRACKING_FILE" envDefault:"file_list.json"`

	// Run history database. Empty means ~/.nas-backup/state.db.
	StateDB string `env:"STATE_DB"`

	ListTimeout      time.Duration `env:"LIST_TIMEOUT" envDefault:"30s"`
	UploadTimeout    time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"30s"`
	DirUploadTimeout time.Duration `env:"DIR_UPLOAD_TIMEOUT" envDefault:"60s"`
	DeleteTimeout    time.Duration `env:"DELETE_TIMEOUT" envDefault:"30s"`

	// Quiet period after the last filesystem event before watch mode reruns.
	WatchDebounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// Server holds environment-based configuration for nas-backup-server.
type Server struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8888"`

	// Every remote path resolves inside this directory.
	BackupRoot string `env:"BACKUP_ROOT" envDefault:"./backup"`

	// Human-readable size, e.g. "16MiB" or "100 MB".
	MaxUploadSize string `env:"MAX_UPLOAD_SIZE" envDefault:"16MiB"`

	// API key auth. When enabled, exactly one of APIKey or APIKeyHash
	// (bcrypt, see `nas-backup-server hash-api-key`) must be set.
	EnableAPIAuth bool   `env:"ENABLE_API_AUTH" envDefault:"false"`
	APIKey        string `env:"API_KEY"`
	APIKeyHash    string `env:"API_KEY_HASH"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Parsed from MaxUploadSize during Load.
	MaxUploadBytes int64 `env:"-"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadClient reads client configuration from environment variables,
// loading a .env file first if present.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absFile, err := filepath.Abs(cfg.TrackingFile)
	if err != nil {
		return nil, fmt.Errorf("resolving tracking file to absolute path: %w", err)
	}

	cfg.TrackingFile = absFile

	return cfg, nil
}

func (c *Client) validate() error {
	if c.TrackingFile == "" {
		return fmt.Errorf("TRACKING_FILE must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"LIST_TIMEOUT":       c.ListTimeout,
		"UPLOAD_TIMEOUT":     c.UploadTimeout,
		"DIR_UPLOAD_TIMEOUT": c.DirUploadTimeout,
		"DELETE_TIMEOUT":     c.DeleteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.WatchDebounce < 0 {
		return fmt.Errorf("WATCH_DEBOUNCE must not be negative, got %s", c.WatchDebounce)
	}

	if c.BackupURL != "" {
		u, err := url.Parse(c.BackupURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("BACKUP_URL must be an http(s) URL, got %q", c.BackupURL)
		}
	}

	return nil
}

// RequireBackupURL reports an error when no remote endpoint is configured.
// Commands that only edit the tracking list do not need one.
func (c *Client) RequireBackupURL() error {
	if c.BackupURL == "" {
		return fmt.Errorf("BACKUP_URL is required")
	}

	return nil
}

// StateDBPath returns the configured run history path, or
// ~/.nas-backup/state.db when none is set.
func (c *Client) StateDBPath() (string, error) {
	if c.StateDB != "" {
		return filepath.Abs(c.StateDB)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".nas-backup", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Client) IsProduction() bool {
	return c.Environment == "production"
}

// LoadServer reads server configuration from environment variables,
// loading a .env file first if present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The path resolver compares against the root by prefix, which only
	// works with an absolute root.
	absRoot, err := filepath.Abs(cfg.BackupRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving backup root to absolute path: %w", err)
	}

	cfg.BackupRoot = absRoot

	return cfg, nil
}

func (c *Server) validate() error {
	if strings.TrimSpace(c.BackupRoot) == "" {
		return fmt.Errorf("BACKUP_ROOT must not be empty")
	}

	size, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("parsing MAX_UPLOAD_SIZE %q: %w", c.MaxUploadSize, err)
	}

	if size == 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be greater than zero")
	}

	c.MaxUploadBytes = int64(size)

	if c.EnableAPIAuth {
		if c.APIKey == "" && c.APIKeyHash == "" {
			return fmt.Errorf("API_KEY or API_KEY_HASH is required when ENABLE_API_AUTH is true")
		}

		if c.APIKey != "" && c.APIKeyHash != "" {
			return fmt.Errorf("set only one of API_KEY or API_KEY_HASH")
		}

		if c.APIKeyHash != "" && !strings.HasPrefix(c.APIKeyHash, "$2") {
			return fmt.Errorf("API_KEY_HASH must be a bcrypt hash")
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Server) IsProduction() bool {
	return c.Environment == "production"
}
