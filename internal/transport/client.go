// Package transport is the client side of the backup HTTP protocol:
// recursive listing, per-file upload and delete inside a remote directory,
// and the legacy flat single-file upload.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

const (
	uploadPath   = "/upload"
	dirFilesPath = "/dir_files"
	filePath     = "/file"
	healthPath   = "/health"

	// APIKeyHeader carries the shared key when the server has auth enabled.
	APIKeyHeader = "X-API-Key"

	// maxRedirects matches the net/http default.
	maxRedirects = 10
)

// Config is the explicit configuration for a Client.
type Config struct {
	// BaseURL is the server root, optionally ending in /upload.
	BaseURL string
	APIKey  string

	ListTimeout      time.Duration
	UploadTimeout    time.Duration
	DirUploadTimeout time.Duration
	DeleteTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListTimeout <= 0 {
		c.ListTimeout = 30 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	if c.DirUploadTimeout <= 0 {
		c.DirUploadTimeout = 60 * time.Second
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = 30 * time.Second
	}
	return c
}

// Client talks to a nas-backup server.
type Client struct {
	http   *req.Client
	root   string
	cfg    Config
	logger *slog.Logger
}

// RootURL normalizes a configured endpoint to the server root. The
// endpoint may be the bare root or the upload URL, with or without a
// trailing slash.
func RootURL(endpoint string) string {
	u := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u = strings.TrimSuffix(u, uploadPath)
	return strings.TrimRight(u, "/")
}

// New creates a Client. Zero timeouts fall back to the protocol defaults.
// Requests are never retried; the next sync run's diff picks up whatever
// a failed request left undone.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	root := RootURL(cfg.BaseURL)

	hc := req.C().
		SetBaseURL(root).
		SetUserAgent("nas-backup").
		SetLogger(nil).
		SetRedirectPolicy(req.MaxRedirectPolicy(maxRedirects), req.SameHostRedirectPolicy())

	if cfg.APIKey != "" {
		hc.SetCommonHeader(APIKeyHeader, cfg.APIKey)
	}

	return &Client{
		http:   hc,
		root:   root,
		cfg:    cfg,
		logger: logger,
	}
}

// Root returns the normalized server root URL.
func (c *Client) Root() string {
	return c.root
}

type dirFilesResponse struct {
	Success bool   `json:"success"`
	Dir     string `json:"dir"`
	Files   []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	} `json:"files"`
	Count int `json:"count"`
}

// List returns every file under the remote directory dir, keyed by its
// '/'-separated path relative to dir. A directory the server has never
// seen lists as empty.
func (c *Client) List(ctx context.Context, dir string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	op := "list " + dir

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("dir", dir).
		Get(dirFilesPath)
	if err := checkResponse(op, resp, err); err != nil {
		return nil, err
	}

	var out dirFilesResponse
	if err := resp.Unmarshal(&out); err != nil || !out.Success {
		return nil, malformed(op, resp)
	}

	files := make(map[string]int64, len(out.Files))
	for _, f := range out.Files {
		files[f.Path] = f.Size
	}

	c.logger.Debug("listed remote directory", slog.String("dir", dir), slog.Int("files", len(files)))

	return files, nil
}

// Upload sends localDir/rel to the remote path dir/rel, replacing any
// existing file there.
func (c *Client) Upload(ctx context.Context, localDir, rel, dir string) error {
	local := filepath.Join(localDir, filepath.FromSlash(rel))
	remote := path.Join(dir, rel)

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("opening %s: %w", local, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DirUploadTimeout)
	defer cancel()

	op := "upload " + remote

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", path.Base(rel), f).
		SetFormData(map[string]string{"relative_path": remote}).
		Post(uploadPath)
	if err := checkResponse(op, resp, err); err != nil {
		return err
	}

	if !gjson.GetBytes(resp.Bytes(), "success").Bool() {
		return malformed(op, resp)
	}

	c.logger.Debug("uploaded file", slog.String("path", remote))

	return nil
}

// Delete removes the remote file dir/rel. A file that is already gone
// yields an error matching ErrNotFound, which sync callers treat as done.
func (c *Client) Delete(ctx context.Context, dir, rel string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeleteTimeout)
	defer cancel()

	remote := path.Join(dir, rel)
	op := "delete " + remote

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", remote).
		Delete(filePath)
	if err := checkResponse(op, resp, err); err != nil {
		return err
	}

	c.logger.Debug("deleted remote file", slog.String("path", remote))

	return nil
}

// UploadResult describes a completed legacy upload.
type UploadResult struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// LegacyUpload sends a single file without a relative path. The server
// stores it flat under its root using a sanitized form of the basename.
func (c *Client) LegacyUpload(ctx context.Context, localFile string) (*UploadResult, error) {
	f, err := os.Open(localFile)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localFile, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	op := "upload " + filepath.Base(localFile)

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filepath.Base(localFile), f).
		Post(uploadPath)
	if err := checkResponse(op, resp, err); err != nil {
		return nil, err
	}

	var out UploadResult
	if err := resp.Unmarshal(&out); err != nil || !gjson.GetBytes(resp.Bytes(), "success").Bool() {
		return nil, malformed(op, resp)
	}

	c.logger.Debug("uploaded single file", slog.String("file", localFile), slog.String("stored_as", out.Filename))

	return &out, nil
}

// HealthStatus is the server's /health answer.
type HealthStatus struct {
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	UploadFolder string `json:"upload_folder"`
	FolderExists bool   `json:"folder_exists"`
	MaxFileSize  int64  `json:"max_file_size"`
}

// Health queries the server's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	var out HealthStatus

	resp, err := c.http.R().
		SetContext(ctx).
		Get(healthPath)
	if err := checkResponse("health", resp, err); err != nil {
		return nil, err
	}

	if err := resp.Unmarshal(&out); err != nil || out.Status == "" {
		return nil, malformed("health", resp)
	}

	return &out, nil
}

// checkResponse converts a transport failure or non-2xx response into an
// *Error. Error bodies are read leniently: a server that answers with
// plain text still produces a useful message.
func checkResponse(op string, resp *req.Response, err error) error {
	if err != nil {
		if resp != nil && resp.Response != nil && !resp.IsSuccessState() {
			return statusError(op, resp)
		}
		return &Error{Op: op, Err: err}
	}

	if !resp.IsSuccessState() {
		return statusError(op, resp)
	}

	return nil
}

func statusError(op string, resp *req.Response) error {
	body := resp.Bytes()

	e := &Error{Op: op, Status: resp.GetStatusCode()}

	if gjson.ValidBytes(body) {
		e.Code = gjson.GetBytes(body, "code").String()
		e.Message = gjson.GetBytes(body, "error").String()
	} else {
		e.Message = strings.TrimSpace(string(body))
	}

	if e.Message == "" {
		e.Message = http.StatusText(e.Status)
	}

	return e
}

func malformed(op string, resp *req.Response) error {
	msg := strings.TrimSpace(string(resp.Bytes()))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &Error{Op: op, Status: resp.GetStatusCode(), Message: msg, malformed: true}
}
