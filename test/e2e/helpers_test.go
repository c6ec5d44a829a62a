package e2e_test

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/nas-backup/internal/dirsync"
	"github.com/alexjbarnes/nas-backup/internal/server"
	"github.com/alexjbarnes/nas-backup/internal/store"
	"github.com/alexjbarnes/nas-backup/internal/transport"
)

const testAPIKey = "e2e-test-key"

// harness holds the full stack: a real gin router over a temp backup
// root, served by httptest, and the real transport client pointed at it.
type harness struct {
	URL      string
	Root     string
	Store    *store.Store
	Client   *transport.Client
	Executor *dirsync.Executor
	Logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewRouter(server.RouterConfig{
		Store:          st,
		Logger:         logger,
		MaxUploadBytes: 1 << 20,
		APIKey:         testAPIKey,
	}))
	t.Cleanup(srv.Close)

	client := transport.New(transport.Config{
		BaseURL: srv.URL + "/upload",
		APIKey:  testAPIKey,
	}, logger)

	return &harness{
		URL:      srv.URL,
		Root:     root,
		Store:    st,
		Client:   client,
		Executor: dirsync.NewExecutor(client, logger),
		Logger:   logger,
	}
}

// writeTree creates files of the given sizes under dir.
func writeTree(t *testing.T, dir string, sizes map[string]int) {
	t.Helper()
	for rel, n := range sizes {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", n)), 0o644))
	}
}

// seedRemote writes files straight into the backup root, bypassing HTTP.
func (h *harness) seedRemote(t *testing.T, dir string, sizes map[string]int) {
	t.Helper()
	writeTree(t, filepath.Join(h.Root, dir), sizes)
}
