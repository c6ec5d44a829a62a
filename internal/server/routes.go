// Package server exposes a store.Store over HTTP for nas-backup clients.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/alexjbarnes/nas-backup/internal/store"
)

// RouterConfig holds dependencies for building the HTTP handler.
type RouterConfig struct {
	Store  *store.Store
	Logger *slog.Logger

	// MaxUploadBytes caps the size of an upload request body.
	MaxUploadBytes int64

	// APIKey and APIKeyHash enable X-API-Key authentication on every
	// route except /health. At most one should be set.
	APIKey     string
	APIKeyHash string
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the HTTP handler: directory sync endpoints, the legacy
// flat-folder endpoints and the health check.
func NewRouter(cfg RouterConfig) http.Handler {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20 // 8 MiB, larger parts spill to disk
	r.HandleMethodNotAllowed = true

	r.Use(slogGin.NewWithConfig(cfg.Logger.WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	h := &handler{
		store:     cfg.Store,
		logger:    cfg.Logger,
		maxUpload: cfg.MaxUploadBytes,
	}

	r.GET("/health", h.health)

	api := r.Group("/")
	if cfg.APIKey != "" || cfg.APIKeyHash != "" {
		api.Use(apiKeyAuth(cfg.APIKey, cfg.APIKeyHash, cfg.Logger))
	}
	{
		api.GET("/", h.index)

		// directory sync
		api.POST("/upload", h.upload)
		api.GET("/dir_files", h.dirFiles)
		api.DELETE("/file", h.deleteFile)

		// legacy flat folder
		api.GET("/files", h.listFlat)
		api.DELETE("/files/:name", h.deleteFlat)
		api.DELETE("/cleanup", h.cleanup)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Endpoint not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.PureJSON(http.StatusMethodNotAllowed, gin.H{
			"success": false,
			"error":   "Method not allowed",
		})
	})

	return r.Handler()
}
