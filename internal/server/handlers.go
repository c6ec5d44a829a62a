package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/nas-backup/internal/pathsafe"
	"github.com/alexjbarnes/nas-backup/internal/store"
)

type handler struct {
	store     *store.Store
	logger    *slog.Logger
	maxUpload int64
}

func (h *handler) tooLarge(c *gin.Context) {
	abortWithError(c, http.StatusRequestEntityTooLarge, codeTooLarge,
		fmt.Errorf("File too large. Maximum size is %s", humanize.IBytes(uint64(h.maxUpload))))
}

// upload handles POST /upload. With a relative_path form field the file
// lands at that path under the root; without one it is stored flat under
// a sanitized version of its own name.
func (h *handler) upload(c *gin.Context) {
	if h.maxUpload > 0 {
		if c.Request.ContentLength > h.maxUpload {
			h.tooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.tooLarge(c)
			return
		}
		abortWithError(c, http.StatusBadRequest, codeBadRequest, errors.New("No file part in request"))
		return
	}

	if fh.Filename == "" {
		abortWithError(c, http.StatusBadRequest, codeBadRequest, errors.New("No file selected"))
		return
	}

	fd, err := fh.Open()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeBadRequest, fmt.Errorf("invalid file: %w", err))
		return
	}
	defer fd.Close()

	var (
		name string
		size int64
	)

	if rel, ok := c.GetPostForm("relative_path"); ok {
		name = pathsafe.Clean(rel)
		size, err = h.store.Save(rel, fd)
	} else {
		name, size, err = h.store.SaveFlat(fh.Filename, fd)
	}

	if err != nil {
		h.logger.Error("saving upload", slog.String("file", fh.Filename), slog.Any("error", err))
		abortWithStoreError(c, err)
		return
	}

	h.logger.Info("file uploaded", slog.String("path", name), slog.Int64("size", size))

	c.PureJSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "File uploaded successfully",
		"filename":  name,
		"size":      size,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// dirFiles handles GET /dir_files?dir=. An omitted dir lists the root.
func (h *handler) dirFiles(c *gin.Context) {
	dir := c.Query("dir")

	files, err := h.store.ListRecursive(dir)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	c.PureJSON(http.StatusOK, gin.H{
		"success": true,
		"dir":     dir,
		"files":   files,
		"count":   len(files),
	})
}

// deleteFile handles DELETE /file?path=.
func (h *handler) deleteFile(c *gin.Context) {
	p := c.Query("path")

	if err := h.store.DeleteOne(p); err != nil {
		abortWithStoreError(c, err)
		return
	}

	h.logger.Info("file deleted", slog.String("path", p))

	c.PureJSON(http.StatusOK, gin.H{
		"success": true,
		"path":    p,
	})
}

func (h *handler) health(c *gin.Context) {
	st := h.store.Health()

	c.PureJSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"timestamp":     time.Now().Format(time.RFC3339),
		"upload_folder": st.Root,
		"folder_exists": st.RootExists,
		"max_file_size": h.maxUpload,
	})
}

func (h *handler) listFlat(c *gin.Context) {
	files, err := h.store.ListFlat()
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	c.PureJSON(http.StatusOK, gin.H{
		"success":       true,
		"files":         files,
		"count":         len(files),
		"upload_folder": h.store.Root(),
	})
}

func (h *handler) deleteFlat(c *gin.Context) {
	name, err := h.store.DeleteFlat(c.Param("name"))
	if err != nil {
		var se *store.Error
		if errors.As(err, &se) && se.Code == store.ErrCodeFileNotFound {
			abortWithError(c, http.StatusNotFound, se.Code, errors.New("File not found"))
			return
		}
		abortWithStoreError(c, err)
		return
	}

	h.logger.Info("file deleted", slog.String("filename", name))

	c.PureJSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "File deleted successfully",
		"filename": name,
	})
}

func (h *handler) cleanup(c *gin.Context) {
	n, err := h.store.Cleanup()
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	h.logger.Info("cleaned up files", slog.Int("deleted", n))

	c.PureJSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("Deleted %d files", n),
		"files_deleted": n,
	})
}

type endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (h *handler) index(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{
		"service": "nas-backup",
		"endpoints": map[string]endpoint{
			"upload":      {http.MethodPost, "/upload", "Upload a file, optionally to relative_path"},
			"dir_files":   {http.MethodGet, "/dir_files", "List a directory recursively"},
			"delete_path": {http.MethodDelete, "/file", "Delete one file by relative path"},
			"list_files":  {http.MethodGet, "/files", "List flat uploaded files"},
			"delete_file": {http.MethodDelete, "/files/<filename>", "Delete a flat uploaded file"},
			"cleanup":     {http.MethodDelete, "/cleanup", "Delete all flat uploaded files"},
			"health":      {http.MethodGet, "/health", "Health check"},
		},
		"config": gin.H{
			"upload_folder": h.store.Root(),
			"max_file_size": humanize.IBytes(uint64(h.maxUpload)),
		},
	})
}
