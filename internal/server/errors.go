package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/nas-backup/internal/store"
)

const (
	codeBadRequest    = "BAD_REQUEST"
	codeTooLarge      = "FILE_TOO_LARGE"
	codeUnauthorized  = "UNAUTHORIZED"
	codeInternalError = "INTERNAL_ERROR"
)

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, errorResponse{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

// abortWithStoreError maps a store failure onto a status and code.
// Anything that is not a *store.Error is an internal failure.
func abortWithStoreError(c *gin.Context, err error) {
	var se *store.Error
	if !errors.As(err, &se) {
		abortWithError(c, http.StatusInternalServerError, codeInternalError, err)
		return
	}

	status := http.StatusBadRequest
	if se.Code == store.ErrCodeFileNotFound {
		status = http.StatusNotFound
	}

	abortWithError(c, status, se.Code, se)
}
