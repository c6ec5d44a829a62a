package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader is the request header carrying the shared key.
const APIKeyHeader = "X-API-Key"

// apiKeyAuth rejects requests whose X-API-Key does not match. Exactly one
// of plain or hash is expected; hash is a bcrypt digest. Keys are compared
// as SHA-256 digests so the comparison is constant time regardless of
// length.
func apiKeyAuth(plain, hash string, logger *slog.Logger) gin.HandlerFunc {
	v := &keyVerifier{hash: []byte(hash)}
	if plain != "" {
		d := sha256.Sum256([]byte(plain))
		v.accepted = &d
	}

	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" || !v.verify(key) {
			logger.Warn("rejected request with invalid API key",
				slog.String("path", c.Request.URL.Path),
				slog.String("remote", c.ClientIP()),
			)
			abortWithError(c, http.StatusUnauthorized, codeUnauthorized, errors.New("invalid or missing API key"))
			return
		}

		c.Next()
	}
}

// keyVerifier remembers the digest of the last key that passed bcrypt so
// a client sending the same key does not pay the bcrypt cost per request.
type keyVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted *[sha256.Size]byte
}

func (v *keyVerifier) verify(key string) bool {
	d := sha256.Sum256([]byte(key))

	v.mu.Lock()
	accepted := v.accepted
	v.mu.Unlock()

	if accepted != nil && subtle.ConstantTimeCompare(accepted[:], d[:]) == 1 {
		return true
	}

	if len(v.hash) == 0 {
		return false
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = &d
	v.mu.Unlock()

	return true
}
