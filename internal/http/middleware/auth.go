package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/downdeck-backend/internal/http/response"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
)

// APIKeyGuard protects client routes with a static x-api-key header. An
// empty configured key disables the guard; this is a self-hosted service
// and open local access is the default.
func APIKeyGuard(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "UNAUTHORIZED", pkgerrors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// WorkerToken guards the worker ingest route. Unlike the API key the token
// is mandatory: with no token configured the route stays closed.
func WorkerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Worker-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "UNAUTHORIZED", pkgerrors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
