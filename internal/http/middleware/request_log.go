package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// RequestLogger logs one line per request and feeds the API metrics.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("component", "HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		observability.Current().ApiInflightInc()
		c.Next()
		observability.Current().ApiInflightDec()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observability.Current().ObserveAPI(c.Request.Method, route, strconv.Itoa(status), latency)

		if status >= 500 {
			reqLog.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency", latency)
			return
		}
		reqLog.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency", latency)
	}
}
