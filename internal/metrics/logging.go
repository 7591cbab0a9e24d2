package metrics

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs one line per request. Server errors log at
// warn level and slow requests are flagged. Requests for skipPaths are
// not logged.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	const slow = time.Second
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		took := time.Since(start)

		kv := []interface{}{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", took,
			"clientIP", c.ClientIP(),
		}
		if took > slow {
			kv = append(kv, "slow", true)
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "err", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("HTTP: request failed", kv...)
			return
		}
		log.Info("HTTP: request", kv...)
	}
}
