package serve

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware lets browser clients from the configured origins read
// memories and submit operations. An empty list allows any origin.
func corsMiddleware(originsCSV string) gin.HandlerFunc {
	origins := parseOrigins(originsCSV)
	allowed := func(origin string) bool {
		return origin != "" && (origins["*"] || origins[origin])
	}
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		ok := allowed(origin)
		if ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "ETag")
		}
		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		// preflight
		if ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Max-Age", "600")
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func parseOrigins(raw string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSuffix(strings.TrimSpace(part), "/"); v != "" {
			out[v] = true
		}
	}
	if len(out) == 0 {
		out["*"] = true
	}
	return out
}
