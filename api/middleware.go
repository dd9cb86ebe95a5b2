package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const streamingUploadPath = "/api/v1/upload/streaming"

// RequestLogger logs each request through zerolog once it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		} else if status >= http.StatusBadRequest {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("size", c.Writer.Size()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request completed")
	}
}

// CORS allows the configured origins. A "*" entry allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	isAllowed := func(origin string) bool {
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
	exposed := strings.Join([]string{
		"Content-Disposition", "X-Audio-URL", "X-Job-ID", "X-Video-Title", "X-Processing-Time", "X-File-Size",
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && isAllowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
			h.Set("Access-Control-Expose-Headers", exposed)
			h.Set("Access-Control-Max-Age", strconv.Itoa(600))
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// FullDuplex lets the streaming upload handler answer before it has read the request body.
func FullDuplex(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == streamingUploadPath {
			if err := http.NewResponseController(w).EnableFullDuplex(); err != nil {
				log.Debug().Err(err).Msg("full duplex not supported")
			}
		}
		next.ServeHTTP(w, r)
	})
}
