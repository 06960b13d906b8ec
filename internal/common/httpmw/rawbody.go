package httpmw

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// rawBodyKey is the gin context key under which the captured request bytes
// are stored.
const rawBodyKey = "grov.rawBody"

// CaptureRawBody reads the request body up to limit bytes and stores the raw
// bytes on the context, restoring the body so downstream handlers can still
// bind JSON. The proxy needs the exact client bytes for byte-preserving
// injection, separately from any parsed view.
func CaptureRawBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil {
			c.Next()
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"type": "proxy_error", "message": "failed to read request body"},
			})
			return
		}
		if int64(len(body)) > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{"type": "proxy_error", "message": "request body too large"},
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(rawBodyKey, body)
		c.Next()
	}
}

// RawBody returns the captured request bytes, or nil when capture did not run.
func RawBody(c *gin.Context) []byte {
	if v, ok := c.Get(rawBodyKey); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}
