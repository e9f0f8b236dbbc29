package webhooksig

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

// Middleware authenticates a webhook route. It consumes the raw body for
// verification and restores it so handlers can still bind JSON. header
// falls back to HeaderSignature when empty.
func Middleware(secret, header string) gin.HandlerFunc {
	if header == "" {
		header = HeaderSignature
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := Verify(secret, body, c.GetHeader(header)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid webhook signature"})
			return
		}
		c.Next()
	}
}
