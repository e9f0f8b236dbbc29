// Package httpmiddleware carries the gin middleware every Lockbay HTTP
// surface mounts: request ids, request logging with metrics, and panic
// recovery that answers in the API error envelope.
package httpmiddleware

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader   = "X-Request-ID"
	traceParentHeader = "traceparent"
)

// Probe endpoints get hit every few seconds; keep them out of the Info
// stream but still count them.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Header(requestIDHeader, reqID)
		c.Next()
	}
}

func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.RequestsInFlight.Inc()
		c.Next()
		metrics.RequestsInFlight.Dec()
		latency := time.Since(start)

		status := c.Writer.Status()
		statusLabel := strconv.Itoa(status)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		reqID, _ := c.Get(requestIDHeader)
		traceParent := c.GetHeader(traceParentHeader)

		level := slog.LevelInfo
		if quietPaths[path] && status < http.StatusInternalServerError {
			level = slog.LevelDebug
		}

		logger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Any("request_id", reqID),
			slog.String("traceparent", traceParent),
		)

		metrics.RequestCount.WithLabelValues(c.Request.Method, path, statusLabel).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path, statusLabel).Observe(latency.Seconds())
	}
}

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				reqID, _ := c.Get(requestIDHeader)
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.Any("request_id", reqID),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"code": "INTERNAL_ERROR", "message": "internal error"})
			}
		}()
		c.Next()
	}
}
