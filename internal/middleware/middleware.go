// Package middleware provides Gin middleware for the Lumen HTTP API: request
// ids, structured request logging, panic recovery and admin key checks.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/apierror"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// maxRequestIDLength bounds caller-supplied ids.
const maxRequestIDLength = 128

// RequestID assigns every request an id, reusing a well-formed caller id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLength || strings.ContainsAny(id, "\r\n") {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Logging logs request and response metadata including method, path, status
// code, latency and client IP. Query strings and headers are not logged.
func Logging(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if m != nil {
			m.RecordHTTP(route, c.Request.Method, strconv.Itoa(status), latency)
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
			zap.String("request_id", GetRequestID(c)),
		}
		// Determine log level based on status code
		switch {
		case status >= 500:
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

// Recovery recovers from panics and answers with an internal_error envelope
// instead of crashing the server.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("recovered from panic",
					zap.Any("panic", rec),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", GetRequestID(c)),
					zap.Stack("stack"))
				ce := &apierror.ClassifiedError{Kind: apierror.KindInternal, Message: "an internal error occurred"}
				c.AbortWithStatusJSON(ce.Status(), gin.H{"success": false, "error": ce})
			}
		}()
		c.Next()
	}
}

// AdminKey validates the X-Admin-Key header, or a bearer token, against
// expected. An empty expected key disables the protected routes entirely.
func AdminKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			abort(c, http.StatusForbidden, "admin API disabled: LUMEN_ADMIN_API_KEY not configured")
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			abort(c, http.StatusUnauthorized, "invalid or missing admin API key")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"kind":      apierror.KindAuthenticationFailed,
			"message":   message,
			"retryable": false,
		},
	})
}
