package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openprocure/provena/internal/observability/correlation"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	HeaderRequestID      = "X-Request-ID"
	HeaderActor          = "X-Actor"
	HeaderIdempotencyKey = "Idempotency-Key"

	contextFingerprintKey = "request_fingerprint"
)

// RequestID propagates or generates a request id and seeds the request
// context with a correlation id for downstream logs and spans.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(
			correlation.ContextWithCorrelationID(c.Request.Context(), id),
		)
		c.Next()
	}
}

func requestLogger(log *zap.Logger, m *obsmetrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		m.ObserveAPIRequest(c.Request.Method+" "+path, statusLabel(c.Writer.Status()), duration)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Writer.Header().Get(HeaderRequestID)),
		}
		if c.Writer.Status() >= 500 {
			log.Error("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// CaptureRequestBody reads and restores the request body so mutating
// handlers can fingerprint it for idempotency-key validation.
func CaptureRequestBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(append([]byte(c.Request.Method+" "+c.Request.URL.Path+"\n"), body...))
		c.Set(contextFingerprintKey, hex.EncodeToString(sum[:]))
		c.Next()
	}
}

func (s *Server) actor(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader(HeaderActor)); actor != "" {
		return actor
	}
	return "api"
}

func requestFingerprint(c *gin.Context) string {
	if v, ok := c.Get(contextFingerprintKey); ok {
		if fp, ok := v.(string); ok {
			return fp
		}
	}
	return ""
}
