package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// respondIdempotent runs op under the request's Idempotency-Key. Replays
// of a completed request return the cached body with a marker header;
// conflicting reuse of a key surfaces as 409 through the error mapper.
// Requests without a key run op directly.
func (s *Server) respondIdempotent(c *gin.Context, successStatus int, op func(ctx context.Context) (any, error)) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))

	payload, replayed, err := s.idem.Execute(c.Request.Context(), key, requestFingerprint(c), func(ctx context.Context) ([]byte, error) {
		out, opErr := op(ctx)
		if opErr != nil {
			return nil, opErr
		}
		return json.Marshal(gin.H{"data": out})
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if replayed {
		c.Header(HeaderIdempotencyReplayed, "true")
		successStatus = http.StatusOK
	}
	c.Data(successStatus, "application/json; charset=utf-8", payload)
}
