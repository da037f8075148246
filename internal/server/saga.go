package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openprocure/provena/internal/events"
)

func (s *Server) GetSaga(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		AbortWithError(c, newValidationError("key", "invalid_business_key", "business key is required"))
		return
	}

	instance, steps, err := s.sagaSvc.Get(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"saga": instance, "steps": steps}})
}

type cancelSagaRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelSaga(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		AbortWithError(c, newValidationError("key", "invalid_business_key", "business key is required"))
		return
	}

	var req cancelSagaRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.sagaSvc.Cancel(c.Request.Context(), key, strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}

	instance, steps, err := s.sagaSvc.Get(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"saga": instance, "steps": steps}})
}

// IngestEvent accepts a bus event over HTTP for producers that cannot
// publish to the broker directly. Delivery semantics match the consumer:
// at-least-once, deduplicated by event id.
func (s *Server) IngestEvent(c *gin.Context) {
	var ev events.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(ev.Type) == "" {
		AbortWithError(c, newValidationError("event_type", "invalid_event_type", "event_type is required"))
		return
	}

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = "http"
	}

	if err := s.sagaSvc.HandleEvent(c.Request.Context(), ev); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"event_id": ev.EventID, "accepted": true}})
}
