package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/triadflow/triad/pkg/supervision"
)

// CreateSessionRequest starts one conversation session.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal" binding:"required"`
}

// runSession screens the goal, then drives the conversation agent to
// completion. The request context carries cancellation to the whole
// planning loop.
func (s *Server) runSession(c *gin.Context) {
	if s.deps.Conversation == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no planner configured"})
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if s.deps.Supervision != nil {
		check := s.deps.Supervision.CheckInput(req.SessionID, req.Goal)
		if check.Action == supervision.ActionBlock {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      "input blocked by supervision",
				"issues":     check.Issues,
				"session_id": req.SessionID,
			})
			return
		}
	}

	result, err := s.deps.Conversation.Run(c.Request.Context(), req.SessionID, req.Goal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      err.Error(),
			"session_id": req.SessionID,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": req.SessionID,
		"result":     result,
	})
}
