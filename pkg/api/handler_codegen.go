package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ExtendRequest asks the code-generation pipeline to cover a capability.
type ExtendRequest struct {
	Task string `json:"task" binding:"required"`
}

func (s *Server) extendCapabilities(c *gin.Context) {
	if s.deps.Codegen == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code generation disabled"})
		return
	}
	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, generated, err := s.deps.Codegen.Extend(req.Task)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    err.Error(),
			"analysis": result,
		})
		return
	}

	payload := gin.H{"analysis": result}
	if generated == nil {
		c.JSON(http.StatusOK, payload)
		return
	}
	payload["generated"] = gin.H{
		"name":     generated.Name,
		"language": generated.Language,
		"template": generated.Template,
	}
	c.JSON(http.StatusCreated, payload)
}
