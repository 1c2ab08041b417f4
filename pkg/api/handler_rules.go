package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triadflow/triad/pkg/rules"
)

// CreateRuleRequest mirrors one rule config entry. Condition is an
// expression string evaluated against the decision scope; unrecognized
// actions default to log_warning, matching the file loader.
type CreateRuleRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Priority    int    `json:"priority"`
	Condition   string `json:"condition" binding:"required"`
	Action      string `json:"action"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) listRules(c *gin.Context) {
	if s.deps.Rules == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rule engine not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": s.deps.Rules.List()})
}

func (s *Server) createRule(c *gin.Context) {
	if s.deps.Rules == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rule engine not running"})
		return
	}
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := rules.ConfigEntry{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Category:    req.Category,
		Priority:    req.Priority,
		Condition:   req.Condition,
		Action:      req.Action,
		Enabled:     req.Enabled,
	}
	rule, actionKnown := entry.Rule()
	if !actionKnown {
		s.logger.Warn("unrecognized rule action, defaulting to log_warning",
			"rule_id", req.ID, "action", req.Action)
	}

	if err := s.deps.Rules.Add(rule); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rules.ErrDuplicateRule) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if s.deps.Rules == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rule engine not running"})
		return
	}
	id := c.Param("id")
	if err := s.deps.Rules.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
