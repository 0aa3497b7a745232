package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coffersTech/labxstream/internal/execution"
	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/store"
)

// handleStartExecution registers an execution signal. An execution id is
// generated when the signal carries none.
func (s *Server) handleStartExecution(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	sig, err := s.norm.SignalBytes(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sig.ExecutionID == "" {
		sig.ExecutionID = "exec_" + uuid.NewString()
	}
	req := startRequest{ExecutionID: sig.ExecutionID, TestCaseID: sig.TestCaseID}
	if details := toFieldErrors(0, req.Validate()); len(details) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
		return
	}

	started, err := s.engine.StartExecution(c.Request.Context(), sig)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, started)
}

// handleListExecutions lists executions, optionally only those with the
// given ?status.
func (s *Server) handleListExecutions(c *gin.Context) {
	list := s.engine.Catalog().List()
	if status := c.Query("status"); status != "" {
		filtered := list[:0]
		for _, ctx := range list {
			if string(ctx.Status) == status {
				filtered = append(filtered, ctx)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"executions": list, "count": len(list)})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	ctx, ok := s.engine.Catalog().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": execution.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, ctx)
}

func (s *Server) handleCompleteExecution(c *gin.Context) {
	var req completeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			if tooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
			return
		}
	}
	if details := toFieldErrors(0, req.Validate()); len(details) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
		return
	}
	status, _ := execution.ParseStatus(req.Status)

	finished, err := s.engine.FinishExecution(c.Request.Context(), c.Param("id"), status, req.Error)
	switch {
	case errors.Is(err, execution.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, execution.ErrFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "execution": finished})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "execution": finished})
	default:
		c.JSON(http.StatusOK, finished)
	}
}

// handleExecutionLogs returns an execution's entries from memory or its
// archives, filtered by the store criteria in the query string.
func (s *Server) handleExecutionLogs(c *gin.Context) {
	id := c.Param("id")
	var criteria store.Criteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if criteria.Level != "" {
		criteria.Level = model.ParseLevel(string(criteria.Level))
	}
	if criteria.Layer != "" {
		criteria.Layer = model.ParseLayer(string(criteria.Layer))
	}
	if criteria.Direction != "" {
		criteria.Direction = model.ParseDirection(string(criteria.Direction))
	}

	logs, err := s.engine.Logs(id, criteria)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, known := s.engine.Catalog().Get(id); !known && len(logs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": execution.ErrNotFound.Error()})
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"executionId": id, "count": len(logs), "logs": logs})
}

// handleLogContext returns the entries around one log entry.
func (s *Server) handleLogContext(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	result, err := s.engine.GetContext(c.Param("id"), c.Param("logId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result.Anchor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log entry not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSubscribe upgrades to a WebSocket bound to the path's execution.
func (s *Server) handleSubscribe(c *gin.Context) {
	key := model.SessionKey{
		ExecutionID: c.Param("executionId"),
		TestCaseID:  c.Query("testCaseId"),
	}
	s.ws.Serve(c.Writer, c.Request, key)
}
