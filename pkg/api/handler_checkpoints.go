package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
)

// createCheckpoint handles POST /api/v1/checkpoints.
func (s *Server) createCheckpoint(c *gin.Context) {
	var req models.CreateCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	cp, err := s.checkpoints.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkpoint": cp})
}

// listCheckpoints handles GET /api/v1/checkpoints?mission_id=&limit=.
func (s *Server) listCheckpoints(c *gin.Context) {
	missionID := c.Query("mission_id")
	if missionID == "" {
		respondError(c, services.NewValidationError(
			services.CodeMissingField, "mission_id", "mission_id query parameter is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	cps, err := s.checkpoints.List(c.Request.Context(), missionID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps, "mission_id": missionID})
}

// getCheckpoint handles GET /api/v1/checkpoints/:id.
func (s *Server) getCheckpoint(c *gin.Context) {
	cp, err := s.checkpoints.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
}

// recoverCheckpoint handles POST /api/v1/checkpoints/:id/recover.
func (s *Server) recoverCheckpoint(c *gin.Context) {
	var req models.RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := s.recovery.Restore(c.Request.Context(), c.Param("id"), req.AgentID, req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// pruneCheckpoints handles POST /api/v1/checkpoints/prune. An empty body
// prunes with the configured defaults.
func (s *Server) pruneCheckpoints(c *gin.Context) {
	var req models.PruneRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBindError(c, err)
		return
	}
	olderThan, keep := 0, 0
	if req.OlderThanDays != nil {
		olderThan = *req.OlderThanDays
	}
	if req.KeepPerMission != nil {
		keep = *req.KeepPerMission
	}
	deleted, err := s.checkpoints.Prune(c.Request.Context(), olderThan, keep)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
