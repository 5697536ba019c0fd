package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/models"
)

// registerSpecialist handles POST /api/v1/specialist/register.
func (s *Server) registerSpecialist(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.specialists.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// reserveFile handles POST /api/v1/specialist/reserve.
func (s *Server) reserveFile(c *gin.Context) {
	var req models.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.specialists.Reserve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// reportProgress handles POST /api/v1/specialist/progress.
func (s *Server) reportProgress(c *gin.Context) {
	var req models.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	sortie, err := s.specialists.Progress(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie": sortie})
}

// completeSortie handles POST /api/v1/specialist/complete.
func (s *Server) completeSortie(c *gin.Context) {
	var req models.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.specialists.Complete(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// reportBlocked handles POST /api/v1/specialist/blocked.
func (s *Server) reportBlocked(c *gin.Context) {
	var req models.BlockedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.specialists.Blocked(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// squawk handles POST /api/v1/specialist/squawk.
func (s *Server) squawk(c *gin.Context) {
	var req models.SquawkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.specialists.Squawk(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
