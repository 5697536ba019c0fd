package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/models"
)

// acquireLock handles POST /api/v1/lock/acquire.
func (s *Server) acquireLock(c *gin.Context) {
	var req models.AcquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := s.locks.Acquire(c.Request.Context(), locks.AcquireInput{
		SpecialistID: req.SpecialistID,
		File:         req.File,
		TimeoutMS:    req.TimeoutMS,
		Purpose:      req.Purpose,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	switch result.Outcome {
	case models.AcquireOutcomeAcquired:
		c.JSON(http.StatusOK, gin.H{"lock": result.Lock})
	case models.AcquireOutcomeQueued:
		c.JSON(http.StatusOK, gin.H{
			"queued":        true,
			"position":      result.Position,
			"existing_lock": result.ExistingLock,
		})
	default:
		c.JSON(http.StatusConflict, gin.H{
			"conflict":      true,
			"existing_lock": result.ExistingLock,
		})
	}
}

// releaseLock handles POST /api/v1/lock/release.
func (s *Server) releaseLock(c *gin.Context) {
	var req models.ReleaseLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	lock, released, err := s.locks.Release(c.Request.Context(), req.LockID, req.SpecialistID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": lock, "released": released})
}

// forceReleaseLock handles POST /api/v1/lock/force-release.
func (s *Server) forceReleaseLock(c *gin.Context) {
	var req models.ForceReleaseLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	lock, released, err := s.locks.ForceRelease(c.Request.Context(), req.LockID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": lock, "released": released, "reason": req.Reason})
}

// listLocks handles GET /api/v1/locks with optional file and specialist_id
// filters.
func (s *Server) listLocks(c *gin.Context) {
	active, err := s.locks.ListActive(c.Request.Context(), locks.ListFilter{
		File:         c.Query("file"),
		SpecialistID: c.Query("specialist_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if active == nil {
		active = []*models.Lock{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": active})
}

// lockConflicts handles GET /api/v1/locks/conflicts.
func (s *Server) lockConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conflicts": s.locks.RecentConflicts()})
}
