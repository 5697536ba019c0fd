package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/models"
)

// decompose handles POST /api/v1/missions/decompose.
func (s *Server) decompose(c *gin.Context) {
	var req models.DecomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	tree, err := s.missions.Decompose(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "sortie_tree": tree})
}

// listMissions handles GET /api/v1/missions.
func (s *Server) listMissions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	resp, err := s.missions.List(c.Request.Context(), models.MissionFilters{
		Status:   c.Query("status"),
		Strategy: c.Query("strategy"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getMission handles GET /api/v1/missions/:id.
func (s *Server) getMission(c *gin.Context) {
	mission, err := s.missions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission": mission})
}

// patchMission handles PATCH /api/v1/missions/:id.
func (s *Server) patchMission(c *gin.Context) {
	var patch models.MissionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondBindError(c, err)
		return
	}
	mission, err := s.missions.Patch(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission": mission})
}

// deleteMission handles DELETE /api/v1/missions/:id.
func (s *Server) deleteMission(c *gin.Context) {
	if err := s.missions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listSorties handles GET /api/v1/missions/:id/sorties.
func (s *Server) listSorties(c *gin.Context) {
	sorties, cohorts, err := s.missions.SortiesWithCohorts(
		c.Request.Context(), c.Param("id"), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sorties":        sorties,
		"parallelizable": cohorts.Parallelizable,
		"blocked":        cohorts.Blocked,
	})
}

// patchSortie handles PATCH /api/v1/sorties/:id.
func (s *Server) patchSortie(c *gin.Context) {
	var patch models.SortiePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondBindError(c, err)
		return
	}
	sortie, err := s.missions.PatchSortie(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie": sortie})
}

// dispatchMission handles POST /api/v1/missions/:id/dispatch.
func (s *Server) dispatchMission(c *gin.Context) {
	status, err := s.dispatcher.Dispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dispatch": status})
}

// dispatchStatus handles GET /api/v1/missions/:id/dispatch.
func (s *Server) dispatchStatus(c *gin.Context) {
	status, err := s.dispatcher.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatch": status})
}

// pauseMission handles POST /api/v1/missions/:id/pause.
func (s *Server) pauseMission(c *gin.Context) {
	if err := s.dispatcher.Pause(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// resumeMission handles POST /api/v1/missions/:id/resume.
func (s *Server) resumeMission(c *gin.Context) {
	if err := s.dispatcher.Resume(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}
