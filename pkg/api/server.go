// Package api exposes the coordination server over HTTP: mailbox streams,
// file locks, missions and sorties, the specialist tool surface, checkpoints
// and recovery, plus health, status, and metrics. Handlers stay thin; all
// domain rules live in the service packages and errors are mapped to status
// codes in one place.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/dispatch"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/recovery"
	"github.com/fleettools/squawk/pkg/specialists"
	"github.com/fleettools/squawk/pkg/store"
	"github.com/fleettools/squawk/pkg/version"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	store       *store.Store
	mailbox     *mailbox.Service
	locks       *locks.Coordinator
	missions    *missions.Service
	specialists *specialists.Service
	checkpoints *checkpoints.Service
	recovery    *recovery.Service
	dispatcher  *dispatch.Dispatcher
	cfg         config.HTTPConfig
}

// NewServer creates the API server over the given services.
func NewServer(st *store.Store, mb *mailbox.Service, lc *locks.Coordinator,
	ms *missions.Service, sp *specialists.Service, cs *checkpoints.Service,
	rs *recovery.Service, d *dispatch.Dispatcher, cfg config.HTTPConfig) *Server {
	return &Server{
		store:       st,
		mailbox:     mb,
		locks:       lc,
		missions:    ms,
		specialists: sp,
		checkpoints: cs,
		recovery:    rs,
		dispatcher:  d,
		cfg:         cfg,
	}
}

// Router builds the gin engine with middleware and every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware())
	r.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/mailbox/append", s.appendMailbox)
		v1.GET("/mailbox/:streamId", s.readMailbox)
		v1.POST("/cursor/advance", s.advanceCursor)
		v1.GET("/cursor/:cursorId", s.getCursor)

		v1.POST("/lock/acquire", s.acquireLock)
		v1.POST("/lock/release", s.releaseLock)
		v1.POST("/lock/force-release", s.forceReleaseLock)
		v1.GET("/locks", s.listLocks)
		v1.GET("/locks/conflicts", s.lockConflicts)

		v1.GET("/coordinator/status", s.coordinatorStatus)

		v1.POST("/missions/decompose", s.decompose)
		v1.GET("/missions", s.listMissions)
		v1.GET("/missions/:id", s.getMission)
		v1.PATCH("/missions/:id", s.patchMission)
		v1.DELETE("/missions/:id", s.deleteMission)
		v1.GET("/missions/:id/sorties", s.listSorties)
		v1.POST("/missions/:id/dispatch", s.dispatchMission)
		v1.GET("/missions/:id/dispatch", s.dispatchStatus)
		v1.POST("/missions/:id/pause", s.pauseMission)
		v1.POST("/missions/:id/resume", s.resumeMission)
		v1.PATCH("/sorties/:id", s.patchSortie)

		v1.POST("/specialist/register", s.registerSpecialist)
		v1.POST("/specialist/reserve", s.reserveFile)
		v1.POST("/specialist/progress", s.reportProgress)
		v1.POST("/specialist/complete", s.completeSortie)
		v1.POST("/specialist/blocked", s.reportBlocked)
		v1.POST("/specialist/squawk", s.squawk)

		v1.POST("/checkpoints", s.createCheckpoint)
		v1.GET("/checkpoints", s.listCheckpoints)
		v1.GET("/checkpoints/:id", s.getCheckpoint)
		v1.POST("/checkpoints/:id/recover", s.recoverCheckpoint)
		v1.POST("/checkpoints/prune", s.pruneCheckpoints)
	}
	return r
}

// health reports liveness plus store health.
func (s *Server) health(c *gin.Context) {
	dbHealth, err := s.store.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"service":   "squawk",
			"version":   version.Version,
			"database":  dbHealth,
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "squawk",
		"version":   version.Version,
		"database":  dbHealth,
		"timestamp": time.Now().UTC(),
	})
}
