package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/models"
)

// appendMailbox handles POST /api/v1/mailbox/append.
func (s *Server) appendMailbox(c *gin.Context) {
	var req models.MailboxAppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	mb, inserted, err := s.mailbox.Append(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mailbox": mb, "inserted": inserted})
}

// readMailbox handles GET /api/v1/mailbox/:streamId.
func (s *Server) readMailbox(c *gin.Context) {
	mb, err := s.mailbox.Read(c.Request.Context(), c.Param("streamId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mailbox": mb})
}

// advanceCursor handles POST /api/v1/cursor/advance.
func (s *Server) advanceCursor(c *gin.Context) {
	var req models.AdvanceCursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	consumer := req.ConsumerID
	if consumer == "" {
		consumer = "default"
	}
	cur, err := s.mailbox.AdvanceCursor(c.Request.Context(), req.StreamID, consumer, *req.Position)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cur})
}

// getCursor handles GET /api/v1/cursor/:cursorId.
func (s *Server) getCursor(c *gin.Context) {
	cur, err := s.mailbox.GetCursor(c.Request.Context(), c.Param("cursorId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cur})
}

// coordinatorStatus handles GET /api/v1/coordinator/status.
func (s *Server) coordinatorStatus(c *gin.Context) {
	ctx := c.Request.Context()
	mailboxes, err := s.mailbox.ActiveMailboxes(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	activeLocks, err := s.locks.ActiveCount(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	queued, err := s.locks.QueuedCount(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	missionCounts, err := s.missions.CountByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_mailboxes": mailboxes,
		"active_locks":     activeLocks,
		"queued_waiters":   queued,
		"missions":         missionCounts,
		"timestamp":        time.Now().UTC(),
	})
}
