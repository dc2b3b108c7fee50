// Package health serves liveness and readiness probes for the dev server.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Hub is the part of the socket hub readiness depends on.
type Hub interface {
	Running() bool
	ClientCount() int
}

type Handler struct {
	db  Pinger
	hub Hub
}

func NewHandler(db Pinger, hub Hub) *Handler {
	return &Handler{db: db, hub: hub}
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (h *Handler) Readyz(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database_not_initialized"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database_ping_failed"})
		return
	}

	if !h.hub.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "hub_stopped"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "clients": h.hub.ClientCount()})
}
