package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cacheport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
)

// PresenceController lets the dashboard peek at a user's reachability.
// The hub is the authority for this process; the Redis mirror covers
// last-seen for users whose socket already closed.
type PresenceController struct {
	hub   *realtime.Hub
	cache cacheport.Cache
}

func NewPresenceController(hub *realtime.Hub, cache cacheport.Cache) *PresenceController {
	return &PresenceController{hub: hub, cache: cache}
}

func (h *PresenceController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}

		if h.hub.Online(userID) {
			c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": true})
			return
		}

		out := gin.H{"user_id": userID, "online": false}
		if h.cache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if v, err := h.cache.Get(ctx, "lastseen:"+userID); err == nil {
				out["last_seen_at"] = v
			}
		}
		c.JSON(http.StatusOK, out)
	}
}
