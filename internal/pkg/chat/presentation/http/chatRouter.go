package http

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	authport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/auth/port"
	cacheport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/port"
	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/presentation/controller"
)

// RegisterRoutes registers chat-related HTTP endpoints under the given
// router group. It constructs per-endpoint controllers and binds them
// directly to routes.
func RegisterRoutes(g *gin.RouterGroup, pool *pgxpool.Pool, hub *realtime.Hub, verifier authport.TokenVerifier, cache cacheport.Cache, queue qport.Client) {
	socketCtl := controller.NewChatSocketController(pool, hub, verifier, cache, queue)
	historyCtl := controller.NewRoomHistoryController(pool)
	presenceCtl := controller.NewPresenceController(hub, cache)

	// GET /api/v1/chat/ws?token=...&room=... -> websocket endpoint for the hub
	g.GET("/chat/ws", socketCtl.Handle())

	// GET /api/v1/rooms/:roomId/messages -> decorated backlog over plain HTTP
	g.GET("/rooms/:roomId/messages", historyCtl.Handle())

	// GET /api/v1/presence/:userId -> reachability peek for the dashboard
	g.GET("/presence/:userId", presenceCtl.Handle())
}
