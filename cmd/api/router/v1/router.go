package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	authport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/auth/port"
	cacheport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/port"
	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	httpHandler "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/presentation/http"
)

// RegisterRoutes mounts all version 1 API routes under /api/v1
func RegisterRoutes(r *gin.Engine, pool *pgxpool.Pool, hub *realtime.Hub, verifier authport.TokenVerifier, cache cacheport.Cache, queue qport.Client) {
	v1 := r.Group("/api/v1")
	// Pass the shared infrastructure down to the HTTP layer
	httpHandler.RegisterRoutes(v1, pool, hub, verifier, cache, queue)
}
