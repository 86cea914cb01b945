package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	v1 "github.com/Celicular/Clarity-ERP-sub002/cmd/api/router/v1"
	authAdapter "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/auth/adapter"
	cacheAdapter "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/adapter"
	cacheport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/database"
	queueAdapter "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/adapter"
	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/task"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	// Connect to the database on startup
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := database.NewPoolFromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	verifier, err := authAdapter.NewJWTVerifierFromEnv()
	if err != nil {
		log.Fatalf("failed to configure token verifier: %v", err)
	}

	// Redis mirror and queue are optional; the hub degrades to
	// socket-only presence and skips offline notifications without them.
	var cache cacheport.Cache
	if c, err := cacheAdapter.NewRedisAdapter(); err != nil {
		log.Printf("Warning: redis unavailable, presence mirror disabled: %v", err)
	} else {
		cache = c
		defer c.Close()
	}

	var queueClient qport.Client
	if qc, err := queueAdapter.NewAsynqClientFromEnv(); err != nil {
		log.Printf("Warning: queue unavailable, offline notifications disabled: %v", err)
	} else {
		queueClient = qc
		defer qc.Close()
	}

	// Co-host the notify worker with the API so outbox rows land without a
	// separate deployment.
	if queueClient != nil {
		if srv, err := queueAdapter.NewAsynqServer(); err != nil {
			log.Printf("Warning: queue worker not started: %v", err)
		} else {
			task.RegisterOfflineNotifyTask(srv, pool)
			workerCtx, stopWorker := context.WithCancel(context.Background())
			defer stopWorker()
			go func() {
				if err := srv.Run(workerCtx); err != nil {
					log.Printf("queue worker stopped: %v", err)
				}
			}()
		}
	}

	hub := realtime.NewHub()
	defer hub.Close()

	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "OK",
		})
	})

	v1.RegisterRoutes(r, pool, hub, verifier, cache, queueClient)

	// Start HTTP server (blocks until shutdown)
	_ = r.Run()
}
