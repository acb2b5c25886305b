package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"stream-service/internal/api/handlers"
	"stream-service/internal/api/middleware"
	"stream-service/internal/database"
	"stream-service/internal/ws"
)

type Router struct {
	engine           *gin.Engine
	wsHandler        *ws.Handler
	statusHandler    *handlers.StatusHandler
	broadcastHandler *handlers.BroadcastHandler
	rateLimitMW      *middleware.RateLimitMiddleware
}

// NewRouter wires handlers and middleware. redisClient may be nil; the
// connection-attempt limiter is skipped without it.
func NewRouter(manager *ws.Manager, redisClient *database.RedisClient) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.RequestLog())

	r := &Router{
		engine:           engine,
		wsHandler:        ws.NewHandler(manager),
		statusHandler:    handlers.NewStatusHandler(manager),
		broadcastHandler: handlers.NewBroadcastHandler(manager),
	}
	if redisClient != nil {
		r.rateLimitMW = middleware.NewRateLimitMiddleware(redisClient)
	}
	return r
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.statusHandler.Health)

	api := r.engine.Group("/api/v1")

	wsRoute := api.Group("/ws")
	if r.rateLimitMW != nil {
		// 30 connection attempts per IP per minute.
		wsRoute.Use(r.rateLimitMW.RateLimitIP(30, time.Minute))
	}
	wsRoute.GET("", r.wsHandler.HandleWebSocket)

	api.GET("/metrics", r.statusHandler.Metrics)
	api.GET("/channels", r.statusHandler.Channels)
	api.GET("/connections/:id", r.statusHandler.ConnectionInfo)

	broadcast := api.Group("/broadcast")
	{
		broadcast.POST("/channel/:name", r.broadcastHandler.ToChannel)
		broadcast.POST("/user/:id", r.broadcastHandler.ToUser)
		broadcast.POST("", r.broadcastHandler.ToAll)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
