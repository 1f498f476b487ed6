// Package api is the engine's HTTP surface: a gin router under /api/v1,
// bearer-token auth on mutating routes, Prometheus metrics, and a
// websocket fan-out of the event bus.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/engine"
)

// Server binds handlers to the engine.
type Server struct {
	logger *zap.Logger
	engine *engine.Engine
	hub    *Hub
}

// NewServer wires the HTTP layer. The returned hub must be closed on
// shutdown; its Run loop starts here.
func NewServer(logger *zap.Logger, eng *engine.Engine) *Server {
	hub := NewHub(logger)
	hub.Attach(eng.Bus)
	go hub.Run()
	return &Server{
		logger: logger.Named("api"),
		engine: eng,
		hub:    hub,
	}
}

// Hub exposes the websocket hub for shutdown.
func (s *Server) Hub() *Hub { return s.hub }

// Router assembles the route tree.
func (s *Server) Router(cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware(cfg.Server.AllowedOrigins))
	r.Use(MetricsMiddleware(s.engine.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.engine.Metrics.Handler()))
	r.GET("/ws", s.hub.Serve)

	api := r.Group("/api/v1")
	if cfg.Server.RateLimitPerMin > 0 {
		api.Use(NewRateLimiter(cfg.Server.RateLimitPerMin, cfg.Server.RateLimitBurst).Middleware())
	}
	auth := AuthMiddleware(cfg.Server.APIToken)

	api.GET("/capsules/:id", s.handleGetCapsule)
	api.GET("/capsules/:id/lineage", s.handleLineage)
	api.GET("/capsules/:id/edges", s.handleEdges)
	api.GET("/capsules/:id/verify", s.handleVerify)
	api.GET("/search", s.handleSearch)
	api.GET("/cascades/:id", s.handleGetCascade)
	api.GET("/partitions", s.handlePartitions)
	api.GET("/cache/stats", s.handleCacheStats)
	api.GET("/overlays", s.handleOverlays)
	api.GET("/status", s.handleStatus)

	api.POST("/capsules", auth, s.handleCreateCapsule)
	api.PUT("/capsules/:id", auth, s.handleUpdateCapsule)
	api.DELETE("/capsules/:id", auth, s.handleDeleteCapsule)
	api.POST("/cascades", auth, s.handleTriggerCascade)
	api.POST("/query", auth, s.handleQuery)
	api.POST("/overlays/:id/activate", auth, s.handleOverlayActivate)
	api.POST("/overlays/:id/deactivate", auth, s.handleOverlayDeactivate)

	if s.engine.Fed != nil {
		s.engine.Fed.RegisterRoutes(api)
	}
	return r
}
