package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/middleware"
)

// NewRouter wires every route of the control API.
func NewRouter(cfg *config.Config, api *API, logger *slog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "sessions": api.sessions.Len()})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, logger))

		// Room info (public)
		apiGroup.GET("/calls/:roomId", api.GetCall)

		calls := apiGroup.Group("/calls", auth)
		calls.POST("", api.StartCall)
		calls.POST("/:roomId/join", api.JoinCall)
		calls.DELETE("/:roomId", api.LeaveCall)
		calls.GET("/:roomId/participants", api.Participants)
		calls.GET("/:roomId/requests", api.ListRequests)
		calls.POST("/:roomId/requests/:requestId/accept", api.AcceptRequest)
		calls.POST("/:roomId/requests/:requestId/reject", api.RejectRequest)
		calls.PUT("/:roomId/media", api.UpdateMedia)
		calls.POST("/:roomId/messages", api.SendMessage)
	}

	// Session event stream; the token travels as a query parameter
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/events", middleware.JWTQueryAuth(cfg.JWTSecret), api.HandleEvents)
	}

	return router
}
