package routes

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/handlers"
	"github.com/civicos/identity-service/internal/middleware"
)

// SetupRouter builds the Gin engine with all middleware and routes registered
func SetupRouter(cfg *config.Config, identityHandler *handlers.IdentityHandler, adminHandler *handlers.AdminHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.Use(cors.New(corsConfig()))
	router.Use(rateLimiter.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterIdentityRoutes(router, cfg, identityHandler, rateLimiter)
	RegisterAdminRoutes(router, cfg, adminHandler)

	return router
}

// RegisterIdentityRoutes registers the verification workflow routes
func RegisterIdentityRoutes(router *gin.Engine, cfg *config.Config, identityHandler *handlers.IdentityHandler, rateLimiter *middleware.RateLimiter) {
	identityGroup := router.Group("/api/identity")
	identityGroup.Use(middleware.AuthMiddleware(cfg))
	{
		identityGroup.POST("/start-verification", identityHandler.StartVerification)
		identityGroup.POST("/submit-step", rateLimiter.SubmitMiddleware(), identityHandler.SubmitStep)
		identityGroup.GET("/status", identityHandler.GetStatus)
	}
}

// RegisterAdminRoutes registers the manual review routes
func RegisterAdminRoutes(router *gin.Engine, cfg *config.Config, adminHandler *handlers.AdminHandler) {
	adminGroup := router.Group("/api/admin")
	adminGroup.Use(middleware.AuthMiddleware(cfg), middleware.AdminMiddleware())
	{
		adminGroup.GET("/identity-verifications", adminHandler.ListVerifications)
		adminGroup.POST("/identity-verifications/:id/approve", adminHandler.Approve)
		adminGroup.POST("/identity-verifications/:id/reject", adminHandler.Reject)
	}
}

// corsConfig builds the CORS policy from the environment
func corsConfig() cors.Config {
	corsCfg := cors.DefaultConfig()

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		corsCfg.AllowOrigins = strings.Split(origins, ",")
	} else {
		corsCfg.AllowAllOrigins = true
	}

	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Geolocation")
	corsCfg.AllowCredentials = !corsCfg.AllowAllOrigins

	return corsCfg
}
