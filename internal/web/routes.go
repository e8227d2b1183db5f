package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes. allowedOrigins lists the
// browser origins that may trigger syncs.
func SetupRoutes(r *gin.Engine, h *Handlers, allowedOrigins []string) {
	// Health endpoint (no rate limit)
	r.GET("/health", h.HealthCheck)

	apiRateLimiter := RateLimiter(30, 60) // 30 requests/sec, burst of 60
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	{
		api.GET("/days/:day/occurrences", h.DayOccurrences)
		api.GET("/occurrences", h.RangeOccurrences)
		api.GET("/calendars/:id/pending", h.PendingOperations)
		api.GET("/activity", h.Activity)
	}

	// Sync triggers reach the network, so they get a stricter limit
	syncRateLimiter := RateLimiter(2, 5)
	syncAPI := r.Group("/api")
	syncAPI.Use(syncRateLimiter)
	syncAPI.Use(ValidateOrigin(allowedOrigins))
	syncAPI.Use(RequireJSONContentType())
	{
		syncAPI.POST("/calendars/:id/sync", h.TriggerSync)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// NewRouter builds the engine with the standard middleware chain.
func NewRouter(h *Handlers, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(h.logger))
	router.Use(SecurityHeaders())
	SetupRoutes(router, h, allowedOrigins)
	return router
}
