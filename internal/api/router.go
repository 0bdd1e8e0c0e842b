package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger(h.log))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Reading a terminal's user table is slow; repeated reads are served from
	// the cache until a write to the device purges it.
	caching := h.cache.Handler()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/devices", h.ListDevices)
		api.POST("/devices", h.CreateDevice)
		api.GET("/devices/:id", h.GetDevice)
		api.PATCH("/devices/:id", h.UpdateDevice)
		api.DELETE("/devices/:id", h.DeleteDevice)
		api.GET("/devices/:id/status", GetDeviceStatus(h.store, h.engine))
		api.POST("/devices/:id/archive", h.ArchiveDevice)
		api.POST("/devices/:id/unarchive", h.UnarchiveDevice)

		api.PUT("/devices/:id/schedule", h.PutSchedule)
		api.DELETE("/devices/:id/schedule", h.DeleteSchedule)
		api.PUT("/devices/:id/live", h.PutLive)
		api.DELETE("/devices/:id/live", h.DeleteLive)
		api.POST("/devices/:id/test", h.TestConnectivity)
		api.POST("/devices/:id/fetch", h.Fetch)
		api.POST("/devices/:id/clock", h.SyncClock)

		api.GET("/devices/:id/mappings", h.ListMappings)
		api.GET("/devices/:id/users", caching, h.ListDeviceUsers)
		api.POST("/devices/:id/users", h.EnrollEmployees)
		api.DELETE("/devices/:id/users/:uid", h.RemoveUser)
		api.POST("/devices/:id/users/remove", h.RemoveUsers)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
