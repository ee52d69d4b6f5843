package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"

	"github.com/driftsync/driftsync/internal/client/middleware"
	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/version"
)

func SetupRoutes(coordinator *sync.Coordinator, config *ControlPlaneConfig) http.Handler {
	r := gin.New()

	rateLimitStore := memory.NewStore()
	rateLimiter := limiter.New(rateLimitStore, limiter.Rate{
		Period: 1 * time.Second,
		Limit:  10,
	})

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", IndexHandler)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(config.AuthToken))
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, coordinator.Status())
		})

		v1.GET("/conflicts", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"conflicts": coordinator.Conflicts(),
			})
		})

		v1.POST("/sync", func(c *gin.Context) {
			coordinator.TriggerSync()
			c.JSON(http.StatusAccepted, gin.H{
				"status": "scheduled",
			})
		})

		v1.POST("/sync/full", func(c *gin.Context) {
			err := coordinator.RunOnce(c.Request.Context(), false)
			switch {
			case errors.Is(err, sync.ErrSyncAlreadyRunning):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusOK, gin.H{"status": "done"})
			}
		})
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Detailed())
}
