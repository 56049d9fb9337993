package devserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fairyfishnet-devserver",
		})
	})

	h := NewHandler(deps)

	// The protocol surface workers talk to
	fishnet := r.Group("/fishnet")
	{
		fishnet.POST("/acquire", h.Acquire)
		fishnet.POST("/analysis/:job_id", h.Analysis)
		fishnet.POST("/move/:job_id", h.Move)
		fishnet.POST("/abort/:job_id", h.Abort)
		fishnet.GET("/key/:key", h.CheckKey)

		// Inspection endpoint for humans watching a run
		fishnet.GET("/jobs", h.ListJobs)
	}

	return r
}
