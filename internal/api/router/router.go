package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oakline/orderflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "orderflow-api-service",
		})
	})

	itemHandler := handler.NewItemHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		items := v1.Group("/items")
		{
			// POST /api/v1/items - Enqueue a work item
			items.POST("", itemHandler.EnqueueItem)

			// GET /api/v1/items - List work items with filtering and pagination
			items.GET("", itemHandler.ListItems)

			// GET /api/v1/items/:item_id - Get work item details
			items.GET("/:item_id", itemHandler.GetItem)

			// POST /api/v1/items/:item_id/retry - Requeue a dead-lettered item
			items.POST("/:item_id/retry", itemHandler.RetryItem)

			// POST /api/v1/items/:item_id/invalidate - Dead-letter and free the key
			items.POST("/:item_id/invalidate", itemHandler.InvalidateItem)
		}

		agent := v1.Group("/agent")
		{
			// GET /api/v1/agent/status - Read the agent status
			agent.GET("/status", itemHandler.GetAgentStatus)

			// POST /api/v1/agent/kill-switch - Engage the emergency stop
			agent.POST("/kill-switch", itemHandler.EngageKillSwitch)
		}
	}

	return r
}
