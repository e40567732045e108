package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cloak/internal/handler"
	"github.com/Gopher0727/Cloak/utils/ratelimit"
)

// Limits 写接口的限流规则
type Limits struct {
	Post   ratelimit.Rule
	Report ratelimit.Rule
}

// RegisterRoutes registers all API routes
func RegisterRoutes(
	r *gin.Engine,
	mw *MiddlewareManager,
	limits Limits,
	chatHandler *handler.ChatHandler,
	wsHandler gin.HandlerFunc,
) {
	api := r.Group("/api/v1")
	{
		channels := api.Group("/channels")
		{
			channels.GET("", chatHandler.ListChannels)
			channels.GET("/:id", chatHandler.GetChannel)
			channels.GET("/:id/messages", chatHandler.GetMessages)
			channels.POST("/:id/messages", mw.RateLimit(limits.Post), chatHandler.PostMessage)
		}

		messages := api.Group("/messages")
		{
			messages.POST("/:id/report", mw.RateLimit(limits.Report), chatHandler.ReportMessage)
		}

		api.GET("/ws", wsHandler)
	}
}
