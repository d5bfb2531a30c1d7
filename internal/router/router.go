package router

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/health"
	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/pkg/jwt"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Conversation *handler.ConversationHandler
	Message      *handler.MessageHandler
	Presence     *handler.PresenceHandler
	Health       *health.Checker
}

// SetupRouter 设置路由
func SetupRouter(mode string, jwtService *jwt.Service, h Handlers) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	if h.Health != nil {
		r.GET("/health", h.Health.Handle)
	}

	// API v1，全部需要认证
	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtService))
	{
		conversations := v1.Group("/conversations")
		{
			conversations.POST("", h.Conversation.Create)
			conversations.GET("", h.Conversation.List)
			conversations.GET("/:id/messages", h.Conversation.History)
			conversations.POST("/:id/messages", h.Conversation.Send)
			conversations.PUT("/:id/typing", h.Conversation.SetTyping)
			conversations.GET("/:id/typing", h.Conversation.Typing)
			conversations.GET("/:id/events", h.Conversation.Events)
		}

		v1.POST("/messages/:id/read", h.Message.MarkRead)

		v1.GET("/unread", h.Presence.Unread)
		v1.PUT("/presence", h.Presence.SetPresence)
		v1.POST("/presence/heartbeat", h.Presence.Heartbeat)
		v1.GET("/users/:username", h.Presence.GetUser)
	}

	return r
}
