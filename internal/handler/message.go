package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/service"
	appErrors "sudooom.im.chat/pkg/errors"
	"sudooom.im.chat/pkg/response"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	messages *service.MessageStore
	logger   *slog.Logger
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(messages *service.MessageStore) *MessageHandler {
	return &MessageHandler{messages: messages, logger: slog.Default()}
}

// MarkRead 接收方标记已读，重复调用返回相同的 readAt
// POST /api/v1/messages/:id/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID := middleware.GetUserID(c)
	messageID, ok := paramID(c)
	if !ok {
		return
	}

	msg, err := h.messages.MarkRead(c.Request.Context(), userID, messageID)
	if err != nil {
		if appErrors.GetCode(err) >= appErrors.CodeServerError {
			h.logger.Error("Failed to mark message read", "userId", userID, "messageId", messageID, "error", err)
		}
		response.ErrorFromAppError(c, err)
		return
	}

	response.Success(c, messageView(msg))
}
