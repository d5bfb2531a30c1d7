package handler

import (
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/service"
	appErrors "sudooom.im.chat/pkg/errors"
	"sudooom.im.chat/pkg/response"
)

// FeedSubscriber 会话级变更订阅
type FeedSubscriber interface {
	Subscribe(ctx context.Context, scope changefeed.Scope, mask changefeed.Mask) (*changefeed.Feed, error)
}

// ConversationHandler 会话处理器
type ConversationHandler struct {
	resolver *service.ConversationResolver
	messages *service.MessageStore
	typing   *service.TypingTracker
	feeds    FeedSubscriber
	pageSize int
	logger   *slog.Logger
}

// NewConversationHandler 创建会话处理器，pageSize 为 0 时默认返回全部历史
func NewConversationHandler(
	resolver *service.ConversationResolver,
	messages *service.MessageStore,
	typing *service.TypingTracker,
	feeds FeedSubscriber,
	pageSize int,
) *ConversationHandler {
	return &ConversationHandler{
		resolver: resolver,
		messages: messages,
		typing:   typing,
		feeds:    feeds,
		pageSize: pageSize,
		logger:   slog.Default(),
	}
}

// CreateConversationRequest 打开会话请求
type CreateConversationRequest struct {
	PeerID int64 `json:"peerId" binding:"required"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SetTypingRequest 输入状态请求
type SetTypingRequest struct {
	IsTyping *bool `json:"isTyping" binding:"required"`
}

// HistoryRequest 历史消息分页参数
type HistoryRequest struct {
	Before int64 `form:"before" binding:"gte=0"`
	Limit  *int  `form:"limit" binding:"omitempty,gte=0,lte=1000"`
}

// Create 查找或创建与 peer 的会话
// POST /api/v1/conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return
	}

	conv, err := h.resolver.Resolve(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		h.fail(c, "resolve", err)
		return
	}

	response.Success(c, conversationView(conv, userID))
}

// List 当前用户的会话列表
// GET /api/v1/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	convs, err := h.resolver.List(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "list", err)
		return
	}

	result := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		result = append(result, conversationView(conv, userID))
	}
	response.Success(c, gin.H{"list": result})
}

// History 历史消息，按创建时间升序
// GET /api/v1/conversations/:id/messages?before=&limit=
func (h *ConversationHandler) History(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := paramID(c)
	if !ok {
		return
	}

	var req HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return
	}
	q := model.HistoryQuery{Before: req.Before, Limit: h.pageSize}
	if req.Limit != nil {
		q.Limit = *req.Limit
	}

	if _, err := h.resolver.Get(c.Request.Context(), userID, conversationID); err != nil {
		h.fail(c, "history", err)
		return
	}

	msgs, err := h.messages.LoadHistory(c.Request.Context(), userID, conversationID, q)
	if err != nil {
		h.fail(c, "history", err)
		return
	}

	response.Success(c, gin.H{"list": messageViews(msgs)})
}

// Send 发送消息
// POST /api/v1/conversations/:id/messages
func (h *ConversationHandler) Send(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := paramID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return
	}

	msg, err := h.messages.Append(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		h.fail(c, "send", err)
		return
	}

	response.Success(c, messageView(msg))
}

// SetTyping 写入输入状态
// PUT /api/v1/conversations/:id/typing
func (h *ConversationHandler) SetTyping(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := paramID(c)
	if !ok {
		return
	}

	var req SetTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return
	}

	if err := h.typing.SetTyping(c.Request.Context(), conversationID, userID, *req.IsTyping); err != nil {
		h.fail(c, "typing", err)
		return
	}

	response.Success(c, nil)
}

// Typing 会话中正在输入的对端
// GET /api/v1/conversations/:id/typing
func (h *ConversationHandler) Typing(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := paramID(c)
	if !ok {
		return
	}

	peers, err := h.typing.ActivePeers(c.Request.Context(), userID, conversationID)
	if err != nil {
		h.fail(c, "typing", err)
		return
	}
	if peers == nil {
		peers = []int64{}
	}

	response.Success(c, gin.H{"typing": peers})
}

// Events 会话级变更流（Server-Sent Events）
// GET /api/v1/conversations/:id/events
func (h *ConversationHandler) Events(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := paramID(c)
	if !ok {
		return
	}

	conv, err := h.resolver.Get(c.Request.Context(), userID, conversationID)
	if err != nil {
		h.fail(c, "events", err)
		return
	}

	feed, err := h.feeds.Subscribe(c.Request.Context(), changefeed.ConversationScope(conv.ID), changefeed.ConversationMask())
	if err != nil {
		h.fail(c, "events", err)
		return
	}
	defer feed.Close()

	h.logger.Info("Event stream opened", "userId", userID, "scope", feed.Scope().String())

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"conversationId": conv.ID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-feed.Events()
		if !ok {
			if err := feed.Err(); err != nil {
				c.SSEvent("error", gin.H{
					"code":    appErrors.GetCode(err),
					"message": appErrors.GetMessage(err),
				})
			}
			return false
		}
		name, data := h.eventPayload(ev)
		c.SSEvent(name, data)
		return true
	})

	h.logger.Info("Event stream closed", "userId", userID, "scope", feed.Scope().String(), "error", feed.Err())
}

func (h *ConversationHandler) eventPayload(ev changefeed.Event) (string, any) {
	var (
		name string
		data any
	)
	changefeed.Handlers{
		MessageInserted: func(e changefeed.MessageInserted) {
			name, data = "message.inserted", messageView(&e.Message)
		},
		MessageUpdated: func(e changefeed.MessageUpdated) {
			name, data = "message.updated", messageView(&e.Message)
		},
		TypingChanged: func(e changefeed.TypingChanged) {
			indicator := e.Indicator
			name, data = "typing", gin.H{
				"userId":   indicator.UserID,
				"isTyping": h.typing.IsActive(&indicator),
			}
		},
	}.Dispatch(ev)
	return name, data
}

func (h *ConversationHandler) fail(c *gin.Context, op string, err error) {
	if appErrors.GetCode(err) >= appErrors.CodeServerError {
		h.logger.Error("Request failed", "op", op, "userId", middleware.GetUserID(c), "error", err)
	}
	response.ErrorFromAppError(c, err)
}

// paramID 解析路径中的 :id，失败时已写入响应
func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ErrorWithMsg(c, response.CodeInvalidParams, "invalid id")
		return 0, false
	}
	return id, true
}

func conversationView(conv *model.Conversation, userID int64) gin.H {
	return gin.H{
		"id":        conv.ID,
		"peerId":    conv.PeerOf(userID),
		"createdAt": conv.CreatedAt,
		"updatedAt": conv.UpdatedAt,
	}
}

func messageView(msg *model.Message) gin.H {
	return gin.H{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"senderId":       msg.SenderID,
		"content":        msg.Content,
		"isRead":         msg.IsRead,
		"deliveredAt":    msg.DeliveredAt,
		"readAt":         msg.ReadAt,
		"createdAt":      msg.CreatedAt,
		"state":          msg.DeliveryState(),
	}
}

func messageViews(msgs []*model.Message) []gin.H {
	result := make([]gin.H, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, messageView(msg))
	}
	return result
}
