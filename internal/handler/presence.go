package handler

import (
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/service"
	appErrors "sudooom.im.chat/pkg/errors"
	"sudooom.im.chat/pkg/response"
)

// PresenceHandler 在线状态与未读数处理器
type PresenceHandler struct {
	presence *service.PresenceTracker
	unread   *service.UnreadAggregator
	logger   *slog.Logger
}

// NewPresenceHandler 创建处理器
func NewPresenceHandler(presence *service.PresenceTracker, unread *service.UnreadAggregator) *PresenceHandler {
	return &PresenceHandler{presence: presence, unread: unread, logger: slog.Default()}
}

// SetPresenceRequest 在线状态请求
type SetPresenceRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// SetPresence 上线 / 下线
// PUT /api/v1/presence
func (h *PresenceHandler) SetPresence(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req SetPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidParams, err.Error())
		return
	}

	var err error
	if *req.Online {
		_, err = h.presence.SetOnline(c.Request.Context(), userID)
	} else {
		_, err = h.presence.SetOffline(c.Request.Context(), userID)
	}
	if err != nil {
		h.fail(c, "presence", err)
		return
	}

	response.Success(c, gin.H{"online": *req.Online, "ttl": int(h.presence.TTL().Seconds())})
}

// Heartbeat 刷新在线心跳
// POST /api/v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	if err := h.presence.Heartbeat(c.Request.Context(), middleware.GetUserID(c)); err != nil {
		h.fail(c, "heartbeat", err)
		return
	}
	response.Success(c, nil)
}

// Unread 按对端用户汇总的未读数
// GET /api/v1/unread
func (h *PresenceHandler) Unread(c *gin.Context) {
	counts, err := h.unread.Recompute(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.fail(c, "unread", err)
		return
	}

	// JSON 对象的 key 只能是字符串
	result := make(map[string]int, len(counts))
	for peerID, n := range counts {
		result[strconv.FormatInt(peerID, 10)] = n
	}
	response.Success(c, gin.H{"unread": result})
}

// GetUser 按用户名查询资料与在线状态
// GET /api/v1/users/:username
func (h *PresenceHandler) GetUser(c *gin.Context) {
	profile, err := h.presence.Lookup(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.fail(c, "lookup", err)
		return
	}

	online, err := h.presence.IsOnline(c.Request.Context(), profile.ID)
	if err != nil {
		h.fail(c, "lookup", err)
		return
	}

	response.Success(c, gin.H{
		"id":        profile.ID,
		"username":  profile.Username,
		"avatarUrl": profile.AvatarURL,
		"isOnline":  online,
		"lastSeen":  profile.LastSeen,
	})
}

func (h *PresenceHandler) fail(c *gin.Context, op string, err error) {
	if appErrors.GetCode(err) >= appErrors.CodeServerError {
		h.logger.Error("Request failed", "op", op, "userId", middleware.GetUserID(c), "error", err)
	}
	response.ErrorFromAppError(c, err)
}
