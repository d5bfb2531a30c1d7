package service

import (
	"context"
	"time"

	"sudooom.im.chat/internal/model"
)

// TypingTracker 输入状态：按 (conversation, user) upsert 的布尔信箱
// 读取时以 updated_at 为准，超过 staleAfter 的指示视为未输入，防止客户端崩溃后状态残留
type TypingTracker struct {
	typing     TypingRepository
	ids        IDGenerator
	staleAfter time.Duration
	now        func() time.Time
}

// NewTypingTracker 创建输入状态跟踪器
func NewTypingTracker(typing TypingRepository, ids IDGenerator, staleAfter time.Duration) *TypingTracker {
	return &TypingTracker{
		typing:     typing,
		ids:        ids,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetTyping 写入输入状态
func (t *TypingTracker) SetTyping(ctx context.Context, conversationID, userID int64, isTyping bool) error {
	return t.typing.Upsert(ctx, &model.TypingIndicator{
		ID:             t.ids.NextID(),
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

// StaleAfter 过期阈值
func (t *TypingTracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// IsActive 指示当前是否仍有效
func (t *TypingTracker) IsActive(indicator *model.TypingIndicator) bool {
	return indicator.ActiveAt(t.now(), t.staleAfter)
}

// ActivePeers 返回会话中除 viewer 外正在输入的用户
func (t *TypingTracker) ActivePeers(ctx context.Context, viewerID, conversationID int64) ([]int64, error) {
	indicators, err := t.typing.FindByConversation(ctx, viewerID, conversationID)
	if err != nil {
		return nil, err
	}

	var peers []int64
	for _, indicator := range indicators {
		if indicator.UserID == viewerID {
			continue
		}
		if t.IsActive(indicator) {
			peers = append(peers, indicator.UserID)
		}
	}
	return peers, nil
}
