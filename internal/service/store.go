package service

import (
	"context"
	"time"

	"sudooom.im.chat/internal/model"
)

// 服务层依赖的存储能力，由 repository（PostgreSQL）和 memstore 实现

// ConversationStore 会话存储
type ConversationStore interface {
	FindByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	FindByID(ctx context.Context, id int64) (*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error
	ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error)
}

// MessageRepository 消息存储
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	FindByID(ctx context.Context, viewerID, id int64) (*model.Message, error)
	ListByConversation(ctx context.Context, viewerID, conversationID int64, q model.HistoryQuery) ([]*model.Message, error)
	MarkRead(ctx context.Context, readerID, id int64) (*model.Message, error)
	CountUnread(ctx context.Context, conversationID, userID int64) (int, error)
}

// TypingRepository 输入状态存储
type TypingRepository interface {
	Upsert(ctx context.Context, indicator *model.TypingIndicator) error
	FindByConversation(ctx context.Context, viewerID, conversationID int64) ([]*model.TypingIndicator, error)
}

// ProfileRepository 用户资料存储
type ProfileRepository interface {
	FindByID(ctx context.Context, id int64) (*model.Profile, error)
	FindByUsername(ctx context.Context, username string) (*model.Profile, error)
	SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) (*model.Profile, error)
}

// IDGenerator 主键生成器
type IDGenerator interface {
	NextID() int64
}
