package service

import (
	"context"
	"errors"
	"log/slog"

	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

// ConversationResolver 为一对用户查找或创建唯一会话
// 并发首次联系时只依赖存储的唯一约束：插入冲突说明对方已创建，重新查找即可
type ConversationResolver struct {
	convs       ConversationStore
	ids         IDGenerator
	maxAttempts int
	logger      *slog.Logger
}

// NewConversationResolver 创建会话解析器
func NewConversationResolver(convs ConversationStore, ids IDGenerator, maxAttempts int) *ConversationResolver {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ConversationResolver{
		convs:       convs,
		ids:         ids,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// Resolve 返回 {userA, userB} 之间的会话，不存在时以 participant_1=userA 创建
func (r *ConversationResolver) Resolve(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	if userA <= 0 || userB <= 0 {
		return nil, appErrors.ErrValidation.WithMessage("invalid user id")
	}
	if userA == userB {
		return nil, appErrors.ErrValidation.WithMessage("cannot start a conversation with yourself")
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		conv, err := r.convs.FindByPair(ctx, userA, userB)
		if err == nil {
			return conv, nil
		}
		if !appErrors.Is(err, appErrors.ErrNotFound) {
			return nil, err
		}

		conv = &model.Conversation{
			ID:           r.ids.NextID(),
			Participant1: userA,
			Participant2: userB,
		}
		err = r.convs.Create(ctx, conv)
		if err == nil {
			r.logger.Info("Conversation created",
				"conversationId", conv.ID,
				"participant1", userA,
				"participant2", userB)
			return conv, nil
		}
		if !appErrors.Retryable(err) {
			return nil, err
		}

		r.logger.Debug("Conversation created concurrently, retrying lookup",
			"userA", userA,
			"userB", userB,
			"attempt", attempt)
	}

	return nil, appErrors.ErrConflictRetryExhausted.Wrap(
		errors.New("conversation lookup kept missing after insert conflicts"))
}

// ResolveID 只返回会话 ID
func (r *ConversationResolver) ResolveID(ctx context.Context, userA, userB int64) (int64, error) {
	conv, err := r.Resolve(ctx, userA, userB)
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// Get 按 ID 读取会话，viewer 不是参与者时按不存在处理
func (r *ConversationResolver) Get(ctx context.Context, viewerID, conversationID int64) (*model.Conversation, error) {
	conv, err := r.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, appErrors.ErrNotFound
	}
	return conv, nil
}

// List 用户参与的全部会话，最近活跃的在前
func (r *ConversationResolver) List(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	return r.convs.ListForUser(ctx, userID)
}
