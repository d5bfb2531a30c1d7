package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

// MessageStore 会话内消息的追加、读取与已读
type MessageStore struct {
	messages MessageRepository
	ids      IDGenerator
	logger   *slog.Logger
}

// NewMessageStore 创建消息服务
func NewMessageStore(messages MessageRepository, ids IDGenerator) *MessageStore {
	return &MessageStore{
		messages: messages,
		ids:      ids,
		logger:   slog.Default(),
	}
}

// Append 追加消息，内容去除首尾空白后不能为空
// 参与者校验由存储完成，这里不重复
func (s *MessageStore) Append(ctx context.Context, conversationID, senderID int64, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, appErrors.ErrValidation.WithMessage("message content is empty")
	}
	if len(content) > model.MaxContentBytes {
		return nil, appErrors.ErrContentTooLong.WithMessage(
			fmt.Sprintf("message content exceeds %d bytes", model.MaxContentBytes))
	}

	msg := &model.Message{
		ID:             s.ids.NextID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	s.logger.Debug("Message appended",
		"messageId", msg.ID,
		"conversationId", conversationID,
		"senderId", senderID)
	return msg, nil
}

// LoadHistory 按创建时间升序返回历史消息，零值查询返回全部
func (s *MessageStore) LoadHistory(ctx context.Context, viewerID, conversationID int64, q model.HistoryQuery) ([]*model.Message, error) {
	return s.messages.ListByConversation(ctx, viewerID, conversationID, q)
}

// MarkRead 标记已读，重复调用不报错且 read_at 不变
func (s *MessageStore) MarkRead(ctx context.Context, readerID, messageID int64) (*model.Message, error) {
	return s.messages.MarkRead(ctx, readerID, messageID)
}

// MarkHistoryRead 按顺序逐条标记对方发来的未读消息，返回更新后的消息
// 单条失败只记录日志，ctx 取消时停止
func (s *MessageStore) MarkHistoryRead(ctx context.Context, readerID int64, history []*model.Message) []*model.Message {
	var updated []*model.Message
	for _, msg := range history {
		if !msg.IsUnreadFor(readerID) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		read, err := s.messages.MarkRead(ctx, readerID, msg.ID)
		if err != nil {
			s.logger.Error("Failed to mark message read",
				"messageId", msg.ID,
				"readerId", readerID,
				"error", err)
			continue
		}
		updated = append(updated, read)
	}
	return updated
}
