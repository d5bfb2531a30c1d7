package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.is_read, m.delivered_at, m.read_at, m.created_at`

// MessageRepository 消息仓库
// 参与者校验在 SQL 中完成：只有会话参与者可以读写该会话的消息
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository 创建消息仓库
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var msg model.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.IsRead,
		&msg.DeliveredAt,
		&msg.ReadAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// Create 创建消息，delivered_at 在创建时写入
// 发送者不是会话参与者时不插入任何行，返回 ErrAuthorization
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages AS m (id, conversation_id, sender_id, content, is_read, delivered_at, created_at)
		SELECT $1, c.id, $3, $4, FALSE, NOW(), NOW()
		FROM conversations c
		WHERE c.id = $2 AND $3 IN (c.participant_1, c.participant_2)
		RETURNING ` + messageColumns

	created, err := scanMessage(r.db.QueryRow(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
	))
	if err != nil {
		if appErrors.Is(err, appErrors.ErrNotFound) {
			return appErrors.ErrAuthorization.Wrap(errors.New("sender is not a participant of the conversation"))
		}
		return err
	}

	*msg = *created
	return nil
}

// FindByID 根据 ID 查找消息（仅参与者可见）
func (r *MessageRepository) FindByID(ctx context.Context, viewerID, id int64) (*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1 AND $2 IN (c.participant_1, c.participant_2)
	`
	return scanMessage(r.db.QueryRow(ctx, query, id, viewerID))
}

// ListByConversation 按创建时间升序返回会话消息
// q.Limit > 0 时返回游标之前最近的 Limit 条，结果仍为升序
func (r *MessageRepository) ListByConversation(ctx context.Context, viewerID, conversationID int64, q model.HistoryQuery) ([]*model.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if q.All() {
		query := `
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE m.conversation_id = $1 AND $2 IN (c.participant_1, c.participant_2)
			ORDER BY m.created_at ASC, m.id ASC
		`
		rows, err = r.db.Query(ctx, query, conversationID, viewerID)
	} else {
		// 子查询倒序取最近 N 条，再整体升序
		query := `
			SELECT * FROM (
				SELECT ` + messageColumns + `
				FROM messages m
				JOIN conversations c ON c.id = m.conversation_id
				WHERE m.conversation_id = $1
				  AND $2 IN (c.participant_1, c.participant_2)
				  AND ($3::BIGINT <= 0 OR m.id < $3)
				ORDER BY m.created_at DESC, m.id DESC
				LIMIT NULLIF($4, 0)
			) page
			ORDER BY created_at ASC, id ASC
		`
		rows, err = r.db.Query(ctx, query, conversationID, viewerID, q.Before, q.Limit)
	}
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	messages := make([]*model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, translate(rows.Err())
}

// MarkRead 接收方标记已读，幂等
// 已读消息不会再次更新，read_at 保持第一次写入的值
func (r *MessageRepository) MarkRead(ctx context.Context, readerID, id int64) (*model.Message, error) {
	query := `
		UPDATE messages AS m
		SET is_read = TRUE, read_at = NOW()
		FROM conversations c
		WHERE m.id = $1
		  AND c.id = m.conversation_id
		  AND $2 IN (c.participant_1, c.participant_2)
		  AND m.sender_id <> $2
		  AND m.read_at IS NULL
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.db.QueryRow(ctx, query, id, readerID))
	if err == nil {
		return msg, nil
	}
	if !appErrors.Is(err, appErrors.ErrNotFound) {
		return nil, err
	}

	// 没有行被更新：已读、不存在、或无权限
	current, err := r.FindByID(ctx, readerID, id)
	if err != nil {
		return nil, err
	}
	if current.SenderID == readerID {
		return nil, appErrors.ErrAuthorization.Wrap(errors.New("sender cannot mark own message as read"))
	}
	return current, nil
}

// CountUnread 统计会话中发给 userID 的未读消息数
func (r *MessageRepository) CountUnread(ctx context.Context, conversationID, userID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND is_read = FALSE AND sender_id <> $2
	`
	var count int
	err := r.db.QueryRow(ctx, query, conversationID, userID).Scan(&count)
	return count, translate(err)
}
