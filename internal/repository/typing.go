package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

// TypingRepository 输入状态仓库
type TypingRepository struct {
	db *pgxpool.Pool
}

// NewTypingRepository 创建输入状态仓库
func NewTypingRepository(db *pgxpool.Pool) *TypingRepository {
	return &TypingRepository{db: db}
}

// Upsert 按 (conversation_id, user_id) 插入或原地更新
// id 只在首次插入时使用，已存在的行保留原 id
func (r *TypingRepository) Upsert(ctx context.Context, indicator *model.TypingIndicator) error {
	query := `
		INSERT INTO typing_indicators (id, conversation_id, user_id, is_typing, updated_at)
		SELECT $1, c.id, $3, $4, NOW()
		FROM conversations c
		WHERE c.id = $2 AND $3 IN (c.participant_1, c.participant_2)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at
		RETURNING id, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		indicator.ID,
		indicator.ConversationID,
		indicator.UserID,
		indicator.IsTyping,
	).Scan(&indicator.ID, &indicator.UpdatedAt)

	err = translate(err)
	if appErrors.Is(err, appErrors.ErrNotFound) {
		return appErrors.ErrAuthorization.Wrap(errors.New("user is not a participant of the conversation"))
	}
	return err
}

// FindByConversation 获取会话中所有参与者的输入状态
func (r *TypingRepository) FindByConversation(ctx context.Context, viewerID, conversationID int64) ([]*model.TypingIndicator, error) {
	query := `
		SELECT t.id, t.conversation_id, t.user_id, t.is_typing, t.updated_at
		FROM typing_indicators t
		JOIN conversations c ON c.id = t.conversation_id
		WHERE t.conversation_id = $1 AND $2 IN (c.participant_1, c.participant_2)
	`
	rows, err := r.db.Query(ctx, query, conversationID, viewerID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var indicators []*model.TypingIndicator
	for rows.Next() {
		var t model.TypingIndicator
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UserID, &t.IsTyping, &t.UpdatedAt); err != nil {
			return nil, translate(err)
		}
		indicators = append(indicators, &t)
	}
	return indicators, translate(rows.Err())
}
