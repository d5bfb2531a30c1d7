package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/model"
)

const conversationColumns = `id, participant_1, participant_2, created_at, updated_at`

// ConversationRepository 会话仓库
type ConversationRepository struct {
	db *pgxpool.Pool
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID,
		&c.Participant1,
		&c.Participant2,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// FindByPair 按无序用户对查找会话，走 (LEAST, GREATEST) 唯一索引
func (r *ConversationRepository) FindByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	lo, hi := model.CanonicalPair(userA, userB)
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE LEAST(participant_1, participant_2) = $1
		  AND GREATEST(participant_1, participant_2) = $2
	`
	return scanConversation(r.db.QueryRow(ctx, query, lo, hi))
}

// FindByID 根据 ID 查找会话
func (r *ConversationRepository) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(r.db.QueryRow(ctx, query, id))
}

// Create 创建会话，用户对已存在时返回 ErrConflict
func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_1, participant_2, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		conv.ID,
		conv.Participant1,
		conv.Participant2,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	return translate(err)
}

// ListForUser 列出用户参与的所有会话，最近活跃的在前
func (r *ConversationRepository) ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_1 = $1 OR participant_2 = $1
		ORDER BY updated_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var conversations []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, translate(rows.Err())
}
