package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/model"
)

const profileColumns = `id, username, email, avatar_url, is_online, last_seen, created_at, updated_at`

// ProfileRepository 用户资料仓库
// 资料行由外部身份服务创建，这里只读取和维护在线状态
type ProfileRepository struct {
	db *pgxpool.Pool
}

// NewProfileRepository 创建用户资料仓库
func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Email,
		&p.AvatarURL,
		&p.IsOnline,
		&p.LastSeen,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// FindByID 根据 ID 查找用户
func (r *ProfileRepository) FindByID(ctx context.Context, id int64) (*model.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	return scanProfile(r.db.QueryRow(ctx, query, id))
}

// FindByUsername 根据用户名查找用户
func (r *ProfileRepository) FindByUsername(ctx context.Context, username string) (*model.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE username = $1`
	return scanProfile(r.db.QueryRow(ctx, query, username))
}

// SetPresence 更新在线状态与最后在线时间（只能修改自己的资料）
func (r *ProfileRepository) SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) (*model.Profile, error) {
	query := `
		UPDATE profiles
		SET is_online = $2, last_seen = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + profileColumns
	return scanProfile(r.db.QueryRow(ctx, query, userID, online, lastSeen))
}
