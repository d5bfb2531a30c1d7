package repository

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	appErrors "sudooom.im.chat/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// ChangeChannel 行级变更通知的 LISTEN 通道名
const ChangeChannel = "chat_changes"

// PostgreSQL SQLSTATE
const (
	sqlStateUniqueViolation       = "23505"
	sqlStateForeignKeyViolation   = "23503"
	sqlStateCheckViolation        = "23514"
	sqlStateInsufficientPrivilege = "42501"
)

// Migrate 应用表结构、索引与触发器
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}

// translate 将驱动错误映射为应用错误分类
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return appErrors.ErrNotFound.Wrap(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return appErrors.ErrConflict.Wrap(err)
		case sqlStateForeignKeyViolation:
			return appErrors.ErrNotFound.Wrap(err)
		case sqlStateCheckViolation:
			return appErrors.ErrValidation.Wrap(err)
		case sqlStateInsufficientPrivilege:
			return appErrors.ErrAuthorization.Wrap(err)
		}
	}
	return appErrors.ErrDBError.Wrap(err)
}
