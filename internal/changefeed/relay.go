package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher Relay 需要的发布能力
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ContentLoader 按 ID 读取消息内容，用于补全 partial 通知
type ContentLoader interface {
	MessageContent(ctx context.Context, id int64) (string, error)
}

// pgContentLoader 直接查 messages 表，relay 不受参与者限制
type pgContentLoader struct {
	db *pgxpool.Pool
}

func (l pgContentLoader) MessageContent(ctx context.Context, id int64) (string, error) {
	var content string
	err := l.db.QueryRow(ctx, `SELECT content FROM messages WHERE id = $1`, id).Scan(&content)
	return content, err
}

// Relay 将 PostgreSQL 行级通知转发到 NATS
// 只使用一个连接和一个协程，发布顺序即提交顺序
type Relay struct {
	db        *pgxpool.Pool
	channel   string
	publisher Publisher
	contents  ContentLoader
	retryWait time.Duration
	logger    *slog.Logger
}

// NewRelay 创建 Relay
func NewRelay(db *pgxpool.Pool, channel string, publisher Publisher) *Relay {
	return &Relay{
		db:        db,
		channel:   channel,
		publisher: publisher,
		contents:  pgContentLoader{db: db},
		retryWait: 2 * time.Second,
		logger:    slog.Default(),
	}
}

// Run 阻塞运行直到 ctx 结束；连接断开后重新 LISTEN，断开期间的通知会丢失
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("Relay listener stopped, retrying", "channel", r.channel, "error", err, "retryWait", r.retryWait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryWait):
		}
	}
}

func (r *Relay) listen(ctx context.Context) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+r.channel); err != nil {
		return err
	}
	r.logger.Info("Relay listening", "channel", r.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.Forward(ctx, []byte(n.Payload))
	}
}

// Forward 解析单条通知并发布到作用域 Subject，失败只记录日志
func (r *Relay) Forward(ctx context.Context, payload []byte) {
	var ce ChangeEvent
	if err := json.Unmarshal(payload, &ce); err != nil {
		r.logger.Warn("Failed to unmarshal notification", "error", err)
		return
	}

	if ce.Partial {
		completed, err := r.complete(ctx, ce)
		if err != nil {
			r.logger.Error("Failed to complete partial notification", "table", ce.Table, "error", err)
			return
		}
		payload = completed
	}

	subject, err := SubjectFor(ce)
	if err != nil {
		if errors.Is(err, ErrUnknownTable) {
			r.logger.Debug("Ignoring notification", "table", ce.Table)
		} else {
			r.logger.Warn("Failed to resolve subject", "table", ce.Table, "error", err)
		}
		return
	}

	if err := r.publisher.Publish(subject, payload); err != nil {
		r.logger.Error("Failed to publish change", "subject", subject, "error", err)
		return
	}
	r.logger.Debug("Relayed change", "subject", subject, "eventKind", ce.EventKind)
}

// complete 为去掉 content 的消息通知回表补全内容
// 只补全 new，old 仅用于判断已读状态变化
func (r *Relay) complete(ctx context.Context, ce ChangeEvent) ([]byte, error) {
	if ce.Table == TableMessages && !isNull(ce.New) {
		if r.contents == nil {
			return nil, errors.New("no content loader configured")
		}

		var row map[string]json.RawMessage
		if err := json.Unmarshal(ce.New, &row); err != nil {
			return nil, err
		}
		var id int64
		if err := json.Unmarshal(row["id"], &id); err != nil {
			return nil, fmt.Errorf("decode message id: %w", err)
		}

		content, err := r.contents.MessageContent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load message %d: %w", id, err)
		}
		if row["content"], err = json.Marshal(content); err != nil {
			return nil, err
		}
		if ce.New, err = json.Marshal(row); err != nil {
			return nil, err
		}
	}

	ce.Partial = false
	return json.Marshal(ce)
}
