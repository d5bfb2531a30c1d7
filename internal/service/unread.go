package service

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/model"
	chatRedis "sudooom.im.chat/pkg/redis"
)

// UnreadCounter 统计单个会话的未读数
type UnreadCounter interface {
	CountUnread(ctx context.Context, conversationID, userID int64) (int, error)
}

// ConversationLister 列出用户参与的会话
type ConversationLister interface {
	ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error)
}

// EventSource 变更事件流，*changefeed.Feed 实现
type EventSource interface {
	Events() <-chan changefeed.Event
	Err() error
}

// UnreadAggregator 按对端用户汇总未读数
// 任意消息变更都触发全量重算，每个会话一次计数查询
type UnreadAggregator struct {
	convs    ConversationLister
	messages UnreadCounter
	rdb      redis.Cmdable // 可为 nil，不写快照
	logger   *slog.Logger
}

// NewUnreadAggregator 创建未读数汇总器
func NewUnreadAggregator(convs ConversationLister, messages UnreadCounter, rdb redis.Cmdable) *UnreadAggregator {
	return &UnreadAggregator{
		convs:    convs,
		messages: messages,
		rdb:      rdb,
		logger:   slog.Default(),
	}
}

// Recompute 返回 peerId -> 未读数，有会话的对端都会出现，没有未读时为 0
func (a *UnreadAggregator) Recompute(ctx context.Context, userID int64) (map[int64]int, error) {
	convs, err := a.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]int, len(convs))
	for _, conv := range convs {
		peerID := conv.PeerOf(userID)
		if peerID == 0 {
			continue
		}
		n, err := a.messages.CountUnread(ctx, conv.ID, userID)
		if err != nil {
			return nil, err
		}
		counts[peerID] = n
	}

	if a.rdb != nil {
		if err := a.store(ctx, userID, counts); err != nil {
			a.logger.Warn("Failed to store unread snapshot", "userId", userID, "error", err)
		}
	}
	return counts, nil
}

// store 用事务 Pipeline 整体替换快照，读取方不会看到半写状态
func (a *UnreadAggregator) store(ctx context.Context, userID int64, counts map[int64]int) error {
	key := chatRedis.BuildUnreadKey(userID)
	pipe := a.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(counts) > 0 {
		pipe.HSet(ctx, key, chatRedis.EncodeUnread(counts))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot 读取最近一次重算写入 Redis 的快照
func (a *UnreadAggregator) Snapshot(ctx context.Context, userID int64) (map[int64]int, error) {
	if a.rdb == nil {
		return a.Recompute(ctx, userID)
	}
	fields, err := a.rdb.HGetAll(ctx, chatRedis.BuildUnreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return chatRedis.DecodeUnread(fields), nil
}

// Watch 先计算一次，之后每个消息事件触发重算并回调 onChange
// 已积压的多个事件合并为一次重算；事件流关闭时返回其错误
func (a *UnreadAggregator) Watch(ctx context.Context, userID int64, source EventSource, onChange func(map[int64]int)) error {
	a.recomputeAndNotify(ctx, userID, onChange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-source.Events():
			if !ok {
				return source.Err()
			}
			if changefeed.Table(ev) != changefeed.TableMessages {
				continue
			}
			if !a.drain(source) {
				a.recomputeAndNotify(ctx, userID, onChange)
				return source.Err()
			}
			a.recomputeAndNotify(ctx, userID, onChange)
		}
	}
}

// drain 丢弃已积压的事件，返回事件流是否仍然打开
func (a *UnreadAggregator) drain(source EventSource) bool {
	for {
		select {
		case _, ok := <-source.Events():
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (a *UnreadAggregator) recomputeAndNotify(ctx context.Context, userID int64, onChange func(map[int64]int)) {
	counts, err := a.Recompute(ctx, userID)
	if err != nil {
		a.logger.Error("Failed to recompute unread counts", "userId", userID, "error", err)
		return
	}
	if onChange != nil {
		onChange(counts)
	}
}
