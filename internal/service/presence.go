package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.chat/internal/model"
	chatRedis "sudooom.im.chat/pkg/redis"
)

// PresenceTracker 在线状态
// profiles 表的 is_online / last_seen 是权威状态；Redis 心跳 Key 带 TTL，
// 客户端崩溃后心跳过期，读取方据此判定离线
type PresenceTracker struct {
	profiles ProfileRepository
	rdb      redis.Cmdable // 可为 nil，此时只使用 profiles 表
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewPresenceTracker 创建在线状态跟踪器
func NewPresenceTracker(profiles ProfileRepository, rdb redis.Cmdable, ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceTracker{
		profiles: profiles,
		rdb:      rdb,
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// TTL 心跳有效期，客户端应以小于该值的间隔调用 Heartbeat
func (p *PresenceTracker) TTL() time.Duration {
	return p.ttl
}

// SetOnline 标记上线并写入心跳
func (p *PresenceTracker) SetOnline(ctx context.Context, userID int64) (*model.Profile, error) {
	now := p.now()
	profile, err := p.profiles.SetPresence(ctx, userID, true, now)
	if err != nil {
		return nil, err
	}
	if err := p.touch(ctx, userID, now); err != nil {
		p.logger.Warn("Failed to write presence heartbeat", "userId", userID, "error", err)
	}
	p.logger.Info("User online", "userId", userID)
	return profile, nil
}

// SetOffline 标记下线并删除心跳
func (p *PresenceTracker) SetOffline(ctx context.Context, userID int64) (*model.Profile, error) {
	profile, err := p.profiles.SetPresence(ctx, userID, false, p.now())
	if err != nil {
		return nil, err
	}
	if p.rdb != nil {
		if err := p.rdb.Del(ctx, chatRedis.BuildPresenceKey(userID)).Err(); err != nil {
			p.logger.Warn("Failed to delete presence heartbeat", "userId", userID, "error", err)
		}
	}
	p.logger.Info("User offline", "userId", userID)
	return profile, nil
}

// Heartbeat 刷新心跳 TTL
func (p *PresenceTracker) Heartbeat(ctx context.Context, userID int64) error {
	return p.touch(ctx, userID, p.now())
}

func (p *PresenceTracker) touch(ctx context.Context, userID int64, at time.Time) error {
	if p.rdb == nil {
		return nil
	}
	return p.rdb.Set(ctx, chatRedis.BuildPresenceKey(userID), at.UnixMilli(), p.ttl).Err()
}

// IsOnline 资料标记在线且心跳未过期
func (p *PresenceTracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	profile, err := p.profiles.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if !profile.IsOnline {
		return false, nil
	}
	if p.rdb == nil {
		return true, nil
	}

	n, err := p.rdb.Exists(ctx, chatRedis.BuildPresenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lookup 按用户名查找资料
func (p *PresenceTracker) Lookup(ctx context.Context, username string) (*model.Profile, error) {
	return p.profiles.FindByUsername(ctx, username)
}
