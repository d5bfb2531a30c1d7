package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/memstore"
	"sudooom.im.chat/internal/repository"
	"sudooom.im.chat/internal/service"
)

// NewLogger 创建 JSON 日志并设为默认
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// ConnectDatabase 连接 PostgreSQL
func ConnectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ConnectRedis 连接 Redis
func ConnectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Stores 服务层使用的存储实现
type Stores struct {
	Conversations service.ConversationStore
	Messages      service.MessageRepository
	Typing        service.TypingRepository
	Profiles      service.ProfileRepository
}

// PostgresStores PostgreSQL 存储
func PostgresStores(db *pgxpool.Pool) Stores {
	return Stores{
		Conversations: repository.NewConversationRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Typing:        repository.NewTypingRepository(db),
		Profiles:      repository.NewProfileRepository(db),
	}
}

// MemoryStores 进程内存储
func MemoryStores(store *memstore.Store) Stores {
	return Stores{
		Conversations: store.Conversations,
		Messages:      store.Messages,
		Typing:        store.Typing,
		Profiles:      store.Profiles,
	}
}

// Services 会话同步核心的服务集合
type Services struct {
	Resolver *service.ConversationResolver
	Messages *service.MessageStore
	Typing   *service.TypingTracker
	Presence *service.PresenceTracker
	Unread   *service.UnreadAggregator
}

// NewServices 按配置组装服务，rdb 为 nil 时不使用 Redis
func NewServices(cfg config.ChatConfig, stores Stores, ids service.IDGenerator, rdb redis.Cmdable) *Services {
	return &Services{
		Resolver: service.NewConversationResolver(stores.Conversations, ids, cfg.ResolveMaxAttempts),
		Messages: service.NewMessageStore(stores.Messages, ids),
		Typing:   service.NewTypingTracker(stores.Typing, ids, cfg.TypingStaleAfter),
		Presence: service.NewPresenceTracker(stores.Profiles, rdb, cfg.PresenceTTL),
		Unread:   service.NewUnreadAggregator(stores.Conversations, stores.Messages, rdb),
	}
}
