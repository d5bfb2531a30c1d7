package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sudooom.im.chat/internal/bootstrap"
	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/health"
	"sudooom.im.chat/internal/memstore"
	"sudooom.im.chat/internal/model"
	imNats "sudooom.im.chat/internal/nats"
	"sudooom.im.chat/internal/router"
	"sudooom.im.chat/pkg/jwt"
	"sudooom.im.chat/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	memory := flag.Bool("memory", false, "run against an in-process store and transport (development only)")
	seed := flag.String("seed", "alice,bob", "comma separated usernames created in memory mode")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := bootstrap.NewLogger(os.Stdout, cfg.App.LogLevel)

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	jwtService := jwt.NewService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire)

	var (
		services *bootstrap.Services
		feeds    *changefeed.Multiplexer
		checker  *health.Checker
	)

	if *memory {
		transport := changefeed.NewMemoryTransport()
		store := memstore.New(transport)
		seedProfiles(logger, store, jwtService, *seed)

		services = bootstrap.NewServices(cfg.Chat, bootstrap.MemoryStores(store), node, nil)
		feeds = changefeed.NewMultiplexer(transport, cfg.Chat.EventBuffer)
		checker = health.NewChecker(nil, nil, nil)
		logger.Warn("Running with in-memory store, data is lost on exit")
	} else {
		// 连接数据库
		db, err := bootstrap.ConnectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

		// 连接 Redis
		redisClient := bootstrap.ConnectRedis(cfg.Redis)
		defer redisClient.Close()
		logger.Info("Connected to Redis", "host", cfg.Redis.Host)

		// 连接 NATS
		natsClient, err := imNats.NewClient(cfg.NATS)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		services = bootstrap.NewServices(cfg.Chat, bootstrap.PostgresStores(db), node, redisClient)
		feeds = changefeed.NewMultiplexer(changefeed.NewNATSTransport(natsClient), cfg.Chat.EventBuffer)
		checker = health.NewChecker(natsClient, redisClient, db)
	}
	defer feeds.Close()

	engine := router.SetupRouter(cfg.HTTP.Mode, jwtService, router.Handlers{
		Conversation: handler.NewConversationHandler(
			services.Resolver,
			services.Messages,
			services.Typing,
			feeds,
			cfg.Chat.HistoryPageSize,
		),
		Message:  handler.NewMessageHandler(services.Messages),
		Presence: handler.NewPresenceHandler(services.Presence, services.Unread),
		Health:   checker,
	})

	server := newHTTPServer(cfg.HTTP.Addr, engine)
	go func() {
		logger.Info("Gateway HTTP server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway HTTP server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("Gateway service started", "name", cfg.App.Name, "memory", *memory)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	// 先关闭订阅，让 SSE 连接结束
	feeds.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", "error", err)
	}
	cancel()
	logger.Info("Gateway service stopped")
}

// newHTTPServer Shutdown 时取消所有请求的 ctx，SSE 长连接随之结束
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

// seedProfiles 内存模式下创建测试用户并打印访问令牌
func seedProfiles(logger *slog.Logger, store *memstore.Store, jwtService *jwt.Service, usernames string) {
	var id int64 = 1000
	for _, name := range strings.Split(usernames, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id++
		if err := store.Profiles.Put(model.Profile{ID: id, Username: name, Email: name + "@localhost"}); err != nil {
			logger.Error("Failed to seed profile", "username", name, "error", err)
			continue
		}
		token, _, err := jwtService.Issue(id, "dev")
		if err != nil {
			logger.Error("Failed to issue token", "username", name, "error", err)
			continue
		}
		logger.Info("Seeded profile", "userId", id, "username", name, "token", token)
	}
}
