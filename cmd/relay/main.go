package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sudooom.im.chat/internal/bootstrap"
	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/health"
	imNats "sudooom.im.chat/internal/nats"
	"sudooom.im.chat/internal/repository"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
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

	// 连接数据库
	db, err := bootstrap.ConnectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	if err := repository.Migrate(ctx, db); err != nil {
		logger.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("Schema applied")

	// 连接 NATS
	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	relay := changefeed.NewRelay(db, repository.ChangeChannel, changefeed.NewNATSTransport(natsClient))
	relayDone := make(chan error, 1)
	go func() {
		relayDone <- relay.Run(ctx)
	}()

	// 健康检查
	healthChecker := health.NewChecker(natsClient, nil, db)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: healthChecker,
	}
	go func() {
		logger.Info("Health check server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed", "error", err)
		}
	}()

	logger.Info("Relay service started", "name", cfg.App.Name, "channel", repository.ChangeChannel)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-relayDone:
		logger.Error("Relay stopped unexpectedly", "error", err)
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown health server", "error", err)
	}
	logger.Info("Relay service stopped")
}
