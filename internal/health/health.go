package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateDisabled     = "disabled" // 未配置该依赖（例如内存模式）
)

// Status 健康状态
type Status struct {
	NATS     string `json:"nats"`
	Redis    string `json:"redis"`
	Database string `json:"database"`
}

// Healthy 所有已配置的依赖均可用
func (s *Status) Healthy() bool {
	for _, state := range []string{s.NATS, s.Redis, s.Database} {
		if state == StateDisconnected {
			return false
		}
	}
	return true
}

// Connection NATS 连接状态
type Connection interface {
	IsConnected() bool
}

// Pinger 数据库连接探测，*pgxpool.Pool 满足该接口
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker 健康检查器，未配置的依赖传 nil
type Checker struct {
	nc          Connection
	redisClient redis.Cmdable
	db          Pinger
	timeout     time.Duration
}

// NewChecker 创建健康检查器
func NewChecker(nc Connection, redisClient redis.Cmdable, db Pinger) *Checker {
	return &Checker{
		nc:          nc,
		redisClient: redisClient,
		db:          db,
		timeout:     2 * time.Second,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{NATS: StateDisabled, Redis: StateDisabled, Database: StateDisabled}

	if h.nc != nil {
		status.NATS = state(h.nc.IsConnected())
	}

	if h.redisClient != nil {
		redisCtx, cancel := context.WithTimeout(ctx, h.timeout)
		status.Redis = state(h.redisClient.Ping(redisCtx).Err() == nil)
		cancel()
	}

	if h.db != nil {
		dbCtx, cancel := context.WithTimeout(ctx, h.timeout)
		status.Database = state(h.db.Ping(dbCtx) == nil)
		cancel()
	}

	return status
}

func state(ok bool) string {
	if ok {
		return StateConnected
	}
	return StateDisconnected
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Handle gin 路由入口
func (h *Checker) Handle(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}
