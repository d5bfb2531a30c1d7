package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"` // 雪花ID节点号
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 构建 PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr 获取 Redis 地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin 模式: debug / release / test
}

type JWTConfig struct {
	SecretKey    string        `mapstructure:"secret_key"`
	AccessExpire time.Duration `mapstructure:"access_expire"`
}

// ChatConfig 会话同步核心参数
type ChatConfig struct {
	TypingTimeout      time.Duration `mapstructure:"typing_timeout"`       // 本地输入防抖，停止输入后多久发送 false
	TypingStaleAfter   time.Duration `mapstructure:"typing_stale_after"`   // 读取方忽略超过该时长未刷新的输入指示
	ResolveMaxAttempts int           `mapstructure:"resolve_max_attempts"` // 会话并发创建冲突的最大尝试次数
	HistoryPageSize    int           `mapstructure:"history_page_size"`    // 0 表示加载全部历史
	PresenceTTL        time.Duration `mapstructure:"presence_ttl"`         // 在线心跳 TTL
	WorkerCount        int           `mapstructure:"worker_count"`
	QueueSize          int           `mapstructure:"queue_size"`
	EventBuffer        int           `mapstructure:"event_buffer"` // 每个订阅的事件缓冲
}

// setDefaults 默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "im-chat")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "im_chat")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")

	v.SetDefault("jwt.access_expire", 24*time.Hour)

	v.SetDefault("chat.typing_timeout", 2*time.Second)
	v.SetDefault("chat.typing_stale_after", 5*time.Second)
	v.SetDefault("chat.resolve_max_attempts", 3)
	v.SetDefault("chat.history_page_size", 0)
	v.SetDefault("chat.presence_ttl", 2*time.Minute)
	v.SetDefault("chat.worker_count", 4)
	v.SetDefault("chat.queue_size", 256)
	v.SetDefault("chat.event_buffer", 128)
}

// Load 从指定路径加载配置，环境变量 CHAT_<SECTION>_<KEY> 覆盖文件
// configPath 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验关键参数
func (c *Config) Validate() error {
	if c.Chat.ResolveMaxAttempts < 1 {
		return fmt.Errorf("chat.resolve_max_attempts must be >= 1, got %d", c.Chat.ResolveMaxAttempts)
	}
	if c.Chat.TypingTimeout <= 0 {
		return fmt.Errorf("chat.typing_timeout must be positive")
	}
	if c.Chat.TypingStaleAfter > 0 && c.Chat.TypingStaleAfter < c.Chat.TypingTimeout {
		return fmt.Errorf("chat.typing_stale_after (%s) must not be shorter than chat.typing_timeout (%s)",
			c.Chat.TypingStaleAfter, c.Chat.TypingTimeout)
	}
	return nil
}
