package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Firestore  FirestoreConfig  `mapstructure:"firestore"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Snowflake  SnowflakeConfig  `mapstructure:"snowflake"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Mode         string   `mapstructure:"mode"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	// MaxConcurrent 同时处理的 HTTP 请求上限，0 表示不限
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"` // json | text
	Output   string `mapstructure:"output"` // stdout | file
	FilePath string `mapstructure:"file_path"`
}

// StoreConfig 选择消息存储后端
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | redis | postgres | firestore
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// DSN 构建 PostgreSQL DSN
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", c.Host, c.Port, c.User, c.Password, c.DBName)
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// KafkaConfig 生命周期事件的投递配置，Brokers 为空时不启用
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoffMs int      `mapstructure:"retry_backoff_ms"`
}

// Enabled reports whether an event producer should be created.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

type FeedConfig struct {
	TTL                   time.Duration `mapstructure:"ttl"`
	GroupWindow           time.Duration `mapstructure:"group_window"`
	MaxContentLength      int           `mapstructure:"max_content_length"`
	ResubscribeBackoff    time.Duration `mapstructure:"resubscribe_backoff"`
	ResubscribeMaxBackoff time.Duration `mapstructure:"resubscribe_max_backoff"`
}

type ModerationConfig struct {
	ReportThreshold int64 `mapstructure:"report_threshold"`
}

// SweeperConfig 过期消息清理
// Cron 非空时优先于 Interval
type SweeperConfig struct {
	Interval   time.Duration  `mapstructure:"interval"`
	Cron       string         `mapstructure:"cron"`
	RunOnStart bool           `mapstructure:"run_on_start"`
	Workers    int            `mapstructure:"workers"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	NodeID     string         `mapstructure:"node_id"`
	Nodes      map[string]int `mapstructure:"nodes"` // 节点 -> 权重
}

type RateLimitConfig struct {
	MessagesPerMinute int  `mapstructure:"messages_per_minute"`
	ReportsPerMinute  int  `mapstructure:"reports_per_minute"`
	FailOpen          bool `mapstructure:"fail_open"`
}

type SnowflakeConfig struct {
	NodeID int64 `mapstructure:"node_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.max_concurrent", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("store.driver", "memory")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "cloak")
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.max_open_conns", 20)

	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.collection", "messages")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "cloak.message-events")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff_ms", 100)

	v.SetDefault("feed.ttl", "24h")
	v.SetDefault("feed.group_window", "3m")
	v.SetDefault("feed.max_content_length", 2000)
	v.SetDefault("feed.resubscribe_backoff", "500ms")
	v.SetDefault("feed.resubscribe_max_backoff", "30s")

	v.SetDefault("moderation.report_threshold", 1)

	v.SetDefault("sweeper.interval", "10m")
	v.SetDefault("sweeper.cron", "")
	v.SetDefault("sweeper.run_on_start", true)
	v.SetDefault("sweeper.workers", 4)
	v.SetDefault("sweeper.timeout", "1m")
	v.SetDefault("sweeper.node_id", "")

	v.SetDefault("snowflake.node_id", 0)

	v.SetDefault("ratelimit.messages_per_minute", 30)
	v.SetDefault("ratelimit.reports_per_minute", 20)
	v.SetDefault("ratelimit.fail_open", true)
}

// LoadConfig 读取配置文件，path 为空时只使用默认值与环境变量
// 环境变量形如 CLOAK_STORE_DRIVER=redis
func LoadConfig(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cloak")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	// viper 会把 map 键转成小写，node_id 需与之一致
	config.Sweeper.NodeID = strings.ToLower(config.Sweeper.NodeID)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 检查配置是否自洽
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory", "redis", "postgres", "firestore":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == "firestore" && c.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("firestore.project_id is required for the firestore driver"))
	}
	if c.Feed.TTL <= 0 {
		errs = append(errs, errors.New("feed.ttl must be positive"))
	}
	if c.Feed.GroupWindow < 0 {
		errs = append(errs, errors.New("feed.group_window must not be negative"))
	}
	if c.Feed.MaxContentLength <= 0 {
		errs = append(errs, errors.New("feed.max_content_length must be positive"))
	}
	if c.Moderation.ReportThreshold < 1 {
		errs = append(errs, errors.New("moderation.report_threshold must be at least 1"))
	}
	if c.Sweeper.Cron == "" && c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive when no cron is set"))
	}
	if c.Sweeper.Workers <= 0 {
		errs = append(errs, errors.New("sweeper.workers must be positive"))
	}
	if len(c.Sweeper.Nodes) > 0 {
		weight, ok := c.Sweeper.Nodes[c.Sweeper.NodeID]
		switch {
		case c.Sweeper.NodeID == "":
			errs = append(errs, errors.New("sweeper.node_id is required when sweeper.nodes is set"))
		case !ok:
			errs = append(errs, fmt.Errorf("sweeper.node_id %q is not listed in sweeper.nodes", c.Sweeper.NodeID))
		case weight <= 0:
			errs = append(errs, fmt.Errorf("sweeper.nodes: weight of %q must be positive", c.Sweeper.NodeID))
		}
	}
	if c.Snowflake.NodeID < 0 || c.Snowflake.NodeID > 1023 {
		errs = append(errs, errors.New("snowflake.node_id must be within 0..1023"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置无效: %w", errors.Join(errs...))
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis: the
// redis store, the postgres change bus, or a non-zero rate limit.
func (c *Config) NeedsRedis() bool {
	switch c.Store.Driver {
	case "redis", "postgres":
		return true
	}
	return c.RateLimit.MessagesPerMinute > 0 || c.RateLimit.ReportsPerMinute > 0
}
