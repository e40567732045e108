package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Feed.TTL)
	assert.Equal(t, 3*time.Minute, cfg.Feed.GroupWindow)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.Interval)
	assert.True(t, cfg.Sweeper.RunOnStart)
	assert.Equal(t, int64(1), cfg.Moderation.ReportThreshold)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
[store]
driver = "redis"

[redis]
host = "redis.internal"
port = 6380

[moderation]
report_threshold = 3

[sweeper]
interval = "5m"
node_id = "node-a"

[sweeper.nodes]
node-a = 1
node-b = 2

[kafka]
brokers = ["k1:9092"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, int64(3), cfg.Moderation.ReportThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, map[string]int{"node-a": 1, "node-b": 2}, cfg.Sweeper.Nodes)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestLoadConfig_NodeIDMatchesLowercasedNodes(t *testing.T) {
	path := writeConfig(t, `
[sweeper]
node_id = "Node-A"

[sweeper.nodes]
Node-A = 1
Node-B = 1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Sweeper.NodeID)
	assert.Contains(t, cfg.Sweeper.Nodes, cfg.Sweeper.NodeID)
}

func TestLoadConfig_RejectsUnknownSweeperNode(t *testing.T) {
	path := writeConfig(t, `
[sweeper]
node_id = "node-c"

[sweeper.nodes]
node-a = 1
node-b = 1
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node-c")
}

func TestNeedsRedis(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		posts  int
		report int
		want   bool
	}{
		{"memory without limits", "memory", 0, 0, false},
		{"firestore without limits", "firestore", 0, 0, false},
		{"redis store", "redis", 0, 0, true},
		{"postgres change bus", "postgres", 0, 0, true},
		{"post limit", "memory", 30, 0, true},
		{"report limit only", "memory", 0, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:     StoreConfig{Driver: tt.driver},
				RateLimit: RateLimitConfig{MessagesPerMinute: tt.posts, ReportsPerMinute: tt.report},
			}
			assert.Equal(t, tt.want, cfg.NeedsRedis())
		})
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("CLOAK_STORE_DRIVER", "postgres")
	t.Setenv("CLOAK_POSTGRES_DBNAME", "feed")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Contains(t, cfg.Postgres.DSN(), "dbname=feed")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"firestore without project", func(c *Config) { c.Store.Driver = "firestore" }},
		{"zero ttl", func(c *Config) { c.Feed.TTL = 0 }},
		{"zero threshold", func(c *Config) { c.Moderation.ReportThreshold = 0 }},
		{"no schedule", func(c *Config) { c.Sweeper.Interval = 0 }},
		{"no workers", func(c *Config) { c.Sweeper.Workers = 0 }},
		{"snowflake node out of range", func(c *Config) { c.Snowflake.NodeID = 2048 }},
		{"nodes without node id", func(c *Config) { c.Sweeper.Nodes = map[string]int{"node-a": 1} }},
		{"node id missing from nodes", func(c *Config) {
			c.Sweeper.NodeID = "node-c"
			c.Sweeper.Nodes = map[string]int{"node-a": 1, "node-b": 1}
		}},
		{"zero node weight", func(c *Config) {
			c.Sweeper.NodeID = "node-a"
			c.Sweeper.Nodes = map[string]int{"node-a": 0}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("single node without ring", func(t *testing.T) {
		cfg := base()
		cfg.Sweeper.NodeID = "node-a"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("cron replaces interval", func(t *testing.T) {
		cfg := base()
		cfg.Sweeper.Interval = 0
		cfg.Sweeper.Cron = "*/10 * * * *"
		assert.NoError(t, cfg.Validate())
	})
}
