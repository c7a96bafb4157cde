// Package config loads the settings shared by the textsync executables: defaults, then an optional YAML file,
// then TEXTSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/astromechza/textsync/pkg/client"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/pending"
	"github.com/astromechza/textsync/pkg/presence"
	"github.com/astromechza/textsync/pkg/schedule"
	"github.com/astromechza/textsync/pkg/server"
)

const EnvPrefix = "TEXTSYNC"

type Heartbeat struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Store struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

type Redis struct {
	// Addr enables cross process fan out when set.
	Addr string `mapstructure:"addr"`
}

type History struct {
	Cap              int `mapstructure:"cap"`
	SnapshotInterval int `mapstructure:"snapshot_interval"`
	CacheSize        int `mapstructure:"cache_size"`
}

type Server struct {
	Addr           string        `mapstructure:"addr"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	HubBuffer      int           `mapstructure:"hub_buffer"`
	CursorThrottle time.Duration `mapstructure:"cursor_throttle"`
	PresenceSweep  time.Duration `mapstructure:"presence_sweep"`
	MaxReplay      int           `mapstructure:"max_replay"`
}

type Queue struct {
	MaxSize    int           `mapstructure:"max_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type Client struct {
	URL              string        `mapstructure:"url"`
	UserID           string        `mapstructure:"user_id"`
	DisplayName      string        `mapstructure:"display_name"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	MaxBatch         int           `mapstructure:"max_batch"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	Queue            Queue         `mapstructure:"queue"`
}

type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	Heartbeat Heartbeat `mapstructure:"heartbeat"`
	Store     Store     `mapstructure:"store"`
	Redis     Redis     `mapstructure:"redis"`
	History   History   `mapstructure:"history"`
	Server    Server    `mapstructure:"server"`
	Client    Client    `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("heartbeat.interval", presence.DefaultHeartbeatInterval)
	v.SetDefault("heartbeat.timeout", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "textsync.sqlite3")
	v.SetDefault("store.url", "")

	v.SetDefault("redis.addr", "")

	v.SetDefault("history.cap", history.DefaultHistoryCap)
	v.SetDefault("history.snapshot_interval", history.DefaultSnapshotInterval)
	v.SetDefault("history.cache_size", history.DefaultCacheSize)

	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.rate_limit", 100.0)
	v.SetDefault("server.rate_burst", 200)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.hub_buffer", 256)
	v.SetDefault("server.cursor_throttle", schedule.DefaultThrottleInterval)
	v.SetDefault("server.presence_sweep", 5*time.Second)
	v.SetDefault("server.max_replay", 1000)

	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.display_name", "")
	v.SetDefault("client.debounce_interval", schedule.DefaultQuietInterval)
	v.SetDefault("client.max_batch", schedule.DefaultMaxBatch)
	v.SetDefault("client.reconnect_base", 500*time.Millisecond)
	v.SetDefault("client.reconnect_max", 30*time.Second)
	v.SetDefault("client.queue.max_size", pending.DefaultMaxSize)
	v.SetDefault("client.queue.max_retries", pending.DefaultMaxRetries)
	v.SetDefault("client.queue.base_delay", pending.DefaultBaseDelay)
	v.SetDefault("client.queue.max_delay", pending.DefaultMaxDelay)
	v.SetDefault("client.queue.ack_timeout", pending.DefaultAckTimeout)
}

// Load reads path when it is non-empty and applies environment overrides on top, such as
// TEXTSYNC_HISTORY_CAP=500 or TEXTSYNC_STORE_DRIVER=postgres.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("%w: store.url is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Redis.Addr != "" && c.Store.Driver == "memory" {
		return fmt.Errorf("%w: redis fan out needs a store shared by every process, not memory", ErrInvalid)
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("%w: heartbeat interval and timeout must be positive", ErrInvalid)
	}
	if c.History.Cap <= 0 || c.History.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: history cap and snapshot interval must be positive", ErrInvalid)
	}
	if c.Client.Queue.MaxSize <= 0 {
		return fmt.Errorf("%w: client.queue.max_size must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) HistoryConfig(logger *slog.Logger) history.Config {
	return history.Config{
		HistoryCap:       c.History.Cap,
		SnapshotInterval: c.History.SnapshotInterval,
		CacheSize:        c.History.CacheSize,
		Logger:           logger,
	}
}

func (c *Config) ServerConfig(logger *slog.Logger) server.Config {
	return server.Config{
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
		CursorThrottle:    c.Server.CursorThrottle,
		RateLimit:         c.Server.RateLimit,
		RateBurst:         c.Server.RateBurst,
		SendBuffer:        c.Server.SendBuffer,
		MaxReplay:         c.Server.MaxReplay,
		Logger:            logger,
	}
}

func (c *Config) QueueConfig(logger *slog.Logger) pending.Config {
	q := c.Client.Queue
	return pending.Config{
		MaxSize:    q.MaxSize,
		MaxRetries: q.MaxRetries,
		BaseDelay:  q.BaseDelay,
		MaxDelay:   q.MaxDelay,
		AckTimeout: q.AckTimeout,
		Logger:     logger,
	}
}

func (c *Config) ClientConfig(logger *slog.Logger) client.Config {
	return client.Config{
		URL:               c.Client.URL,
		UserID:            c.Client.UserID,
		DisplayName:       c.Client.DisplayName,
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
		ReconnectBase:     c.Client.ReconnectBase,
		ReconnectMax:      c.Client.ReconnectMax,
		ThrottleInterval:  c.Server.CursorThrottle,
		DebounceInterval:  c.Client.DebounceInterval,
		MaxBatch:          c.Client.MaxBatch,
		Queue:             c.QueueConfig(logger),
		Logger:            logger,
	}
}
