// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the process environment, in increasing precedence.
// Keys are dotted (server.listen_addr) and map to upper-case environment
// variables with dots replaced by underscores (SERVER_LISTEN_ADDR).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full configuration shared by all binaries. Each binary reads
// only the sections it needs.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Chat      Chat      `mapstructure:"chat"`
	Log       Log       `mapstructure:"log"`
	Redis     Redis     `mapstructure:"redis"`
	NATS      NATS      `mapstructure:"nats"`
	Postgres  Postgres  `mapstructure:"postgres"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Client    Client    `mapstructure:"client"`
}

type Server struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type Chat struct {
	Rooms               []string `mapstructure:"rooms"`
	DefaultRoom         string   `mapstructure:"default_room"`
	PreviewLength       int      `mapstructure:"preview_length"`
	ConversationHistory int      `mapstructure:"conversation_history"`
	RoomHistory         int      `mapstructure:"room_history"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Redis is optional; an empty Addr disables rate limiting and the presence
// mirror.
type Redis struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// NATS is optional; an empty URL disables the activity stream.
type NATS struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

type RateLimit struct {
	Enabled bool `mapstructure:"enabled"`
}

type Client struct {
	URL         string        `mapstructure:"url"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

var defaults = map[string]any{
	"server.listen_addr":        ":8080",
	"server.worker_pool_size":   256,
	"server.max_connections":    100000,
	"server.read_timeout":       10 * time.Second,
	"server.write_timeout":      10 * time.Second,
	"server.heartbeat_interval": 30 * time.Second,
	"server.heartbeat_timeout":  10 * time.Second,
	"server.shutdown_timeout":   15 * time.Second,

	"chat.rooms":                []string{"general", "random", "help", "tech", "gaming"},
	"chat.default_room":         "general",
	"chat.preview_length":       50,
	"chat.conversation_history": 200,
	"chat.room_history":         100,

	"log.level":       "info",
	"log.development": false,

	"redis.addr": "",
	"redis.db":   0,

	"nats.url":            "",
	"nats.name":           "parley",
	"nats.reconnect_wait": 2 * time.Second,

	"postgres.dsn": "",

	"ratelimit.enabled": true,

	"client.url":          "ws://localhost:8080/ws",
	"client.read_timeout": 60 * time.Second,
}

// Load reads configuration. A .env file in the working directory is loaded
// first when present; CHAT_CONFIG may point at a YAML file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return load(os.Getenv("CHAT_CONFIG"))
}

func load(file string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if len(c.Chat.Rooms) == 0 {
		return errors.New("config: chat.rooms must not be empty")
	}
	found := false
	for _, r := range c.Chat.Rooms {
		if r == c.Chat.DefaultRoom {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: default room %q is not in chat.rooms", c.Chat.DefaultRoom)
	}
	if c.Server.WorkerPoolSize <= 0 {
		return errors.New("config: server.worker_pool_size must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("config: server.max_connections must be positive")
	}
	if c.Chat.PreviewLength <= 0 {
		return errors.New("config: chat.preview_length must be positive")
	}
	return nil
}
