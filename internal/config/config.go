package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const EnvPrefix = "QUIZ"

const (
	ChannelStomp = "stomp"
	ChannelRedis = "redis"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	API          API
	Channel      Channel
	Redis        Redis
	Topics       Topics
	Destinations Destinations
	BridgeAddr   string
	HistoryDSN   string
	LogLevel     string
	LogDev       bool
}

type API struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Channel struct {
	Kind string
	URL  string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Topics struct {
	Room  string
	Match string
	Chat  string
}

type Destinations struct {
	Answer string
	Chat   string
}

var defaults = map[string]any{
	"api.base_url":        "http://localhost:8080/api",
	"api.token":           "",
	"api.timeout":         8 * time.Second,
	"channel.kind":        ChannelStomp,
	"channel.url":         "ws://localhost:8080/ws",
	"redis.addr":          "localhost:6379",
	"redis.password":      "",
	"redis.db":            0,
	"topics.room":         "/topic/room",
	"topics.match":        "/topic/match",
	"topics.chat":         "/topic/chat",
	"destinations.answer": "/app/answer",
	"destinations.chat":   "/app/chat",
	"bridge.addr":         ":7070",
	"history.dsn":         "",
	"log.level":           "info",
	"log.dev":             false,
}

// SetDefaults registers every key so environment overrides are seen even
// for keys no flag or file mentions.
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// LoadDotEnv copies .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads v (flags bound by the caller take precedence over QUIZ_*
// variables, which take precedence over defaults) and validates the result.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	cfg := Config{
		API: API{
			BaseURL: strings.TrimRight(v.GetString("api.base_url"), "/"),
			Token:   v.GetString("api.token"),
			Timeout: v.GetDuration("api.timeout"),
		},
		Channel: Channel{
			Kind: strings.ToLower(v.GetString("channel.kind")),
			URL:  v.GetString("channel.url"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Topics: Topics{
			Room:  v.GetString("topics.room"),
			Match: v.GetString("topics.match"),
			Chat:  v.GetString("topics.chat"),
		},
		Destinations: Destinations{
			Answer: v.GetString("destinations.answer"),
			Chat:   v.GetString("destinations.chat"),
		},
		BridgeAddr: v.GetString("bridge.addr"),
		HistoryDSN: v.GetString("history.dsn"),
		LogLevel:   v.GetString("log.level"),
		LogDev:     v.GetBool("log.dev"),
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.API.BaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("%w: api.base_url is required", ErrInvalid))
	}
	if c.API.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: api.timeout must be positive", ErrInvalid))
	}
	switch c.Channel.Kind {
	case ChannelStomp:
		if c.Channel.URL == "" {
			err = multierr.Append(err, fmt.Errorf("%w: channel.url is required for stomp", ErrInvalid))
		}
	case ChannelRedis:
		if c.Redis.Addr == "" {
			err = multierr.Append(err, fmt.Errorf("%w: redis.addr is required for redis", ErrInvalid))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%w: channel.kind %q", ErrInvalid, c.Channel.Kind))
	}
	for key, topic := range map[string]string{"topics.room": c.Topics.Room, "topics.match": c.Topics.Match, "topics.chat": c.Topics.Chat} {
		if topic == "" {
			err = multierr.Append(err, fmt.Errorf("%w: %s is required", ErrInvalid, key))
		}
	}
	return err
}
