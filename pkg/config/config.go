// Package config resolves service settings from flags, STUDY_CHAT_* environment
// variables, an optional YAML file and .env files, in that order of precedence.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/session"
)

const EnvPrefix = "STUDY_CHAT"

// Settings is everything `serve` needs.
type Settings struct {
	Addr string

	// DB is a sqlite file path. Empty keeps everything in memory.
	DB string

	// ScenariosFile replaces the embedded catalog when set.
	ScenariosFile string

	Countdown     time.Duration
	EvictIdle     time.Duration
	EvictInterval time.Duration
	WSIdle        time.Duration
	LogLevel      string

	Assistant assistant.Config
	Lifecycle lifecycle.Settings
}

// LoadDotEnv loads .env.local then .env (or the given files). Missing files
// are skipped; variables already set are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env.local", ".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// AddGlobalFlags registers the flags every subcommand reads.
func AddGlobalFlags(f *pflag.FlagSet) {
	f.String("config", "", "optional YAML config file")
	f.String("log-level", "info", "trace, debug, info, warn or error")
	f.String("db", "study-chat.db", "sqlite database file (empty for in-memory)")
	f.String("scenarios-file", "", "YAML scenario catalog replacing the built-in one")
}

// AddFlags registers the serve flags with their defaults.
func AddFlags(f *pflag.FlagSet) {
	defaults := lifecycle.DefaultSettings()
	f.String("addr", ":8080", "HTTP listen address")
	f.Duration("countdown", session.DefaultCountdown, "conversation time budget")
	f.Duration("evict-idle", 30*time.Minute, "drop idle finished sessions after this long")
	f.Duration("evict-interval", time.Minute, "how often to look for idle sessions")
	f.Duration("ws-idle", 5*time.Minute, "forget a websocket pool after it has been empty this long")
	f.String("openai-base-url", assistant.DefaultBaseURL, "OpenAI-compatible API base URL")
	f.String("openai-api-key", "", "API key (falls back to OPENAI_API_KEY)")
	f.String("openai-model", assistant.DefaultModel, "chat completion model")
	f.Duration("openai-timeout", assistant.DefaultTimeout, "assistant request timeout")
	f.Bool("redis-enabled", false, "publish lifecycle events over Redis Streams")
	f.String("redis-addr", defaults.Addr, "Redis address host:port")
	f.String("redis-group", defaults.Group, "Redis consumer group")
	f.String("redis-consumer", defaults.Consumer, "Redis consumer name")
}

// NewViper binds flags and the environment, then reads configFile if set.
func NewViper(f *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if f != nil {
		if err := v.BindPFlags(f); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	return v, nil
}

func FromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		Addr:          v.GetString("addr"),
		DB:            v.GetString("db"),
		ScenariosFile: v.GetString("scenarios-file"),
		Countdown:     v.GetDuration("countdown"),
		EvictIdle:     v.GetDuration("evict-idle"),
		EvictInterval: v.GetDuration("evict-interval"),
		WSIdle:        v.GetDuration("ws-idle"),
		LogLevel:      v.GetString("log-level"),
		Assistant: assistant.Config{
			BaseURL: v.GetString("openai-base-url"),
			APIKey:  v.GetString("openai-api-key"),
			Model:   v.GetString("openai-model"),
			Timeout: v.GetDuration("openai-timeout"),
		},
		Lifecycle: lifecycle.Settings{
			Enabled:  v.GetBool("redis-enabled"),
			Addr:     v.GetString("redis-addr"),
			Group:    v.GetString("redis-group"),
			Consumer: v.GetString("redis-consumer"),
		},
	}
	if s.Assistant.APIKey == "" {
		s.Assistant.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if s.Countdown <= 0 {
		return Settings{}, errors.Errorf("countdown must be positive, got %s", s.Countdown)
	}
	if s.Countdown < time.Second {
		return Settings{}, errors.Errorf("countdown must be at least one second, got %s", s.Countdown)
	}
	if s.Lifecycle.Enabled && s.Lifecycle.Addr == "" {
		return Settings{}, errors.New("redis-enabled requires redis-addr")
	}
	return s, nil
}
