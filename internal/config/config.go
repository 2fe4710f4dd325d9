// Package config loads sessiond configuration from files and environment.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Addr      string `mapstructure:"addr"`
	StaticDir string `mapstructure:"static_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	History   HistoryConfig   `mapstructure:"history"`
	Roles     RolesConfig     `mapstructure:"roles"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Echo      EchoConfig      `mapstructure:"echo"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type SessionsConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	RingSize    int           `mapstructure:"ring_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// Provider used when a create request names none.
	DefaultProvider string `mapstructure:"default_provider"`
}

// HistoryConfig enables the SQLite history sink when Path is set.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// RolesConfig points at a YAML file of watcher role presets.
type RolesConfig struct {
	File string `mapstructure:"file"`
}

type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

type EchoConfig struct {
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Addr: ":8420",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sessions: SessionsConfig{
			MaxSessions:     10,
			RingSize:        10000,
			IdleTimeout:     5 * time.Second,
			DefaultProvider: "echo",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
	}
}

func setDefaults(v *viper.Viper) {
	cfg := Default()
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("static_dir", cfg.StaticDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("sessions.max_sessions", cfg.Sessions.MaxSessions)
	v.SetDefault("sessions.ring_size", cfg.Sessions.RingSize)
	v.SetDefault("sessions.idle_timeout", cfg.Sessions.IdleTimeout)
	v.SetDefault("sessions.default_provider", cfg.Sessions.DefaultProvider)
	v.SetDefault("history.path", "")
	v.SetDefault("roles.file", "")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", cfg.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.SetDefault("echo.chunk_delay", cfg.Echo.ChunkDelay)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// The SDK's own variable works too.
	v.BindEnv("anthropic.api_key", "SESSIOND_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

// Load loads configuration from files and environment. It returns the
// config and the path of the file it read, if any.
func Load() (*Config, string, error) {
	v := viper.New()

	v.SetConfigName("sessiond")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "sessiond"))
	}
	v.AddConfigPath("/etc/sessiond/")

	bindEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	bindEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
