// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "switchboard"
	DefaultPGSSLMode    = "disable"
	DefaultEngineURL    = "http://127.0.0.1:8081"
	DefaultModel        = "anthropic:claude-sonnet-4-5"
	DefaultSystemPrompt = "You are a helpful and concise personal assistant."
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Engine   EngineConfig   `toml:"engine"`
	Channels ChannelsConfig `toml:"channels"`
	Identity IdentityConfig `toml:"identity"`
	Limits   LimitsConfig   `toml:"limits"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the admin HTTP listen address. Empty Addr disables the server.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// PostgresConfig holds PostgreSQL connection parameters for the catalog store.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// EngineConfig holds the conversational engine endpoint and defaults applied
// to newly created conversations.
type EngineConfig struct {
	BaseURL      string `toml:"base_url"`
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	SystemPrompt string `toml:"system_prompt"`
}

// ChannelsConfig enables and configures the channel adapters.
type ChannelsConfig struct {
	Terminal TerminalConfig `toml:"terminal"`
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
}

// TerminalConfig configures the local terminal channel.
type TerminalConfig struct {
	Enabled  bool   `toml:"enabled"`
	UserName string `toml:"user_name"`
}

// TelegramConfig configures the Telegram channel. BotToken falls back to the
// TELEGRAM_BOT_TOKEN environment variable when empty.
type TelegramConfig struct {
	Enabled      bool     `toml:"enabled"`
	BotToken     string   `toml:"bot_token"`
	AllowedUsers []string `toml:"allowed_users"`
}

// DiscordConfig configures the Discord channel. BotToken falls back to the
// DISCORD_BOT_TOKEN environment variable when empty.
type DiscordConfig struct {
	Enabled      bool     `toml:"enabled"`
	BotToken     string   `toml:"bot_token"`
	AllowedUsers []string `toml:"allowed_users"`
}

// IdentityLink groups channel-local ids that belong to one canonical user.
type IdentityLink struct {
	Terminal string `toml:"terminal"`
	Telegram string `toml:"telegram"`
	Discord  string `toml:"discord"`
}

// IdentityConfig holds statically declared cross-channel identity links,
// keyed by link (user) name.
type IdentityConfig struct {
	Links map[string]IdentityLink `toml:"links"`
}

// LimitsConfig holds tunable runtime policies.
type LimitsConfig struct {
	ShutdownDrainSeconds int `toml:"shutdown_drain_seconds"`
	MaxQueueDepth        int `toml:"max_queue_depth"`
	EditIntervalMs       int `toml:"edit_interval_ms"`
	TypingIntervalMs     int `toml:"typing_interval_ms"`
}

// ShutdownDrain returns the drain timeout as a duration.
func (c LimitsConfig) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds) * time.Second
}

// EditInterval returns the coalesced-edit flush cadence.
func (c LimitsConfig) EditInterval() time.Duration {
	return time.Duration(c.EditIntervalMs) * time.Millisecond
}

// TypingInterval returns the "still working" signal cadence.
func (c LimitsConfig) TypingInterval() time.Duration {
	return time.Duration(c.TypingIntervalMs) * time.Millisecond
}

// Load reads and parses the TOML config file at path and applies default
// values for missing fields. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Engine: EngineConfig{
			BaseURL:      DefaultEngineURL,
			Model:        DefaultModel,
			SystemPrompt: DefaultSystemPrompt,
		},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{
				Enabled:  true,
				UserName: "user",
			},
		},
		Limits: LimitsConfig{
			ShutdownDrainSeconds: 30,
			MaxQueueDepth:        8,
			EditIntervalMs:       1000,
			TypingIntervalMs:     4000,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv fills secret-bearing fields from the environment when the TOML
// file left them empty.
func applyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Channels.Telegram.BotToken) == "" {
		cfg.Channels.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if strings.TrimSpace(cfg.Channels.Discord.BotToken) == "" {
		cfg.Channels.Discord.BotToken = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if strings.TrimSpace(cfg.Engine.APIKey) == "" {
		cfg.Engine.APIKey = os.Getenv("ENGINE_API_KEY")
	}
}
