package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken string        `yaml:"discord_token"`
	DatabaseURL  string        `yaml:"database_url"`
	LogLevel     string        `yaml:"log_level"`
	LogChannelID string        `yaml:"log_channel_id"`
	Health       HealthConfig  `yaml:"health"`
	Gateway      GatewayConfig `yaml:"gateway"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// GatewayConfig is the static part of the captcha gateway. Everything an
// operator may tune at runtime lives in the settings store instead.
type GatewayConfig struct {
	MainGuildID   string `yaml:"main_guild_id"`
	GuildCap      int    `yaml:"guild_cap"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

func DefaultConfig() Config {
	return Config{
		DatabaseURL: "sqlite:///data/gatekeeper.db",
		LogLevel:    "info",
		Health:      HealthConfig{Enabled: false, Addr: ":8080"},
		Gateway: GatewayConfig{
			GuildCap:      10,
			SweepSchedule: "@every 5m",
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	// a missing .env is the normal case in containers
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	if cfg.Gateway.GuildCap <= 0 {
		cfg.Gateway.GuildCap = 10
	}
	if strings.TrimSpace(cfg.Gateway.SweepSchedule) == "" {
		cfg.Gateway.SweepSchedule = "@every 5m"
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogChannelID = envString("LOG_CHANNEL_ID", cfg.LogChannelID)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Gateway.MainGuildID = envString("MAIN_GUILD_ID", cfg.Gateway.MainGuildID)
	cfg.Gateway.GuildCap = envInt("GUILD_CAP", cfg.Gateway.GuildCap)
	cfg.Gateway.SweepSchedule = envString("SWEEP_SCHEDULE", cfg.Gateway.SweepSchedule)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
