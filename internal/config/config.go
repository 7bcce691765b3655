package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the relay server configuration.
type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	LogLevel     string        `mapstructure:"log_level"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Backpressure string        `mapstructure:"backpressure"`
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, then applies
// MESHROOM_* environment overrides. PORT overrides the listen port.
func Load() (*Config, error) {
	v := newViper("config", "MESHROOM")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3001)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("backpressure", "drop")
	if err := v.BindEnv("port", "PORT"); err != nil {
		return nil, fmt.Errorf("bind PORT: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period %s must be shorter than pong_wait %s", cfg.PingPeriod, cfg.PongWait)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("relay config")
	return &cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	return parseLevel(c.LogLevel)
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// newViper prepares a viper instance for config/<base>.<env>.yaml with
// environment overrides under prefix. A missing file is not an error.
func newViper(base, prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", base, env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return v
}
