package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/dkeye/peershare/internal/signalclient"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "PEERSHARE"

type SignalConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Backpressure string        `mapstructure:"backpressure"`
	MaxGroupSize int           `mapstructure:"max_group_size"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type Config struct {
	Mode           string   `mapstructure:"mode"`
	Port           int      `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	Secret         string   `mapstructure:"secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Signal  SignalConfig        `mapstructure:"signal"`
	Quality quality.Config      `mapstructure:"quality"`
	Media   media.Config        `mapstructure:"media"`
	Client  signalclient.Config `mapstructure:"client"`

	v      *viper.Viper
	source string
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then PEERSHARE_*
// environment overrides. A missing file leaves the defaults in place.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Str("module", "config").Msg("loaded .env")
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	source := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		source = fileName
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.source = source
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("secret", "peershare-dev-secret")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("signal.read_limit", 64*1024)
	v.SetDefault("signal.ping_period", "30s")
	v.SetDefault("signal.write_wait", "5s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.backpressure", "drop")
	v.SetDefault("signal.max_group_size", 0)
	v.SetDefault("signal.rate_limit", 0)
	v.SetDefault("signal.rate_interval", "1s")

	q := quality.DefaultConfig()
	v.SetDefault("quality.interval", q.Interval)
	v.SetDefault("quality.history_size", q.HistorySize)

	m := media.DefaultConfig()
	v.SetDefault("media.adapt_interval", m.AdaptInterval)
	v.SetDefault("media.fps.min", m.FPS.Min)
	v.SetDefault("media.fps.max", m.FPS.Max)
	v.SetDefault("media.fps.default", m.FPS.Default)
	v.SetDefault("media.fps.adaptive", m.FPS.Adaptive)
	v.SetDefault("media.fps.levels.low", m.FPS.Levels.Low)
	v.SetDefault("media.fps.levels.medium", m.FPS.Levels.Medium)
	v.SetDefault("media.fps.levels.high", m.FPS.Levels.High)
	v.SetDefault("media.max_surface.width", m.MaxSurface.Width)
	v.SetDefault("media.max_surface.height", m.MaxSurface.Height)

	c := signalclient.DefaultConfig()
	v.SetDefault("client.url", c.URL)
	v.SetDefault("client.max_reconnect_attempts", c.MaxReconnectAttempts)
	v.SetDefault("client.reconnect_delay", c.ReconnectDelay)
	v.SetDefault("client.write_wait", c.WriteWait)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Signal.PingPeriod <= 0 {
		return fmt.Errorf("signal.ping_period must be positive, got %s", c.Signal.PingPeriod)
	}
	if c.Signal.MaxGroupSize < 0 {
		return fmt.Errorf("signal.max_group_size must not be negative, got %d", c.Signal.MaxGroupSize)
	}
	if err := c.Media.FPS.Validate(); err != nil {
		return fmt.Errorf("media.fps: %w", err)
	}
	return nil
}

// Level parses log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Watch re-reads the config file on every change and hands the new value to
// fn. Invalid edits are logged and skipped. It is a no-op when no file was
// loaded.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil || c.source == "" {
		return
	}
	v := c.v
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		next.source = c.source
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(next)
	})
	v.WatchConfig()
}
