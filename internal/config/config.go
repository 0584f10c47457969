package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

type AudioConfig struct {
	Path          string `mapstructure:"path"`
	SampleRate    int    `mapstructure:"sample_rate"`
	BitsPerSample int    `mapstructure:"bits_per_sample"`
	Channels      int    `mapstructure:"channels"`
}

func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, BitsPerSample: a.BitsPerSample, Channels: a.Channels}
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Polite               string           `mapstructure:"polite"`
	ICEServers           []core.ICEServer `mapstructure:"ice_servers"`
	ICECandidatePoolSize uint8            `mapstructure:"ice_candidate_pool_size"`

	Audio      AudioConfig `mapstructure:"audio"`
	SignalRate RateConfig  `mapstructure:"signal_rate"`
}

// Politeness is the role the server plays in every session.
func (c *Config) Politeness() (domain.Politeness, error) {
	return domain.ParsePoliteness(c.Polite)
}

func (c *Config) Validate() error {
	if _, err := c.Politeness(); err != nil {
		return fmt.Errorf("polite %q: %w", c.Polite, err)
	}
	if c.Audio.Path != "" {
		if err := c.Audio.Format().Validate(); err != nil {
			return fmt.Errorf("audio: %w", err)
		}
	}
	return nil
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an
// error. VOICE_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("polite", "impolite")
	v.SetDefault("ice_candidate_pool_size", 0)
	v.SetDefault("audio.path", "")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.bits_per_sample", 16)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("signal_rate.limit", 200)
	v.SetDefault("signal_rate.interval", "10s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("polite", cfg.Polite).
		Int("ice_servers", len(cfg.ICEServers)).
		Str("audio", cfg.Audio.Path).
		Msg("config ready")
	return &cfg, nil
}
