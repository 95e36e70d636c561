package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Invites  int           `mapstructure:"invites"`
	Interval time.Duration `mapstructure:"interval"`
}

type Call struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type Quality struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxRTT   time.Duration `mapstructure:"max_rtt"`
	MaxLoss  int64         `mapstructure:"max_loss"`
}

// Agent configures the headless participant binary.
type Agent struct {
	ServerURL  string `mapstructure:"server_url"`
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Media      string `mapstructure:"media"`
	AutoAccept bool   `mapstructure:"auto_accept"`
	Dial       string `mapstructure:"dial"`
	Room       string `mapstructure:"room"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// AdminToken guards the operator endpoints; empty disables them.
	AdminToken string        `mapstructure:"admin_token"`
	LogLevel   string        `mapstructure:"log_level"`
	SendBuffer int           `mapstructure:"send_buffer"`
	ICEServers []string      `mapstructure:"ice_servers"`

	RateLimit RateLimit `mapstructure:"rate_limit"`
	Call      Call      `mapstructure:"call"`
	Quality   Quality   `mapstructure:"quality"`
	Agent     Agent     `mapstructure:"agent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("admin_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rate_limit.invites", 10)
	v.SetDefault("rate_limit.interval", "1m")
	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("quality.interval", "2s")
	v.SetDefault("quality.max_rtt", "300ms")
	v.SetDefault("quality.max_loss", 10)
	v.SetDefault("agent.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("agent.name", "agent")
	v.SetDefault("agent.media", "audio")
	v.SetDefault("agent.auto_accept", true)
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.dial", "")
	v.SetDefault("agent.room", "")
}

// Load reads .env (if present), then config/config.<CONFIG_ENV>.yaml, then
// CALLHUB_* environment overrides.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CALLHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Quality.Interval <= 0 {
		return nil, fmt.Errorf("quality.interval must be positive, got %s", cfg.Quality.Interval)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
