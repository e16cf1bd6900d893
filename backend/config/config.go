package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr      string   `env:"API_LISTEN_ADDR" envDefault:":5000"`
	WSListenAddr       string   `env:"WS_LISTEN_ADDR" envDefault:":5001"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins     []string `env:"CLIENT_URL" envSeparator:"," envDefault:"http://localhost:5173"`
	HistorySize        int      `env:"HISTORY_SIZE" envDefault:"100"`
	MaxMessageSize     int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"10"`
	RateLimitPerSecond float64  `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
}

// Load reads environment first, then lets command line flags override it.
// Nil environ means process environment.
func Load(args []string, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("chathub", pflag.ContinueOnError)
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringSliceVarP(&cfg.AllowedOrigins, "allowed-origins", "o", cfg.AllowedOrigins,
		"origins allowed to open websocket, * allows any")
	fs.IntVar(&cfg.HistorySize, "history-size", cfg.HistorySize, "number of messages kept in history")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "max inbound websocket frame size")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "inbound events burst per connection")
	fs.Float64Var(&cfg.RateLimitPerSecond, "rate-limit-per-second", cfg.RateLimitPerSecond,
		"sustained inbound events per second per connection")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if cfg.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history size must be positive, got %d", cfg.HistorySize))
	}
	if cfg.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", cfg.MaxMessageSize))
	}
	if cfg.RateLimitBurst <= 0 || cfg.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Level returns parsed log level, validated by Load.
func (cfg *Config) Level() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(cfg.LogLevel)
	return lvl
}
