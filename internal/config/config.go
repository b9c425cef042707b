package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Gateway
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:3000"`

	// Sync engine endpoints
	RealtimeURL string `env:"REALTIME_URL" envDefault:"ws://127.0.0.1:3000/api/ws"`
	APIBaseURL  string `env:"API_BASE_URL" envDefault:"http://127.0.0.1:3000"`

	// Behaviour
	TypingExpiry   time.Duration `env:"TYPING_EXPIRY" envDefault:"5s"`
	SendTimeout    time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ReconnectMin   time.Duration `env:"RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMax   time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
