package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is everything the server reads from the environment.
type Config struct {
	Addr      string `env:"ADDR"       envDefault:":8080"`
	DSN       string `env:"DB_DSN,required,notEmpty"`
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// Empty RedisAddr keeps fan-out inside this process.
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string        `env:"REDIS_CHANNEL" envDefault:"carechat-events"`
	BrokerRetry  time.Duration `env:"BROKER_RETRY"  envDefault:"500ms"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	LivenessInterval time.Duration `env:"LIVENESS_INTERVAL" envDefault:"30s"`
	WriteWait        time.Duration `env:"WS_WRITE_WAIT"     envDefault:"10s"`
	MaxMessageSize   int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	SendBuffer       int           `env:"WS_SEND_BUFFER"    envDefault:"256"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT"     envDefault:"5s"`

	// GateOnPersist withholds a chat broadcast when the store rejects it.
	GateOnPersist bool `env:"CHAT_GATE_ON_PERSIST" envDefault:"false"`

	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	MediaAppID          string        `env:"MEDIA_APP_ID"`
	MediaAppCertificate string        `env:"MEDIA_APP_CERTIFICATE"`
	MediaTokenTTL       time.Duration `env:"MEDIA_TOKEN_TTL" envDefault:"1h"`
}

// Load parses the environment into a Config and checks the values env cannot.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LivenessInterval <= 0 {
		return errors.New("LIVENESS_INTERVAL must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("WS_MAX_MESSAGE_SIZE must be positive")
	}
	return nil
}

// MediaEnabled reports whether call tokens can be minted.
func (c *Config) MediaEnabled() bool {
	return c.MediaAppID != "" && c.MediaAppCertificate != ""
}
