package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/farm-runtime.db"`
	RedisURL     string `env:"REDIS_URL"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	GatewayURL    string `env:"GATEWAY_WS_URL" envDefault:"wss://gate-obt.nqf.qq.com/prod/ws"`
	ClientVersion string `env:"CLIENT_VERSION" envDefault:"1.6.0.5_20251224"`
	Platform      string `env:"PLATFORM" envDefault:"qq"`

	HeartbeatIntervalSeconds int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"25"`
	RPCTimeoutSeconds        int `env:"RPC_TIMEOUT_SECONDS" envDefault:"10"`
	RequestTimeoutSeconds    int `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"15"`

	StartRetryMaxAttempts      int     `env:"START_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	StartRetryBaseDelaySeconds float64 `env:"START_RETRY_BASE_DELAY_SECONDS" envDefault:"1"`
	StartRetryMaxDelaySeconds  float64 `env:"START_RETRY_MAX_DELAY_SECONDS" envDefault:"8"`
	AutoStartConcurrency       int     `env:"AUTO_START_CONCURRENCY" envDefault:"5"`

	GlobalConcurrency    int     `env:"GLOBAL_CONCURRENCY" envDefault:"20"`
	PerUserInflightLimit int     `env:"PER_USER_INFLIGHT_LIMIT" envDefault:"1"`
	ReadCooldownSeconds  float64 `env:"READ_COOLDOWN_SECONDS" envDefault:"1"`
	WriteCooldownSeconds float64 `env:"WRITE_COOLDOWN_SECONDS" envDefault:"2"`

	RuntimeLogMaxEntries        int     `env:"RUNTIME_LOG_MAX_ENTRIES" envDefault:"3000"`
	RuntimeLogFlushIntervalSecs float64 `env:"RUNTIME_LOG_FLUSH_INTERVAL_SECONDS" envDefault:"2"`
	RuntimeLogFlushBatch        int     `env:"RUNTIME_LOG_FLUSH_BATCH" envDefault:"80"`

	AllowedOperators []string `env:"ALLOWED_OPERATORS" envSeparator:","`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) StartRetryBaseDelay() time.Duration {
	return time.Duration(c.StartRetryBaseDelaySeconds * float64(time.Second))
}

func (c *Config) StartRetryMaxDelay() time.Duration {
	return time.Duration(c.StartRetryMaxDelaySeconds * float64(time.Second))
}

func (c *Config) ReadCooldown() time.Duration {
	return time.Duration(c.ReadCooldownSeconds * float64(time.Second))
}

func (c *Config) WriteCooldown() time.Duration {
	return time.Duration(c.WriteCooldownSeconds * float64(time.Second))
}

func (c *Config) RuntimeLogFlushInterval() time.Duration {
	return time.Duration(c.RuntimeLogFlushIntervalSecs * float64(time.Second))
}

func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_WS_URL must not be empty")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("GATEWAY_WS_URL must be a ws:// or wss:// URL")
	}
	if c.RPCTimeoutSeconds < 1 {
		return fmt.Errorf("RPC_TIMEOUT_SECONDS must be at least 1")
	}
	if c.HeartbeatIntervalSeconds < 10 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be at least 10")
	}
	if c.StartRetryMaxAttempts < 1 {
		return fmt.Errorf("START_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.StartRetryMaxDelaySeconds < c.StartRetryBaseDelaySeconds {
		return fmt.Errorf("START_RETRY_MAX_DELAY_SECONDS must not be below the base delay")
	}
	if c.GlobalConcurrency < 1 {
		return fmt.Errorf("GLOBAL_CONCURRENCY must be at least 1")
	}
	if c.PerUserInflightLimit < 1 {
		return fmt.Errorf("PER_USER_INFLIGHT_LIMIT must be at least 1")
	}
	if c.AutoStartConcurrency < 1 {
		return fmt.Errorf("AUTO_START_CONCURRENCY must be at least 1")
	}
	if c.RuntimeLogMaxEntries < 1 {
		return fmt.Errorf("RUNTIME_LOG_MAX_ENTRIES must be at least 1")
	}
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
