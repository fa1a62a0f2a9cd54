package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverRedis    = "redis"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

type SlackConfig struct {
	VerificationToken string `koanf:"verification_token" mapstructure:"verification_token"`
	BotToken          string `koanf:"bot_token" mapstructure:"bot_token"`
	ClientID          string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret      string `koanf:"client_secret" mapstructure:"client_secret"`
	RedirectURL       string `koanf:"redirect_url" mapstructure:"redirect_url"`
	APIBaseURL        string `koanf:"api_base_url" mapstructure:"api_base_url"`
	StartReaction     string `koanf:"start_reaction" mapstructure:"start_reaction"`
	EndReaction       string `koanf:"end_reaction" mapstructure:"end_reaction"`
}

type JobsConfig struct {
	MaxSlot        int `koanf:"max_slot" mapstructure:"max_slot"`
	DelayMillis    int `koanf:"delay_ms" mapstructure:"delay_ms"`
	TimeoutSeconds int `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
	Workers        int `koanf:"workers" mapstructure:"workers"`
	MaxAttempts    int `koanf:"max_attempts" mapstructure:"max_attempts"`
}

func (c JobsConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

func (c JobsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IdempotencyConfig struct {
	TTLSeconds int `koanf:"ttl_seconds" mapstructure:"ttl_seconds"`
}

func (c IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type StoreConfig struct {
	Driver    string `koanf:"driver" mapstructure:"driver"`
	DSN       string `koanf:"dsn" mapstructure:"dsn"`
	RedisAddr string `koanf:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int    `koanf:"redis_db" mapstructure:"redis_db"`
	KeyPrefix string `koanf:"key_prefix" mapstructure:"key_prefix"`
	Debug     bool   `koanf:"debug" mapstructure:"debug"`
}

type WorksConfig struct {
	Domain    string `koanf:"domain" mapstructure:"domain"`
	ProxyHost string `koanf:"proxy_host" mapstructure:"proxy_host"`
}

type SecurityConfig struct {
	AppKey string `koanf:"app_key" mapstructure:"app_key"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type LogConfig struct {
	Level    string `koanf:"level" mapstructure:"level"`
	Encoding string `koanf:"encoding" mapstructure:"encoding"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Slack       SlackConfig       `koanf:"slack" mapstructure:"slack"`
	Jobs        JobsConfig        `koanf:"jobs" mapstructure:"jobs"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	Store       StoreConfig       `koanf:"store" mapstructure:"store"`
	Works       WorksConfig       `koanf:"works" mapstructure:"works"`
	Security    SecurityConfig    `koanf:"security" mapstructure:"security"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http"`
	Log         LogConfig         `koanf:"log" mapstructure:"log"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "kintai",
		Slack: SlackConfig{
			APIBaseURL:    "https://slack.com/api",
			StartReaction: "sunny",
			EndReaction:   "confetti_ball",
		},
		Jobs: JobsConfig{
			MaxSlot:        10,
			DelayMillis:    150,
			TimeoutSeconds: 3600,
			Workers:        2,
			MaxAttempts:    3,
		},
		Idempotency: IdempotencyConfig{
			TTLSeconds: 600,
		},
		Store: StoreConfig{
			Driver:    StoreDriverMemory,
			KeyPrefix: "kintai:",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Jobs.MaxSlot <= 0 {
		return fmt.Errorf("core: jobs.max_slot must be positive")
	}
	if c.Jobs.DelayMillis < 0 {
		return fmt.Errorf("core: jobs.delay_ms must not be negative")
	}
	if c.Jobs.TimeoutSeconds <= 0 {
		return fmt.Errorf("core: jobs.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.Slack.ClientID) != "" && strings.TrimSpace(c.Slack.ClientSecret) == "" {
		return fmt.Errorf("core: slack.client_secret is required with slack.client_id")
	}
	if c.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("core: idempotency.ttl_seconds must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case StoreDriverMemory:
	case StoreDriverRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("core: store.redis_addr is required for the redis driver")
		}
	case StoreDriverSQLite, StoreDriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("core: store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("core: unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}
