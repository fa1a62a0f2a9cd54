package core

import (
	"context"
	"testing"
)

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return l.values, nil
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), Config{}, nil, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "kintai" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Jobs.MaxSlot != 10 || cfg.Jobs.DelayMillis != 150 || cfg.Jobs.TimeoutSeconds != 3600 {
		t.Fatalf("unexpected job defaults: %#v", cfg.Jobs)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
}

func TestLoadConfig_RuntimeOverridesConfigLayer(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"slack": map[string]any{
			"verification_token": "config-token",
		},
		"jobs": map[string]any{
			"max_slot": 4,
		},
	}})

	cfg, err := LoadConfig(context.Background(), Config{ServiceName: "from-runtime"}, provider, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to win, got %q", cfg.ServiceName)
	}
	if cfg.Slack.VerificationToken != "config-token" {
		t.Fatalf("expected config layer token, got %q", cfg.Slack.VerificationToken)
	}
	if cfg.Jobs.MaxSlot != 4 {
		t.Fatalf("expected config layer max slot, got %d", cfg.Jobs.MaxSlot)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "service name", mutate: func(c *Config) { c.ServiceName = " " }},
		{name: "max slot", mutate: func(c *Config) { c.Jobs.MaxSlot = 0 }},
		{name: "timeout", mutate: func(c *Config) { c.Jobs.TimeoutSeconds = 0 }},
		{name: "idempotency ttl", mutate: func(c *Config) { c.Idempotency.TTLSeconds = 0 }},
		{name: "redis addr", mutate: func(c *Config) { c.Store.Driver = StoreDriverRedis }},
		{name: "sql dsn", mutate: func(c *Config) { c.Store.Driver = StoreDriverSQLite }},
		{name: "driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }},
		{name: "client secret", mutate: func(c *Config) { c.Slack.ClientID = "123.456" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}
