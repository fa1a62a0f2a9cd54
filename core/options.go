package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver merges defaults, loaded and runtime configuration in that
// order of precedence.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig loads raw values through provider and resolves them against the
// defaults and the runtime overrides.
func LoadConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString(layer, "service_name", cfg.ServiceName, includeZero)

	slack := map[string]any{}
	setString(slack, "verification_token", cfg.Slack.VerificationToken, includeZero)
	setString(slack, "bot_token", cfg.Slack.BotToken, includeZero)
	setString(slack, "client_id", cfg.Slack.ClientID, includeZero)
	setString(slack, "client_secret", cfg.Slack.ClientSecret, includeZero)
	setString(slack, "redirect_url", cfg.Slack.RedirectURL, includeZero)
	setString(slack, "api_base_url", cfg.Slack.APIBaseURL, includeZero)
	setString(slack, "start_reaction", cfg.Slack.StartReaction, includeZero)
	setString(slack, "end_reaction", cfg.Slack.EndReaction, includeZero)
	setSection(layer, "slack", slack)

	jobs := map[string]any{}
	setInt(jobs, "max_slot", cfg.Jobs.MaxSlot, includeZero)
	setInt(jobs, "delay_ms", cfg.Jobs.DelayMillis, includeZero)
	setInt(jobs, "timeout_seconds", cfg.Jobs.TimeoutSeconds, includeZero)
	setInt(jobs, "workers", cfg.Jobs.Workers, includeZero)
	setInt(jobs, "max_attempts", cfg.Jobs.MaxAttempts, includeZero)
	setSection(layer, "jobs", jobs)

	idempotency := map[string]any{}
	setInt(idempotency, "ttl_seconds", cfg.Idempotency.TTLSeconds, includeZero)
	setSection(layer, "idempotency", idempotency)

	store := map[string]any{}
	setString(store, "driver", cfg.Store.Driver, includeZero)
	setString(store, "dsn", cfg.Store.DSN, includeZero)
	setString(store, "redis_addr", cfg.Store.RedisAddr, includeZero)
	setInt(store, "redis_db", cfg.Store.RedisDB, includeZero)
	setString(store, "key_prefix", cfg.Store.KeyPrefix, includeZero)
	if includeZero || cfg.Store.Debug {
		store["debug"] = cfg.Store.Debug
	}
	setSection(layer, "store", store)

	works := map[string]any{}
	setString(works, "domain", cfg.Works.Domain, includeZero)
	setString(works, "proxy_host", cfg.Works.ProxyHost, includeZero)
	setSection(layer, "works", works)

	security := map[string]any{}
	setString(security, "app_key", cfg.Security.AppKey, includeZero)
	setSection(layer, "security", security)

	httpSection := map[string]any{}
	setString(httpSection, "addr", cfg.HTTP.Addr, includeZero)
	setSection(layer, "http", httpSection)

	logSection := map[string]any{}
	setString(logSection, "level", cfg.Log.Level, includeZero)
	setString(logSection, "encoding", cfg.Log.Encoding, includeZero)
	setSection(layer, "log", logSection)
	return layer
}

func setString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func setInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func setSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
