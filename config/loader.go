// Package config reads raw configuration for core.LoadConfig from an
// optional file, a .env file and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const DefaultEnvPrefix = "KINTAI"

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
)

type key struct {
	path    string
	kind    kind
	aliases []string
}

// keys lists every setting. Aliases are the bare environment names the
// bot has always been configured with.
var keys = []key{
	{path: "service_name"},
	{path: "slack.verification_token", aliases: []string{"VERIFICATION_TOKEN"}},
	{path: "slack.bot_token", aliases: []string{"SLACK_BOT_TOKEN"}},
	{path: "slack.client_id", aliases: []string{"CLIENT_ID"}},
	{path: "slack.client_secret", aliases: []string{"CLIENT_SECRET"}},
	{path: "slack.redirect_url", aliases: []string{"SLACK_REDIRECT_URL"}},
	{path: "slack.api_base_url"},
	{path: "slack.start_reaction", aliases: []string{"START_REACTION"}},
	{path: "slack.end_reaction", aliases: []string{"END_REACTION"}},
	{path: "jobs.max_slot", kind: kindInt},
	{path: "jobs.delay_ms", kind: kindInt},
	{path: "jobs.timeout_seconds", kind: kindInt},
	{path: "jobs.workers", kind: kindInt},
	{path: "jobs.max_attempts", kind: kindInt},
	{path: "idempotency.ttl_seconds", kind: kindInt},
	{path: "store.driver"},
	{path: "store.dsn", aliases: []string{"DATABASE_URL"}},
	{path: "store.redis_addr", aliases: []string{"REDIS_ADDR"}},
	{path: "store.redis_db", kind: kindInt},
	{path: "store.key_prefix"},
	{path: "store.debug", kind: kindBool},
	{path: "works.domain", aliases: []string{"WORKS_DOMAIN"}},
	{path: "works.proxy_host", aliases: []string{"WORKS_PROXY_DOMAIN"}},
	{path: "security.app_key", aliases: []string{"APP_KEY"}},
	{path: "http.addr"},
	{path: "log.level"},
	{path: "log.encoding"},
}

// Loader is a core.RawConfigLoader backed by viper.
type Loader struct {
	// File is an optional YAML, JSON or TOML config file.
	File string
	// DotEnv files are loaded into the process environment first. Missing
	// files are skipped.
	DotEnv    []string
	EnvPrefix string
}

func (l Loader) LoadRaw(context.Context) (map[string]any, error) {
	for _, file := range l.DotEnv {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", file, err)
		}
	}

	prefix := strings.TrimSpace(l.EnvPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	v := viper.New()
	for _, k := range keys {
		names := append([]string{envName(prefix, k.path)}, k.aliases...)
		if err := v.BindEnv(append([]string{k.path}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", k.path, err)
		}
	}
	if file := strings.TrimSpace(l.File); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	raw := map[string]any{}
	for _, k := range keys {
		if !v.IsSet(k.path) {
			continue
		}
		var value any
		switch k.kind {
		case kindInt:
			value = v.GetInt(k.path)
		case kindBool:
			value = v.GetBool(k.path)
		default:
			value = v.GetString(k.path)
		}
		setPath(raw, k.path, value)
	}
	return raw, nil
}

// Load resolves the full configuration with runtime overrides on top.
func Load(ctx context.Context, loader Loader, runtime core.Config) (core.Config, error) {
	return core.LoadConfig(ctx, runtime, core.NewCfgxConfigProvider(loader), nil)
}

func envName(prefix, path string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func setPath(raw map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := raw
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

var _ core.RawConfigLoader = Loader{}
