// Package config loads sqlshift configuration. Layers, lowest first:
// built-in defaults, the user config file (XDG path from app identity or an
// explicit --config), SQLSHIFT_* environment variables, runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sqlshift/sqlshift/internal/appid"
)

var (
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity

	configFile     string
	configFileUsed string
)

// EnvBinding maps an environment variable name (without prefix) to a config key.
type EnvBinding struct {
	Name string
	Key  string
}

// SetConfigFile pins the config file used by Load. An empty path restores
// XDG discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// ConfigFileUsed returns the file read by the last successful Load, if any.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFileUsed
}

// Load builds the typed configuration. It is safe to call repeatedly, e.g.
// on SIGHUP.
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	v := viper.New()
	setDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		configName, binaryName := appNamesForPaths()
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := gfconfig.GetAppConfigDir(configName); dir != "" {
			v.AddConfigPath(dir)
		}
		if binaryName != configName {
			if dir := gfconfig.GetAppConfigDir(binaryName); dir != "" {
				v.AddConfigPath(dir)
			}
		}
	}

	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	prefix := envPrefix()
	v.SetEnvPrefix(strings.TrimSuffix(prefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, binding := range envBindings() {
		if err := v.BindEnv(binding.Key, prefix+binding.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", binding.Name, err)
		}
	}

	envOverrides := map[string]any{}
	applyAILinkDynamicEnvOverrides(prefix, envOverrides)
	if value := strings.TrimSpace(os.Getenv(prefix + "RESULT_SINKS")); value != "" {
		envOverrides["results"] = map[string]any{"sinks": splitList(value)}
	}
	applyOverrides(v, envOverrides)
	for _, overrides := range runtimeOverrides {
		applyOverrides(v, overrides)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configFileUsed = used
	configMu.Unlock()

	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("results.sinks", []string{SinkStore})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "sqlshift")
	v.SetDefault("redis.ttl", "168h")

	v.SetDefault("ailink.default_provider", "")
	v.SetDefault("ailink.default_timeout", "60s")
	v.SetDefault("ailink.retry.max_retries", 3)
	v.SetDefault("ailink.retry.wait_min", "500ms")
	v.SetDefault("ailink.retry.wait_max", "10s")
	v.SetDefault("ailink.conversion.model", "")
	v.SetDefault("ailink.conversion.max_tokens", 0)
	v.SetDefault("ailink.conversion.system_prompt", "")
	v.SetDefault("ailink.debug.capture_raw_enabled", false)
	v.SetDefault("ailink.debug.capture_raw_max_bytes", 4096)

	v.SetDefault("scheduler.endpoint", "convert")
	v.SetDefault("scheduler.max_requests", 10)
	v.SetDefault("scheduler.window", "60s")
	v.SetDefault("scheduler.throttle", "2s")
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.inter_batch_delay", "2s")
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.safety_margin", 0.0)

	v.SetDefault("ingress.enabled", true)
	v.SetDefault("ingress.rate_per_second", 1.0)
	v.SetDefault("ingress.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// envBindings lists short environment names kept alongside the automatic
// SQLSHIFT_<SECTION>_<KEY> mapping.
func envBindings() []EnvBinding {
	return []EnvBinding{
		{Name: "HOST", Key: "server.host"},
		{Name: "PORT", Key: "server.port"},
		{Name: "READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: "WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: "IDLE_TIMEOUT", Key: "server.idle_timeout"},
		{Name: "SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},

		{Name: "LOG_LEVEL", Key: "logging.level"},
		{Name: "LOG_PROFILE", Key: "logging.profile"},

		{Name: "DB_DRIVER", Key: "store.driver"},
		{Name: "DB_PATH", Key: "store.path"},
		{Name: "DB_URL", Key: "store.url"},
		{Name: "DB_AUTH_TOKEN", Key: "store.auth_token"},

		{Name: "REDIS_ADDR", Key: "redis.addr"},
		{Name: "REDIS_PASSWORD", Key: "redis.password"},

		{Name: "MAX_REQUESTS", Key: "scheduler.max_requests"},
		{Name: "RATE_WINDOW", Key: "scheduler.window"},
		{Name: "THROTTLE", Key: "scheduler.throttle"},
		{Name: "BATCH_SIZE", Key: "scheduler.batch_size"},
		{Name: "RATE_LIMIT_MARGIN", Key: "scheduler.safety_margin"},

		{Name: "AILINK_DEFAULT_PROVIDER", Key: "ailink.default_provider"},
		{Name: "AILINK_DEFAULT_TIMEOUT", Key: "ailink.default_timeout"},
		{Name: "AILINK_MODEL", Key: "ailink.conversion.model"},

		{Name: "METRICS_ENABLED", Key: "metrics.enabled"},
		{Name: "METRICS_PORT", Key: "metrics.port"},
		{Name: "HEALTH_ENABLED", Key: "health.enabled"},
	}
}

func envPrefix() string {
	prefix := appid.DefaultEnvPrefix
	if appIdentity != nil && strings.TrimSpace(appIdentity.EnvPrefix) != "" {
		prefix = strings.TrimSpace(appIdentity.EnvPrefix)
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// applyOverrides sets every leaf of a nested map so overrides beat the
// environment layer.
func applyOverrides(v *viper.Viper, overrides map[string]any) {
	for _, key := range sortedKeys(overrides) {
		setLeaves(v, key, overrides[key])
	}
}

func setLeaves(v *viper.Viper, prefix string, value any) {
	nested, ok := value.(map[string]any)
	if !ok || len(nested) == 0 {
		v.Set(prefix, value)
		return
	}
	for _, key := range sortedKeys(nested) {
		setLeaves(v, prefix+"."+key, nested[key])
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "sqlshift" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "sqlshift"
	binaryName = "sqlshift"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

func applyAILinkDynamicEnvOverrides(prefix string, envOverrides map[string]any) {
	providerPrefix := prefix + "AILINK_PROVIDERS_"
	routingPrefix := prefix + "AILINK_ROUTING_"

	for _, item := range os.Environ() {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}

		switch {
		case strings.HasPrefix(key, providerPrefix):
			applyAILinkProviderOverride(envOverrides, key[len(providerPrefix):], value)
		case strings.HasPrefix(key, routingPrefix):
			applyAILinkRoutingOverride(envOverrides, key[len(routingPrefix):], value)
		}
	}
}

func applyAILinkRoutingOverride(envOverrides map[string]any, rawRole string, providerID string) {
	role := toSlug(rawRole)
	providerID = strings.TrimSpace(providerID)
	if role == "" || providerID == "" {
		return
	}

	ailink := ensureMap(envOverrides, "ailink")
	routing := ensureMap(ailink, "routing")
	routing[role] = providerID
}

func applyAILinkProviderOverride(envOverrides map[string]any, raw string, value string) {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) < 2 {
		return
	}

	section := -1
	for i, part := range parts {
		switch part {
		case "ENABLED", "AI", "BASE", "MODELS", "CREDENTIALS":
			section = i
		}
		if section != -1 {
			break
		}
	}
	if section <= 0 {
		return
	}

	providerID := strings.ToLower(strings.Join(parts[:section], "-"))
	if providerID == "" {
		return
	}

	ailink := ensureMap(envOverrides, "ailink")
	providers := ensureMap(ailink, "providers")
	provider := ensureMap(providers, providerID)

	rest := parts[section:]
	switch {
	case len(rest) == 1 && rest[0] == "ENABLED":
		provider["enabled"] = strings.EqualFold(strings.TrimSpace(value), "true")
	case len(rest) == 2 && rest[0] == "AI" && rest[1] == "PROVIDER":
		provider["ai_provider"] = strings.ToLower(strings.TrimSpace(value))
	case len(rest) == 2 && rest[0] == "DEFAULT" && rest[1] == "CREDENTIAL":
		provider["default_credential"] = strings.TrimSpace(value)
	case len(rest) == 2 && rest[0] == "SELECTION" && rest[1] == "POLICY":
		provider["selection_policy"] = strings.ToLower(strings.TrimSpace(value))
	case len(rest) == 2 && rest[0] == "BASE" && rest[1] == "URL":
		provider["base_url"] = strings.TrimSpace(value)
	case len(rest) >= 2 && rest[0] == "MODELS":
		modelKey := strings.ToLower(strings.Join(rest[1:], "_"))
		models := ensureMap(provider, "models")
		models[modelKey] = strings.TrimSpace(value)
	case len(rest) >= 3 && rest[0] == "CREDENTIALS":
		idx, err := strconv.Atoi(rest[1])
		if err != nil || idx < 0 {
			return
		}
		field := strings.ToLower(strings.Join(rest[2:], "_"))
		if field == "" {
			return
		}

		creds := ensureSlice(provider, "credentials", idx+1)
		cred := ensureSliceMap(creds, idx)
		if field == "priority" {
			if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				cred[field] = parsed
			} else {
				cred[field] = strings.TrimSpace(value)
			}
			return
		}
		if field == "enabled" {
			cred[field] = strings.EqualFold(strings.TrimSpace(value), "true")
			return
		}
		cred[field] = strings.TrimSpace(value)
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if parent == nil {
		return map[string]any{}
	}
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}

func ensureSlice(parent map[string]any, key string, length int) []any {
	var existing []any
	if raw, ok := parent[key]; ok {
		existing, _ = raw.([]any)
	}
	for len(existing) < length {
		existing = append(existing, map[string]any{})
	}
	parent[key] = existing
	return existing
}

func ensureSliceMap(slice []any, idx int) map[string]any {
	if idx < 0 || idx >= len(slice) {
		return map[string]any{}
	}
	if typed, ok := slice[idx].(map[string]any); ok {
		return typed
	}
	m := map[string]any{}
	slice[idx] = m
	return m
}

func toSlug(raw string) string {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "-")
}
