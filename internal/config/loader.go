package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so passwords and tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	if cfg.IRC != nil {
		cfg.IRC.Password = expandEnvVars(cfg.IRC.Password)
	}
	if cfg.Bridge != nil {
		cfg.Bridge.Token = expandEnvVars(cfg.Bridge.Token)
		cfg.Bridge.URL = expandEnvVars(cfg.Bridge.URL)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = "irc"
	}
	if cfg.Commands.Marker == "" {
		cfg.Commands.Marker = defaultMarker
	}
	if cfg.Commands.ContentPolicy == "" {
		cfg.Commands.ContentPolicy = defaultContentPolicy
	}
	if cfg.Commands.CooldownMs == 0 {
		cfg.Commands.CooldownMs = defaultCooldownMs
	}
	if cfg.Commands.TimeoutMs == 0 {
		cfg.Commands.TimeoutMs = defaultTimeoutMs
	}
	if cfg.Commands.DedupWindowMs == 0 {
		cfg.Commands.DedupWindowMs = defaultDedupMs
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Delivery.DelayMs == 0 {
		cfg.Delivery.DelayMs = defaultRetryDelayMs
	}
	if cfg.Reconnect.DelayMs == 0 {
		cfg.Reconnect.DelayMs = defaultReconnectMs
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = defaultMaxReconnect
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = 1
	}
	if cfg.Bridge != nil && cfg.Bridge.RequestTimeout == 0 {
		cfg.Bridge.RequestTimeout = defaultBridgeTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}

// applyEnvOverrides reads TAGALL_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TAGALL_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TAGALL_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Commands.CooldownMs = ms
		}
	}
	if v := os.Getenv("TAGALL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
