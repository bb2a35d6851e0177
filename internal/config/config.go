package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	defaultMarker        = "."
	defaultContentPolicy = "text-bearing"
	defaultCooldownMs    = 10_000
	defaultTimeoutMs     = 60_000
	defaultDedupMs       = 120_000
	defaultMaxAttempts   = 5
	defaultRetryDelayMs  = 3_000
	defaultReconnectMs   = 3_000
	defaultMaxReconnect  = 60_000
	defaultBridgeTimeout = 30_000
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Backend: "irc",
		Commands: CommandsConfig{
			Marker:        defaultMarker,
			ContentPolicy: defaultContentPolicy,
			CooldownMs:    defaultCooldownMs,
			TimeoutMs:     defaultTimeoutMs,
			DedupWindowMs: defaultDedupMs,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: defaultMaxAttempts,
			DelayMs:     defaultRetryDelayMs,
		},
		Reconnect: ReconnectConfig{
			DelayMs:    defaultReconnectMs,
			MaxDelayMs: defaultMaxReconnect,
			Multiplier: 1,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// Cooldown returns the rate limiter window.
func (c CommandsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// Timeout returns the upper bound on a single command execution.
func (c CommandsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DedupWindow returns how long an inbound event ID is remembered.
func (c CommandsConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// Delay returns the wait between delivery attempts.
func (d DeliveryConfig) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}

// Delay returns the initial reconnect delay.
func (r ReconnectConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// RequestTimeoutDuration returns the bridge request timeout.
func (b BridgeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Millisecond
}
