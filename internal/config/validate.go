package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validBackends := []string{"irc", "bridge"}
	if !slices.Contains(validBackends, cfg.Backend) {
		issues = append(issues, ValidationIssue{
			Path:    "backend",
			Message: fmt.Sprintf("must be one of %v, got %q", validBackends, cfg.Backend),
		})
	}

	// Backend sections are only required for the selected backend.
	switch cfg.Backend {
	case "irc":
		issues = append(issues, validateIRC(cfg.IRC)...)
	case "bridge":
		issues = append(issues, validateBridge(cfg.Bridge)...)
	}

	// Commands validation
	marker := []rune(cfg.Commands.Marker)
	if len(marker) != 1 || unicode.IsSpace(marker[0]) || unicode.IsLetter(marker[0]) || unicode.IsDigit(marker[0]) {
		issues = append(issues, ValidationIssue{
			Path:    "commands.marker",
			Message: fmt.Sprintf("must be a single punctuation character, got %q", cfg.Commands.Marker),
		})
	}

	validPolicies := []string{"text-bearing", "plain"}
	if !slices.Contains(validPolicies, cfg.Commands.ContentPolicy) {
		issues = append(issues, ValidationIssue{
			Path:    "commands.contentPolicy",
			Message: fmt.Sprintf("must be one of %v, got %q", validPolicies, cfg.Commands.ContentPolicy),
		})
	}

	if cfg.Commands.CooldownMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "commands.cooldownMs",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Commands.CooldownMs),
		})
	}
	if cfg.Commands.TimeoutMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "commands.timeoutMs",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Commands.TimeoutMs),
		})
	}

	// Delivery validation
	if cfg.Delivery.MaxAttempts < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "delivery.maxAttempts",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Delivery.MaxAttempts),
		})
	}
	if cfg.Delivery.DelayMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "delivery.delayMs",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Delivery.DelayMs),
		})
	}
	if cfg.Delivery.MaxReadyWaits < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "delivery.maxReadyWaits",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Delivery.MaxReadyWaits),
		})
	}

	// Reconnect validation
	if cfg.Reconnect.DelayMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.delayMs",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Reconnect.DelayMs),
		})
	}
	if cfg.Reconnect.Multiplier < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.multiplier",
			Message: fmt.Sprintf("must be at least 1, got %v", cfg.Reconnect.Multiplier),
		})
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.DelayMs {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.maxDelayMs",
			Message: fmt.Sprintf("must be at least delayMs (%d), got %d", cfg.Reconnect.DelayMs, cfg.Reconnect.MaxDelayMs),
		})
	}

	validDrivers := []string{"sqlite", "none"}
	if !slices.Contains(validDrivers, cfg.Store.Driver) {
		issues = append(issues, ValidationIssue{
			Path:    "store.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", validDrivers, cfg.Store.Driver),
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	return issues
}

func validateIRC(irc *IRCConfig) []ValidationIssue {
	if irc == nil {
		return []ValidationIssue{{Path: "irc", Message: "irc section is required when backend is irc"}}
	}

	var issues []ValidationIssue
	if irc.Server == "" {
		issues = append(issues, ValidationIssue{
			Path:    "irc.server",
			Message: "server is required",
		})
	}
	if irc.Nick == "" {
		issues = append(issues, ValidationIssue{
			Path:    "irc.nick",
			Message: "nick is required",
		})
	}
	if irc.Port < 0 || irc.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "irc.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", irc.Port),
		})
	}
	if irc.SASL && irc.Password == "" {
		issues = append(issues, ValidationIssue{
			Path:    "irc.sasl",
			Message: "SASL requires a password to be set",
		})
	}
	for i, ch := range irc.Channels {
		if !strings.HasPrefix(ch, "#") && !strings.HasPrefix(ch, "&") {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("irc.channels[%d]", i),
				Message: fmt.Sprintf("not a channel name: %q", ch),
			})
		}
	}
	return issues
}

func validateBridge(b *BridgeConfig) []ValidationIssue {
	if b == nil {
		return []ValidationIssue{{Path: "bridge", Message: "bridge section is required when backend is bridge"}}
	}

	var issues []ValidationIssue
	u, err := url.Parse(b.URL)
	if b.URL == "" || err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		issues = append(issues, ValidationIssue{
			Path:    "bridge.url",
			Message: fmt.Sprintf("must be a ws:// or wss:// URL, got %q", b.URL),
		})
	}
	if b.RequestTimeout < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "bridge.requestTimeoutMs",
			Message: fmt.Sprintf("must not be negative, got %d", b.RequestTimeout),
		})
	}
	return issues
}
