package config

// Config is the root configuration for the tagall agent.
type Config struct {
	Backend   string          `yaml:"backend,omitempty"` // "irc" | "bridge"
	IRC       *IRCConfig      `yaml:"irc,omitempty"`
	Bridge    *BridgeConfig   `yaml:"bridge,omitempty"`
	Commands  CommandsConfig  `yaml:"commands,omitempty"`
	Delivery  DeliveryConfig  `yaml:"delivery,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// IRCConfig defines the IRC backend. Joined channels are the group
// conversations; channel operators are group admins.
type IRCConfig struct {
	Server    string   `yaml:"server"`
	Port      int      `yaml:"port,omitempty"`
	Nick      string   `yaml:"nick"`
	Password  string   `yaml:"password,omitempty"`
	Channels  []string `yaml:"channels"`
	UseTLS    bool     `yaml:"useTLS,omitempty"`
	SASL      bool     `yaml:"sasl,omitempty"`
	Multiline bool     `yaml:"multiline,omitempty"` // request IRCv3 draft/multiline
}

// BridgeConfig defines the WebSocket bridge backend.
type BridgeConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token,omitempty"`
	RequestTimeout int    `yaml:"requestTimeoutMs,omitempty"`
}

// CommandsConfig controls classification and execution of commands.
type CommandsConfig struct {
	Marker        string `yaml:"marker,omitempty"`
	ContentPolicy string `yaml:"contentPolicy,omitempty"` // "text-bearing" | "plain"
	CooldownMs    int    `yaml:"cooldownMs,omitempty"`
	TimeoutMs     int    `yaml:"timeoutMs,omitempty"`
	AllowBotAdmin bool   `yaml:"allowBotAdmin,omitempty"` // bot's own admin role also authorizes
	DedupWindowMs int    `yaml:"dedupWindowMs,omitempty"`
}

// DeliveryConfig controls outbound retries.
type DeliveryConfig struct {
	MaxAttempts   int `yaml:"maxAttempts,omitempty"`
	DelayMs       int `yaml:"delayMs,omitempty"`
	MaxReadyWaits int `yaml:"maxReadyWaits,omitempty"` // 0: wait for readiness until the command times out
}

// ReconnectConfig controls the supervisor's reconnect delay. A multiplier
// of 1 keeps the delay fixed.
type ReconnectConfig struct {
	DelayMs    int     `yaml:"delayMs,omitempty"`
	MaxDelayMs int     `yaml:"maxDelayMs,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

// StoreConfig selects where command invocations are recorded.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "none"
	Path   string `yaml:"path,omitempty"`   // defaults to <data>/tagall.db
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}
