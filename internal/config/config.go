package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for botfleet.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Registry   RegistryConfig   `json:"registry"`
	Reasoning  ReasoningConfig  `json:"reasoning"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Router     RouterConfig     `json:"router"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	DeadLetter DeadLetterConfig `json:"deadLetter"`
	API        APIConfig        `json:"api"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"` // "debug" | "info" | "warn" | "error"
}

// RegistryConfig configures the durable binding store.
type RegistryConfig struct {
	DBPath        string `json:"dbPath"`
	MasterKey     string `json:"masterKey,omitempty"`     // base64 32-byte key, usually ${BOTFLEET_MASTER_KEY}
	MasterKeyFile string `json:"masterKeyFile,omitempty"` // preferred over an inline key
	SeedPath      string `json:"seedPath,omitempty"`      // optional YAML bindings file applied at startup
}

// ReasoningConfig points at the external reasoning service.
type ReasoningConfig struct {
	BaseURL        string `json:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
}

// SupervisorConfig bounds connection lifecycle transitions.
type SupervisorConfig struct {
	MaxRetries            int `json:"maxRetries"`
	BackoffBaseMS         int `json:"backoffBaseMs"`
	BackoffCapMS          int `json:"backoffCapMs"`
	HealthIntervalSeconds int `json:"healthIntervalSeconds"`
	ConnectTimeoutSeconds int `json:"connectTimeoutSeconds"`
	StopTimeoutSeconds    int `json:"stopTimeoutSeconds"`
}

// RouterConfig sizes the inbound pipeline.
type RouterConfig struct {
	QueueSize       int `json:"queueSize"`       // shared intake buffer
	ChatQueueSize   int `json:"chatQueueSize"`   // per-chat ordered queue
	DedupeSize      int `json:"dedupeSize"`      // recent message IDs kept per binding
	ChatIdleSeconds int `json:"chatIdleSeconds"` // idle chat workers exit after this
}

// DispatchConfig bounds the outbound send path.
type DispatchConfig struct {
	SendTimeoutSeconds int        `json:"sendTimeoutSeconds"`
	RetryWaitSeconds   int        `json:"retryWaitSeconds"` // single wait before RoutingError
	Discord            RateConfig `json:"discord"`
	Telegram           RateConfig `json:"telegram"`
}

// RateConfig is a token-bucket sizing: sustained rate plus burst capacity.
type RateConfig struct {
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

// DeadLetterConfig selects the sink for undeliverable envelopes.
// Brokers set: Kafka. Otherwise: local SQLite at DBPath.
type DeadLetterConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	DBPath  string   `json:"dbPath,omitempty"`
}

// APIConfig configures the HTTP surface (webhook ingress + management).
type APIConfig struct {
	Host             string  `json:"host"`
	Port             int     `json:"port"`
	AuthToken        string  `json:"authToken,omitempty"`      // Bearer token for management routes
	WebhookBaseURL   string  `json:"webhookBaseUrl,omitempty"` // public URL registered with webhook platforms
	WebhookPerSecond float64 `json:"webhookPerSecond"`         // per-agent ingress request limit
	WebhookBurst     int     `json:"webhookBurst"`
}

// DefaultConfigDir returns the default config directory (~/.botfleet).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".botfleet"
	}
	return filepath.Join(home, ".botfleet")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Registry.DBPath = ExpandPath(cfg.Registry.DBPath)
	cfg.Registry.MasterKeyFile = ExpandPath(cfg.Registry.MasterKeyFile)
	cfg.Registry.SeedPath = ExpandPath(cfg.Registry.SeedPath)
	cfg.DeadLetter.DBPath = ExpandPath(cfg.DeadLetter.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Registry.DBPath == "" {
		errs = append(errs, "registry.dbPath is required")
	}
	if cfg.Registry.MasterKey != "" && cfg.Registry.MasterKeyFile != "" {
		errs = append(errs, "registry.masterKey and registry.masterKeyFile are mutually exclusive")
	}

	if cfg.Reasoning.BaseURL == "" {
		errs = append(errs, "reasoning.baseUrl is required")
	} else if u, err := url.Parse(cfg.Reasoning.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("reasoning.baseUrl is not a valid URL: %s", cfg.Reasoning.BaseURL))
	}
	if cfg.Reasoning.TimeoutSeconds < 1 {
		errs = append(errs, "reasoning.timeoutSeconds must be >= 1")
	}
	if cfg.Reasoning.MaxRetries < 0 || cfg.Reasoning.MaxRetries > 10 {
		errs = append(errs, "reasoning.maxRetries must be between 0 and 10")
	}

	if cfg.Supervisor.MaxRetries < 0 || cfg.Supervisor.MaxRetries > 50 {
		errs = append(errs, "supervisor.maxRetries must be between 0 and 50")
	}
	if cfg.Supervisor.BackoffBaseMS < 1 {
		errs = append(errs, "supervisor.backoffBaseMs must be >= 1")
	}
	if cfg.Supervisor.BackoffCapMS < cfg.Supervisor.BackoffBaseMS {
		errs = append(errs, "supervisor.backoffCapMs must be >= supervisor.backoffBaseMs")
	}
	if cfg.Supervisor.HealthIntervalSeconds < 1 {
		errs = append(errs, "supervisor.healthIntervalSeconds must be >= 1")
	}
	if cfg.Supervisor.ConnectTimeoutSeconds < 1 {
		errs = append(errs, "supervisor.connectTimeoutSeconds must be >= 1")
	}
	if cfg.Supervisor.StopTimeoutSeconds < 1 {
		errs = append(errs, "supervisor.stopTimeoutSeconds must be >= 1")
	}

	if cfg.Router.QueueSize < 1 {
		errs = append(errs, "router.queueSize must be >= 1")
	}
	if cfg.Router.ChatQueueSize < 1 {
		errs = append(errs, "router.chatQueueSize must be >= 1")
	}
	if cfg.Router.DedupeSize < 1 {
		errs = append(errs, "router.dedupeSize must be >= 1")
	}
	if cfg.Router.ChatIdleSeconds < 1 {
		errs = append(errs, "router.chatIdleSeconds must be >= 1")
	}

	if cfg.Dispatch.SendTimeoutSeconds < 1 {
		errs = append(errs, "dispatch.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Dispatch.RetryWaitSeconds < 1 {
		errs = append(errs, "dispatch.retryWaitSeconds must be >= 1")
	}
	for name, rc := range map[string]RateConfig{"discord": cfg.Dispatch.Discord, "telegram": cfg.Dispatch.Telegram} {
		if rc.PerSecond <= 0 {
			errs = append(errs, fmt.Sprintf("dispatch.%s.perSecond must be > 0", name))
		}
		if rc.Burst < 1 {
			errs = append(errs, fmt.Sprintf("dispatch.%s.burst must be >= 1", name))
		}
	}

	if len(cfg.DeadLetter.Brokers) > 0 && cfg.DeadLetter.Topic == "" {
		errs = append(errs, "deadLetter.topic is required when deadLetter.brokers is set")
	}
	if len(cfg.DeadLetter.Brokers) == 0 && cfg.DeadLetter.DBPath == "" {
		errs = append(errs, "deadLetter.dbPath is required when no brokers are configured")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.WebhookBaseURL != "" {
		if u, err := url.Parse(cfg.API.WebhookBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("api.webhookBaseUrl is not a valid URL: %s", cfg.API.WebhookBaseURL))
		}
	}
	if cfg.API.WebhookPerSecond <= 0 {
		errs = append(errs, "api.webhookPerSecond must be > 0")
	}
	if cfg.API.WebhookBurst < 1 {
		errs = append(errs, "api.webhookBurst must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
