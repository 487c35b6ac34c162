// Package config handles Aida configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./aida.yaml, ~/.config/aida/config.yaml, /etc/aida/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"aida.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aida", "config.yaml"))
	}

	paths = append(paths, "/etc/aida/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Aida configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	DataDir   string         `yaml:"data_dir"`
	OpenAI    OpenAIConfig   `yaml:"openai"`
	Agent     AgentConfig    `yaml:"agent"`
	Gate      GateConfig     `yaml:"gate"`
	WhatsApp  WhatsAppConfig `yaml:"whatsapp"`
	CRM       CRMConfig      `yaml:"crm"`
	Web       WebConfig      `yaml:"web"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
}

// OpenAIConfig defines the completion API settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// BaseURL overrides the API endpoint, for proxies and test servers.
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AgentConfig defines orchestrator behavior.
type AgentConfig struct {
	// InstructionsFile points at a markdown file with the assistant
	// persona and security rules. Empty uses the built-in default.
	InstructionsFile  string `yaml:"instructions_file"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	TurnTimeoutSec    int    `yaml:"turn_timeout_seconds"`
}

// GateConfig defines inbound message gating.
type GateConfig struct {
	// HumanCooldownSec suppresses automated replies for this many
	// seconds after a human operator sends an outbound message.
	HumanCooldownSec int `yaml:"human_cooldown_seconds"`
	// RateLimitPerMinute caps automated replies per contact.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// WhatsAppConfig defines the gateway connection.
type WhatsAppConfig struct {
	// GatewayURL is the WebSocket endpoint for the event stream.
	GatewayURL string `yaml:"gateway_url"`
	// APIURL is the REST endpoint for sending messages.
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
}

// CRMConfig defines the record store connection.
type CRMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// WebConfig defines the dashboard/diagnostics server.
type WebConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig defines the optional ops broker publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_seconds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   defaultDataDir(),
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o",
			TimeoutSeconds: 90,
		},
		Agent: AgentConfig{
			MaxToolIterations: 4,
			TurnTimeoutSec:    120,
		},
		Gate: GateConfig{
			HumanCooldownSec:   300,
			RateLimitPerMinute: 10,
		},
		Web: WebConfig{
			Listen: "127.0.0.1:8790",
		},
		MQTT: MQTTConfig{
			DeviceName:         "aida",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "aida")
	}
	return "."
}

// Validate checks for settings that would make the daemon unusable.
// Credential absence is deliberately not fatal here — the diagnostics
// surface reports it, and simulate/diag subcommands work without keys.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("agent.max_tool_iterations must be >= 1, got %d", c.Agent.MaxToolIterations)
	}
	if c.Gate.HumanCooldownSec < 0 {
		return fmt.Errorf("gate.human_cooldown_seconds must be >= 0, got %d", c.Gate.HumanCooldownSec)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	return nil
}
