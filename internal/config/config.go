package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the warden gateway.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	Policy       PolicyConfig       `yaml:"policy"`
	Notifiers    NotifiersConfig    `yaml:"notifiers,omitempty"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ProviderConfig defines one model backend.
type ProviderConfig struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"` // "ollama" or "openai-compatible"
	URL    string   `yaml:"url"`
	APIKey string   `yaml:"api_key,omitempty"`
	Models []string `yaml:"models,omitempty"`
}

// CapabilityConfig maps an abstract capability to its ordered fallback chain.
type CapabilityConfig struct {
	Name  string       `yaml:"name"`
	Chain []SlotConfig `yaml:"chain"`
}

// SlotConfig is one (provider, model) fallback slot.
type SlotConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PolicyConfig defines approval gating settings.
type PolicyConfig struct {
	WaitBudget    string `yaml:"wait_budget,omitempty"`     // per-call approval wait
	PendingMaxAge string `yaml:"pending_max_age,omitempty"` // sweep expiry age
}

// GetWaitBudget returns the per-call approval wait budget.
func (p *PolicyConfig) GetWaitBudget() time.Duration {
	return parseDurationOr(p.WaitBudget, 2*time.Minute)
}

// GetPendingMaxAge returns the age after which pending actions expire.
func (p *PolicyConfig) GetPendingMaxAge() time.Duration {
	return parseDurationOr(p.PendingMaxAge, 10*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NotifiersConfig defines remote approval notification channels.
type NotifiersConfig struct {
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	Discord  DiscordConfig  `yaml:"discord,omitempty"`
}

// TelegramConfig defines the Telegram approval notifier.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// DiscordConfig defines the Discord approval notifier.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file with environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("WARDEN_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.Port)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Store.Backend = "redis"
		c.Store.Addr = addr
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Notifiers.Telegram.Token = token
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		c.Notifiers.Discord.Token = token
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		for i := range c.Providers {
			if c.Providers[i].Type == "openai-compatible" {
				c.Providers[i].APIKey = apiKey
			}
		}
	}
}

// Validate validates the configuration. An empty capability chain is a
// configuration error, never recovered from at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if p.URL == "" {
			return fmt.Errorf("provider %s: URL is required", p.Name)
		}
		names[p.Name] = true
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	for _, cap := range c.Capabilities {
		if len(cap.Chain) == 0 {
			return fmt.Errorf("capability %s has an empty fallback chain", cap.Name)
		}
		for _, slot := range cap.Chain {
			if !names[slot.Provider] {
				return fmt.Errorf("capability %s references unknown provider %s", cap.Name, slot.Provider)
			}
		}
	}
	if c.Store.Backend == "redis" && c.Store.Addr == "" {
		return fmt.Errorf("redis store requires addr")
	}
	return nil
}
