package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"leadline/internal/domain"
)

// Config models leadline.yml.
type Config struct {
	Offers   Offers    `yaml:"offers"`
	RBAC     RBAC      `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
	Log      struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Offers controls how long a professional has to respond and who gets
// offered an intake next when nobody takes it.
type Offers struct {
	Window        time.Duration `yaml:"window"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Professionals []string      `yaml:"professionals"`
}

type RBAC struct {
	Roles map[string]RBACRole `yaml:"roles"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with leadline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Offers.Window <= 0 {
		return fmt.Errorf("config.offers.window must be positive")
	}
	if c.Offers.MaxAttempts < 1 {
		return fmt.Errorf("config.offers.max_attempts must be at least 1")
	}
	if c.Offers.SweepInterval < 0 {
		return fmt.Errorf("config.offers.sweep_interval must not be negative")
	}
	seen := map[string]bool{}
	for _, p := range c.Offers.Professionals {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.offers.professionals contains empty id")
		}
		if seen[p] {
			return fmt.Errorf("config.offers.professionals lists %s twice", p)
		}
		seen[p] = true
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %d has invalid url %q", i, hook.URL)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event type", hook.URL)
			}
		}
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("config.log.level: %w", err)
		}
	}
	return nil
}

// OfferWindow is the response window for an intake of the given urgency.
func (c *Config) OfferWindow(urgency string) time.Duration {
	switch urgency {
	case domain.UrgencyUrgent:
		return c.Offers.Window / 2
	case domain.UrgencyEmergency:
		return c.Offers.Window / 4
	}
	return c.Offers.Window
}

// Permissions returns the union of permissions granted by roles.
func (c *Config) Permissions(roles []string) map[string]bool {
	out := map[string]bool{}
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			out[p] = true
		}
	}
	return out
}

// WantsEvent reports whether the webhook subscribes to the event type.
// An empty list or "*" subscribes to everything.
func (w Webhook) WantsEvent(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == "*" || e == eventType {
			return true
		}
		if strings.HasSuffix(e, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(e, "*")) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `offers:
  window: 24h
  max_attempts: 3
  sweep_interval: 1m
  professionals: []

rbac:
  roles:
    admin:
      description: "Operates intake routing"
      permissions:
        - intake.create
        - intake.read
        - intake.offer
        - case.read
        - case.read.any
        - lead.sweep
        - event.read
        - lead.list
        - lead.respond
    professional:
      description: "Immigration professional receiving leads"
      permissions:
        - lead.list
        - lead.respond
        - case.read
    intake:
      description: "Public intake form backend"
      permissions:
        - intake.create

webhooks: []

log:
  level: info
`
