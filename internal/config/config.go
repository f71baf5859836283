package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"devflow/internal/domain"
)

const fileName = "devflow.yml"

// Config models devflow.yml.
type Config struct {
	Workflow Workflow        `yaml:"workflow"`
	History  History         `yaml:"history"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type Workflow struct {
	// StrictTransitions rejects role changes missing from Transitions.
	StrictTransitions bool `yaml:"strict_transitions"`
	// AutoTransitions moves the project between DEVELOPMENT, QA and
	// ORCHESTRATOR as tasks complete and reviews finish.
	AutoTransitions   bool                `yaml:"auto_transitions"`
	Transitions       map[string][]string `yaml:"transitions"`
	FixPriorityOffset int                 `yaml:"fix_priority_offset"`
}

type History struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for from, targets := range c.Workflow.Transitions {
		if !domain.Role(from).Valid() {
			return fmt.Errorf("workflow.transitions: unknown role %s", from)
		}
		for _, to := range targets {
			if !domain.Role(to).Valid() {
				return fmt.Errorf("workflow.transitions.%s: unknown role %s", from, to)
			}
		}
	}
	if c.Workflow.StrictTransitions && len(c.Workflow.Transitions) == 0 {
		return fmt.Errorf("workflow.strict_transitions requires workflow.transitions")
	}
	if c.Workflow.FixPriorityOffset < 0 {
		return fmt.Errorf("workflow.fix_priority_offset must be >= 0")
	}
	if c.History.DefaultLimit <= 0 {
		return fmt.Errorf("history.default_limit must be > 0")
	}
	if c.History.MaxLimit < c.History.DefaultLimit {
		return fmt.Errorf("history.max_limit must be >= history.default_limit")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// Allowed reports whether the transitions table permits from -> to.
// Staying in the same role is always allowed.
func (c *Config) Allowed(from, to domain.Role) bool {
	if from == to {
		return true
	}
	for _, target := range c.Workflow.Transitions[string(from)] {
		if domain.Role(target) == to {
			return true
		}
	}
	return false
}

// HistoryLimit clamps a requested page size to the configured bounds.
func (c *Config) HistoryLimit(requested int) int {
	if requested <= 0 {
		return c.History.DefaultLimit
	}
	if requested > c.History.MaxLimit {
		return c.History.MaxLimit
	}
	return requested
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with dfl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// WriteDefault writes the default template unless a config already exists.
func WriteDefault(workspace string) (string, bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return path, false, err
	}
	return path, true, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes. Omitted sections keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  strict_transitions: false
  auto_transitions: true
  fix_priority_offset: 1
  transitions:
    TRIAGE: [PLANNING]
    PLANNING: [DEVELOPMENT]
    DEVELOPMENT: [QA]
    QA: [DEVELOPMENT, ORCHESTRATOR]
    ORCHESTRATOR: []

history:
  default_limit: 10
  max_limit: 200

server:
  addr: 127.0.0.1:8080
  base_path: /v1

webhooks: []
`
