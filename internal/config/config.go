package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml: the stage catalog the registry is built from,
// role definitions, and outbound notification sinks.
type Config struct {
	Pipeline struct {
		Name string `yaml:"name"`
	} `yaml:"pipeline"`
	Stages   []StageConfig         `yaml:"stages"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Webhooks []WebhookConfig       `yaml:"webhooks"`
	Ntfy     NtfyConfig            `yaml:"ntfy"`
}

// StageConfig is the YAML form of one stage definition. Duration uses Go
// syntax ("72h"); AllowedNext names must refer to configured stages.
type StageConfig struct {
	Name              string   `yaml:"name"`
	DisplayName       string   `yaml:"display_name"`
	Description       string   `yaml:"description"`
	EstimatedDuration string   `yaml:"estimated_duration"`
	RequiresApproval  bool     `yaml:"requires_approval"`
	Start             bool     `yaml:"start"`
	AllowedNext       []string `yaml:"allowed_next"`
}

type RoleConfig struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Urgencies      []string `yaml:"urgencies"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type NtfyConfig struct {
	Topic          string `yaml:"topic"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Capabilities actors may hold through roles.
const (
	CapTransition = "transition"
	CapApprove    = "approve"
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Name == "" {
		return fmt.Errorf("config.pipeline.name is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages is required")
	}
	known := make(map[string]bool, len(c.Stages))
	starts := 0
	for _, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("config.stages contains a stage without a name")
		}
		if known[s.Name] {
			return fmt.Errorf("stage %s defined twice", s.Name)
		}
		known[s.Name] = true
		if s.Start {
			starts++
		}
	}
	if starts == 0 {
		return fmt.Errorf("config.stages must mark at least one start stage")
	}
	for _, s := range c.Stages {
		if s.EstimatedDuration != "" {
			if _, err := time.ParseDuration(s.EstimatedDuration); err != nil {
				return fmt.Errorf("stage %s has invalid estimated_duration %q: %w", s.Name, s.EstimatedDuration, err)
			}
		}
		for _, next := range s.AllowedNext {
			if !known[next] {
				return fmt.Errorf("stage %s allows transition to unknown stage %s", s.Name, next)
			}
		}
	}
	for roleID, role := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, cap := range role.Capabilities {
			if cap != CapTransition && cap != CapApprove {
				return fmt.Errorf("role %s has unknown capability %s", roleID, cap)
			}
		}
	}
	for _, hook := range c.Webhooks {
		for _, u := range hook.Urgencies {
			switch u {
			case "low", "medium", "high":
			default:
				return fmt.Errorf("webhook %s has unknown urgency filter %s", hook.URL, u)
			}
		}
	}
	return nil
}

// RoleCan reports whether the named role grants a capability.
func (c *Config) RoleCan(role, capability string) bool {
	r, ok := c.Roles[role]
	if !ok {
		return false
	}
	for _, cap := range r.Capabilities {
		if cap == capability {
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
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pipelineName string) string {
	return fmt.Sprintf(defaultTemplate, pipelineName)
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineName string) *Config {
	var cfg Config
	cfg.Pipeline.Name = pipelineName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, pipelineName))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `pipeline:
  name: %s

stages:
  - name: submitted
    display_name: "Submitted"
    description: "Application received and queued for review"
    estimated_duration: 24h
    start: true
    allowed_next: [under_review]

  - name: under_review
    display_name: "Under Review"
    description: "Consultant reviewing application details"
    estimated_duration: 48h
    allowed_next: [document_verification, final_approval]

  - name: document_verification
    display_name: "Document Verification"
    description: "Credentials and licensure documents being verified"
    estimated_duration: 72h
    allowed_next: [exam_scheduled, under_review]

  - name: exam_scheduled
    display_name: "Exam Scheduled"
    description: "Licensing exam booked, awaiting results"
    estimated_duration: 336h
    allowed_next: [final_approval]

  - name: final_approval
    display_name: "Final Approval"
    description: "Awaiting sign-off before placement"
    estimated_duration: 48h
    requires_approval: true
    allowed_next: [placed]

  - name: placed
    display_name: "Placed"
    description: "Candidate placed with a facility"
    estimated_duration: 24h
    allowed_next: []

roles:
  admin:
    description: "Full pipeline control"
    capabilities: [transition, approve]
  consultant:
    description: "Moves applications through the pipeline"
    capabilities: [transition]
  auditor:
    description: "Read-only access"
    capabilities: []
`
