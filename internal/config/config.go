package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// KeyPattern constrains project keys; keys are immutable once created.
var KeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_-]{0,31}$`)

var methodologies = map[string]bool{
	"predictive": true,
	"agile":      true,
	"hybrid":     true,
}

// Config models paperline.yml. It is stored per project in the database and
// importable/exportable as YAML.
type Config struct {
	Project struct {
		Key         string `yaml:"key"`
		Name        string `yaml:"name"`
		Methodology string `yaml:"methodology"`
	} `yaml:"project"`
	Artifacts struct {
		Root string `yaml:"root"`
	} `yaml:"artifacts"`
	Audit struct {
		DefaultPageSize int `yaml:"default_page_size"`
		MaxPageSize     int `yaml:"max_page_size"`
	} `yaml:"audit"`
}

// Default returns the seed config for a new project.
func Default(projectKey string) *Config {
	cfg := &Config{}
	cfg.Project.Key = projectKey
	cfg.Project.Name = projectKey
	cfg.Project.Methodology = "predictive"
	cfg.Artifacts.Root = "artifacts/"
	cfg.Audit.DefaultPageSize = 50
	cfg.Audit.MaxPageSize = 200
	return cfg
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paperline.yml")
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Key == "" {
		return fmt.Errorf("config.project.key is required")
	}
	if !KeyPattern.MatchString(c.Project.Key) {
		return fmt.Errorf("config.project.key %q does not match %s", c.Project.Key, KeyPattern)
	}
	if c.Project.Methodology != "" && !methodologies[c.Project.Methodology] {
		return fmt.Errorf("config.project.methodology must be one of predictive, agile, hybrid")
	}
	if c.Artifacts.Root == "" {
		c.Artifacts.Root = "artifacts/"
	}
	if c.Artifacts.Root[len(c.Artifacts.Root)-1] != '/' {
		return fmt.Errorf("config.artifacts.root must end with /")
	}
	if c.Audit.DefaultPageSize < 0 || c.Audit.MaxPageSize < 0 {
		return fmt.Errorf("config.audit page sizes must be non-negative")
	}
	if c.Audit.DefaultPageSize == 0 {
		c.Audit.DefaultPageSize = 50
	}
	if c.Audit.MaxPageSize == 0 {
		c.Audit.MaxPageSize = 200
	}
	if c.Audit.DefaultPageSize > c.Audit.MaxPageSize {
		return fmt.Errorf("config.audit.default_page_size exceeds max_page_size")
	}
	return nil
}
