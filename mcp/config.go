// Package mcp implements the tool-routing layer: a fleet of
// independently configured tool-provider subprocesses speaking the
// Model Context Protocol over stdio, an aggregate tool catalog, and
// name-based dispatch to whichever provider declares a tool.
package mcp

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig describes one tool-provider process. Source, when set,
// points at a remote repository the provider is installed from on
// first start (see Installer); its form is "<scheme>+<repository-url>",
// currently only "git+".
type ServerConfig struct {
	ID      string            `yaml:"id" validate:"required"`
	Command string            `yaml:"command" validate:"required"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`
	Source  string            `yaml:"source"`
}

// Config is the provider fleet. Order is significant: when two
// providers declare the same tool name, the earlier entry wins routing.
type Config struct {
	Servers []ServerConfig `yaml:"mcp_servers" validate:"dive"`
}

// LoadConfig reads and validates a YAML provider configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	return ParseConfig(buf)
}

// ParseConfig decodes and validates YAML provider configuration bytes.
func ParseConfig(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	seen := map[string]bool{}
	for _, srv := range cfg.Servers {
		if seen[srv.ID] {
			return nil, fmt.Errorf("invalid provider config: duplicate provider id %q", srv.ID)
		}
		seen[srv.ID] = true
	}

	return &cfg, nil
}
