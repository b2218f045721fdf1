// Package config loads the per-workspace run configuration from
// <workdir>/.waa/config.json.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrMissingConfiguration is returned when a required workspace file
// (config.json or instruction.md) is absent at its fixed location.
var ErrMissingConfiguration = errors.New("missing configuration")

const (
	// StateDirName is the workspace subdirectory holding all agent state.
	StateDirName = ".waa"

	configFileName      = "config.json"
	instructionFileName = "instruction.md"

	defaultMaxTurns = 50
)

// Config mirrors the recognized keys of .waa/config.json. The file is JSON,
// which the YAML loader accepts as-is.
type Config struct {
	LLMType        string   `json:"llm_type" yaml:"llm_type"`
	Model          string   `json:"model" yaml:"model"`
	APIKey         string   `json:"api_key" yaml:"api_key"`
	MaxTurns       int      `json:"max_turns" yaml:"max_turns"`
	AllowedTools   []string `json:"allowed_tools" yaml:"allowed_tools"`
	MockResponses  []string `json:"mock_responses" yaml:"mock_responses"`
	ProtectedFiles []string `json:"protected_files" yaml:"protected_files"`
}

// StateDir returns the agent state directory for a workspace.
func StateDir(workdir string) string {
	return filepath.Join(workdir, StateDirName)
}

// Load reads and validates the workspace configuration.
func Load(workdir string) (*Config, error) {
	path := filepath.Join(StateDir(workdir), configFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file not found: %s", ErrMissingConfiguration, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadInstruction reads the user instruction text for a workspace.
func LoadInstruction(workdir string) (string, error) {
	path := filepath.Join(StateDir(workdir), instructionFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: instruction file not found: %s", ErrMissingConfiguration, path)
		}
		return "", fmt.Errorf("read instruction: %w", err)
	}
	return string(b), nil
}

func (c *Config) applyDefaults() {
	if c.LLMType == "" {
		c.LLMType = "mock"
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
}
