package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig holds per-project configuration from .coxswain.yaml.
type FileConfig struct {
	Agent           string   `yaml:"agent"`
	AgentArgs       []string `yaml:"agent_args"`
	Model           string   `yaml:"model"`
	ApprovalPolicy  string   `yaml:"approval_policy"`
	Sandbox         string   `yaml:"sandbox"`
	AllowedCommands []string `yaml:"allowed_commands"`
	AllowFileEdits  bool     `yaml:"allow_file_edits"`
	GracePeriod     Duration `yaml:"grace_period"`
	IdlePeriod      Duration `yaml:"idle_period"`
	MaxAttempts     int      `yaml:"max_attempts"`
	SteerFile       string   `yaml:"steer_file"`
	RelayAddr       string   `yaml:"relay_addr"`
}

// LoadFileConfig loads .coxswain.yaml from dir. A missing file yields
// defaults.
func LoadFileConfig(dir string) (*FileConfig, error) {
	configPath := filepath.Join(dir, ".coxswain.yaml")

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return defaultFileConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	config := defaultFileConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if config.Agent == "" {
		config.Agent = "codex"
	}
	if len(config.AgentArgs) == 0 {
		config.AgentArgs = []string{"app-server"}
	}
	return config, nil
}

func defaultFileConfig() *FileConfig {
	return &FileConfig{
		Agent:     "codex",
		AgentArgs: []string{"app-server"},
	}
}
