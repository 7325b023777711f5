package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the contents of engine.yaml.
type EngineConfig struct {
	Version int `yaml:"version"`
	Engine  struct {
		Name          string `yaml:"name"`
		ExecutionMode string `yaml:"execution_mode"` // deploy or draft
		Simulation    bool   `yaml:"simulation"`
	} `yaml:"engine"`
	Network struct {
		APIPort  int `yaml:"api_port"`
		MQTTPort int `yaml:"mqtt_port"`
		DBPort   int `yaml:"db_port"`
	} `yaml:"network"`
	Oracle struct {
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"oracle"`
	Pipeline struct {
		Workdir             string `yaml:"workdir"`
		StageTimeoutSeconds int    `yaml:"stage_timeout_seconds"`
	} `yaml:"pipeline"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *EngineConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// ExecutionMode defaults to draft so a bare config never deploys.
func (c *EngineConfig) ExecutionMode() string {
	if c.Engine.ExecutionMode == "" {
		return "draft"
	}
	return c.Engine.ExecutionMode
}

// Workdir returns the pipeline working directory, defaulting to a
// deploy subdirectory of the current directory.
func (c *EngineConfig) Workdir() string {
	if c.Pipeline.Workdir == "" {
		return "deploy"
	}
	return c.Pipeline.Workdir
}

// StageTimeout converts the configured seconds into a duration, zero
// meaning "use the runner default".
func (c *EngineConfig) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutSeconds) * time.Second
}

func LoadEngineConfig(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported engine.yaml version: %d", cfg.Version)
	}
	switch cfg.Engine.ExecutionMode {
	case "", "deploy", "draft":
	default:
		return nil, fmt.Errorf("invalid execution_mode: %q", cfg.Engine.ExecutionMode)
	}

	return &cfg, nil
}
