package executor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the worker-side execution settings: where the inference
// server lives, how to reach it and how long to wait for it.
type Config struct {
	// InstallPath is the inference server's install directory, containing
	// its main.py entry point.
	InstallPath string `yaml:"install_path"`

	// PythonExecutable launches the server. Empty means the install's
	// bundled interpreter is tried first, then "python" from PATH.
	PythonExecutable string `yaml:"python_executable"`

	// BasePort is the first port tried when picking a listen port.
	BasePort int `yaml:"base_port"`

	// PortSearchRange is how many consecutive ports from BasePort are
	// probed before giving up.
	PortSearchRange int `yaml:"port_search_range"`

	// OutputDirectory overrides the server's output location. Empty keeps
	// the server default (output/ under the install).
	OutputDirectory string `yaml:"output_directory"`

	// ExtraArgs are appended to the server command line verbatim.
	ExtraArgs []string `yaml:"extra_args"`

	StartupTimeout   time.Duration `yaml:"startup_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`

	// GracePeriod is how long the server gets between the polite stop
	// signal and the forced kill.
	GracePeriod time.Duration `yaml:"grace_period"`
}

func (c *Config) defaults() {
	if c.BasePort <= 0 {
		c.BasePort = 8188
	}
	if c.PortSearchRange <= 0 {
		c.PortSearchRange = 100
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 3 * time.Minute
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 2 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
}

// DefaultConfig returns a config with all defaults filled in. InstallPath
// still has to be set by the caller.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file and fills in defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.InstallPath == "" {
		return fmt.Errorf("config: install_path is required")
	}
	if _, err := os.Stat(c.InstallPath); err != nil {
		return fmt.Errorf("config: install_path: %w", err)
	}
	return nil
}
