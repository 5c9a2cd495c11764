/*
Package config loads the enclave's init-time contract from a single
YAML file: every setting is read once at startup and nothing is
re-read from the environment afterward. This engine has no runtime
reconfiguration story, so the whole contract lives in one
load-at-init struct.
*/
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veilmesh/taskcore/pkg/log"
)

// Config is the enclave init contract.
type Config struct {
	// DataDir is where the Storage Backend's bbolt file lives.
	DataDir string `yaml:"data_dir"`
	// MasterKeyHandlePath points at the master-key handle material the
	// Storage Backend derives its sealing key from. The plaintext key
	// itself is never embedded in this file.
	MasterKeyHandlePath string `yaml:"master_key_handle_path"`

	// AuthServiceAddr and AuditSinkAddr name the out-of-scope external
	// collaborators this repo never dials directly; they are recorded
	// here only because the environment contract requires the enclave
	// to learn them once, at init.
	AuthServiceAddr string `yaml:"auth_service_addr,omitempty"`
	AuditSinkAddr   string `yaml:"audit_sink_addr,omitempty"`

	LogLevel    log.Level `yaml:"log_level"`
	LogJSON     bool      `yaml:"log_json"`
	MetricsAddr string    `yaml:"metrics_addr,omitempty"`
	MaxAttempts int       `yaml:"max_attempts"`
}

// Default returns a Config usable for local development and tests.
func Default() Config {
	return Config{
		DataDir:     ".",
		LogLevel:    log.LevelInfo,
		MaxAttempts: 3,
	}
}

// Load reads and validates a Config from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.MasterKeyHandlePath == "" {
		return fmt.Errorf("master_key_handle_path must not be empty")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return nil
}

// ReadMasterKeyHandle reads the raw handle material from
// MasterKeyHandlePath.
func (c Config) ReadMasterKeyHandle() ([]byte, error) {
	data, err := os.ReadFile(c.MasterKeyHandlePath)
	if err != nil {
		return nil, fmt.Errorf("read master key handle %s: %w", c.MasterKeyHandlePath, err)
	}
	return data, nil
}
