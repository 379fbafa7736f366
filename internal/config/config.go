// Package config loads and validates scanpilot configuration. All tool
// tables are turned into an immutable tools.Policy once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/store"
	"github.com/anstrom/scanpilot/internal/tools"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete application configuration.
type Config struct {
	Tools    ToolsConfig    `yaml:"tools" json:"tools"`
	Probe    ProbeConfig    `yaml:"probe" json:"probe"`
	Planner  PlannerConfig  `yaml:"planner" json:"planner"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// ToolsConfig holds the allowlist, denylist and per-tool limits.
type ToolsConfig struct {
	Allowed          []string                    `yaml:"allowed" json:"allowed" validate:"required,min=1,dive,oneof=nmap nikto gobuster sqlmap"`
	ForbiddenArgs    []string                    `yaml:"forbidden_args" json:"forbidden_args" validate:"dive,required"`
	CarveOuts        map[string][]tools.CarveOut `yaml:"carve_outs" json:"carve_outs"`
	Timeouts         map[string]time.Duration    `yaml:"timeouts" json:"timeouts"`
	DefaultTimeout   time.Duration               `yaml:"default_timeout" json:"default_timeout" validate:"gt=0"`
	MaxOutput        int                         `yaml:"max_output" json:"max_output" validate:"min=1024"`
	GobusterWordlist string                      `yaml:"gobuster_wordlist" json:"gobuster_wordlist"`
}

// ProbeConfig controls the reachability check.
type ProbeConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	// Nameserver, when set, is queried directly instead of the system resolver.
	Nameserver string `yaml:"nameserver" json:"nameserver" validate:"omitempty,hostname_port"`
}

// PlannerConfig controls plan selection.
type PlannerConfig struct {
	Assisted    bool `yaml:"assisted" json:"assisted"`
	HistorySize int  `yaml:"history_size" json:"history_size" validate:"min=0,max=50"`
}

// LLMConfig configures the external text-generation collaborator.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url" validate:"required,url"`
	Model          string        `yaml:"model" json:"model" validate:"required"`
	APIKeyEnv      string        `yaml:"api_key_env" json:"api_key_env"`
	Temperature    float64       `yaml:"temperature" json:"temperature" validate:"min=0,max=2"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`
	RatePerMinute  int           `yaml:"rate_per_minute" json:"rate_per_minute" validate:"min=0"`
	Analysis       bool          `yaml:"analysis" json:"analysis"`
}

// ExecutorConfig controls process execution and supervision.
type ExecutorConfig struct {
	ScratchDir    string        `yaml:"scratch_dir" json:"scratch_dir"`
	GracePeriod   time.Duration `yaml:"grace_period" json:"grace_period" validate:"gt=0"`
	SweepSchedule string        `yaml:"sweep_schedule" json:"sweep_schedule"`
}

// StorageConfig selects the result sink.
type StorageConfig struct {
	Driver   string               `yaml:"driver" json:"driver" validate:"oneof=memory postgres"`
	Database store.DatabaseConfig `yaml:"database" json:"database"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Textfile string `yaml:"textfile" json:"textfile"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	opts := tools.DefaultOptions()

	allowed := make([]string, 0, len(opts.Allowed))
	for _, n := range opts.Allowed {
		allowed = append(allowed, string(n))
	}
	timeouts := make(map[string]time.Duration, len(opts.Timeouts))
	for n, d := range opts.Timeouts {
		timeouts[string(n)] = d
	}
	carveOuts := make(map[string][]tools.CarveOut, len(opts.CarveOuts))
	for n, c := range opts.CarveOuts {
		carveOuts[string(n)] = c
	}

	return &Config{
		Tools: ToolsConfig{
			Allowed:          allowed,
			ForbiddenArgs:    opts.ForbiddenArgs,
			CarveOuts:        carveOuts,
			Timeouts:         timeouts,
			DefaultTimeout:   opts.DefaultTimeout,
			MaxOutput:        opts.MaxOutput,
			GobusterWordlist: "/usr/share/wordlists/dirb/common.txt",
		},
		Probe: ProbeConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Planner: PlannerConfig{
			Assisted:    false,
			HistorySize: 5,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "llama-3.1-8b-instant",
			APIKeyEnv:      "GROQ_API_KEY",
			Temperature:    0,
			RequestTimeout: 60 * time.Second,
			RatePerMinute:  30,
			Analysis:       true,
		},
		Executor: ExecutorConfig{
			ScratchDir:  "",
			GracePeriod: 3 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			Database: store.DefaultDatabaseConfig(),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, scanerrors.WrapConfigError("failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, scanerrors.WrapConfigError("failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return scanerrors.WrapConfigError("configuration validation failed", err)
	}

	for name, d := range c.Tools.Timeouts {
		if _, ok := tools.Parse(name); !ok {
			return &scanerrors.ConfigError{Code: scanerrors.CodeValidation, Message: "unknown tool in timeouts", Field: "tools.timeouts", Value: name}
		}
		if d <= 0 {
			return &scanerrors.ConfigError{Code: scanerrors.CodeValidation, Message: "timeout must be positive", Field: "tools.timeouts." + name, Value: d}
		}
	}
	for name, cs := range c.Tools.CarveOuts {
		for _, co := range cs {
			if co.Flag == "" || co.Value == "" {
				return &scanerrors.ConfigError{Code: scanerrors.CodeValidation, Message: "carve-out needs flag and value", Field: "tools.carve_outs." + name}
			}
		}
	}
	if c.Storage.Driver == "postgres" {
		if c.Storage.Database.Database == "" {
			return &scanerrors.ConfigError{Code: scanerrors.CodeConfiguration, Message: "database name is required", Field: "storage.database.database"}
		}
		if c.Storage.Database.Username == "" {
			return &scanerrors.ConfigError{Code: scanerrors.CodeConfiguration, Message: "database username is required", Field: "storage.database.username"}
		}
	}
	return nil
}

// Policy builds the immutable tool policy shared by every component.
func (c *Config) Policy() *tools.Policy {
	opts := tools.Options{
		ForbiddenArgs:  c.Tools.ForbiddenArgs,
		CarveOuts:      make(map[tools.Name][]tools.CarveOut, len(c.Tools.CarveOuts)),
		ForcedArgs:     tools.DefaultForcedArgs,
		Timeouts:       make(map[tools.Name]time.Duration, len(c.Tools.Timeouts)),
		DefaultTimeout: c.Tools.DefaultTimeout,
		MaxOutput:      c.Tools.MaxOutput,
		Wordlist:       c.Tools.GobusterWordlist,
	}
	for _, a := range c.Tools.Allowed {
		opts.Allowed = append(opts.Allowed, tools.Name(a))
	}
	for n, cs := range c.Tools.CarveOuts {
		opts.CarveOuts[tools.Name(n)] = cs
	}
	for n, d := range c.Tools.Timeouts {
		opts.Timeouts[tools.Name(n)] = d
	}
	return tools.NewPolicy(opts)
}

// APIKey reads the collaborator credential from the configured variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
