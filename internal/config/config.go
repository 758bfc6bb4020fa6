// Package config builds the single immutable configuration value threaded
// into every component constructor. Precedence: defaults, then an optional
// forge.yaml, then FORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLMConfig configures the model backend boundary.
type LLMConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// ContractConfig bounds the structured-response extraction loop.
type ContractConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// SandboxConfig bounds file and process access.
type SandboxConfig struct {
	MaxFileReadBytes       int           `mapstructure:"max_file_read_bytes"`
	MaxFileListLimit       int           `mapstructure:"max_file_list_limit"`
	ReadConcurrency        int           `mapstructure:"read_concurrency"`
	ShellTimeout           time.Duration `mapstructure:"shell_timeout"`
	ShellBackgroundTimeout time.Duration `mapstructure:"shell_background_timeout"`
	URLTimeout             time.Duration `mapstructure:"url_timeout"`
	AllowedCommands        []string      `mapstructure:"allowed_commands"`
	DenyPatterns           []string      `mapstructure:"deny_patterns"`
}

// SessionConfig sets the per-role interactive step ceilings.
type SessionConfig struct {
	MaxCoderSteps       int `mapstructure:"max_coder_steps"`
	MaxSpecReviewSteps  int `mapstructure:"max_spec_review_steps"`
	MaxPatchReviewSteps int `mapstructure:"max_patch_review_steps"`
	MaxTesterSteps      int `mapstructure:"max_tester_steps"`
	MaxFilesPerRead     int `mapstructure:"max_files_per_read"`
}

// WorkflowConfig sets the repair budgets.
type WorkflowConfig struct {
	MaxRepairs     int `mapstructure:"max_repairs"`
	MaxSpecRepairs int `mapstructure:"max_spec_repairs"`
}

// Config is the root configuration aggregate.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Contract ContractConfig `mapstructure:"contract"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Session  SessionConfig  `mapstructure:"session"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			APIURL:         "https://api.deepseek.com/chat/completions",
			Model:          "deepseek-chat",
			Temperature:    0.2,
			RequestTimeout: 300 * time.Second,
			MaxRetries:     2,
		},
		Contract: ContractConfig{
			MaxAttempts: 3,
		},
		Sandbox: SandboxConfig{
			MaxFileReadBytes:       50_000,
			MaxFileListLimit:       300,
			ReadConcurrency:        4,
			ShellTimeout:           30 * time.Second,
			ShellBackgroundTimeout: 5 * time.Second,
			URLTimeout:             10 * time.Second,
			AllowedCommands: []string{
				"ls", "cat", "curl", "python", "python3", "pip", "pip3", "git",
				"grep", "tail", "head", "wc", "find", "sqlite3", "node", "npm",
				"echo", "pwd", "mkdir", "rm", "cp", "mv", "touch", "sleep", "kill",
			},
			DenyPatterns: []string{
				`rm\s+-rf\s+/`,
				`sudo`,
				`>\s*/dev/sd`,
				`mkfs`,
				`dd\s+if=`,
			},
		},
		Session: SessionConfig{
			MaxCoderSteps:       15,
			MaxSpecReviewSteps:  5,
			MaxPatchReviewSteps: 10,
			MaxTesterSteps:      3,
			MaxFilesPerRead:     5,
		},
		Workflow: WorkflowConfig{
			MaxRepairs:     3,
			MaxSpecRepairs: 2,
		},
	}
}

// Load builds the configuration. configFile may be empty, in which case an
// optional forge.yaml in the working directory is picked up when present.
func Load(configFile string) (Config, error) {
	v := viper.New()

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short env aliases for the backend boundary.
	v.BindEnv("llm.api_url", "FORGE_API_URL")
	v.BindEnv("llm.api_key", "FORGE_API_KEY")
	v.BindEnv("llm.model", "FORGE_MODEL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("forge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read forge.yaml: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("llm.api_url", cfg.LLM.APIURL)
	v.SetDefault("llm.api_key", cfg.LLM.APIKey)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.temperature", cfg.LLM.Temperature)
	v.SetDefault("llm.request_timeout", cfg.LLM.RequestTimeout)
	v.SetDefault("llm.max_retries", cfg.LLM.MaxRetries)

	v.SetDefault("contract.max_attempts", cfg.Contract.MaxAttempts)

	v.SetDefault("sandbox.max_file_read_bytes", cfg.Sandbox.MaxFileReadBytes)
	v.SetDefault("sandbox.max_file_list_limit", cfg.Sandbox.MaxFileListLimit)
	v.SetDefault("sandbox.read_concurrency", cfg.Sandbox.ReadConcurrency)
	v.SetDefault("sandbox.shell_timeout", cfg.Sandbox.ShellTimeout)
	v.SetDefault("sandbox.shell_background_timeout", cfg.Sandbox.ShellBackgroundTimeout)
	v.SetDefault("sandbox.url_timeout", cfg.Sandbox.URLTimeout)
	v.SetDefault("sandbox.allowed_commands", cfg.Sandbox.AllowedCommands)
	v.SetDefault("sandbox.deny_patterns", cfg.Sandbox.DenyPatterns)

	v.SetDefault("session.max_coder_steps", cfg.Session.MaxCoderSteps)
	v.SetDefault("session.max_spec_review_steps", cfg.Session.MaxSpecReviewSteps)
	v.SetDefault("session.max_patch_review_steps", cfg.Session.MaxPatchReviewSteps)
	v.SetDefault("session.max_tester_steps", cfg.Session.MaxTesterSteps)
	v.SetDefault("session.max_files_per_read", cfg.Session.MaxFilesPerRead)

	v.SetDefault("workflow.max_repairs", cfg.Workflow.MaxRepairs)
	v.SetDefault("workflow.max_spec_repairs", cfg.Workflow.MaxSpecRepairs)
}
