// Package config loads the orchestrator configuration: built-in defaults,
// then the project config file, then OPENSPRINT_* environment variables,
// later sources overriding earlier ones.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/task"
)

const (
	// Dir is the per-repository configuration directory.
	Dir = ".opensprint"
	// FileName is the default config file name inside Dir.
	FileName = "config.yaml"
	// EnvPrefix namespaces the environment overrides.
	EnvPrefix = "OPENSPRINT"
)

// AgentConfig mirrors project.AgentConfig for decoding.
type AgentConfig struct {
	Command  string   `mapstructure:"command" yaml:"command"`
	Args     []string `mapstructure:"args" yaml:"args,omitempty"`
	Model    string   `mapstructure:"model" yaml:"model,omitempty"`
	Provider string   `mapstructure:"provider" yaml:"provider"`
}

// DeployTarget mirrors project.DeployTarget for decoding.
type DeployTarget struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url,omitempty"`
}

// Config is the full orchestrator configuration for one repository.
type Config struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	RepoPath  string `mapstructure:"repo_path" yaml:"repo_path"`
	DBPath    string `mapstructure:"db_path" yaml:"db_path"`
	EventLog  string `mapstructure:"event_log" yaml:"event_log"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	GitMode              string `mapstructure:"git_mode" yaml:"git_mode"`
	TestCommand          string `mapstructure:"test_command" yaml:"test_command,omitempty"`
	MaxConcurrent        int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	UnknownScopeStrategy string `mapstructure:"unknown_scope_strategy" yaml:"unknown_scope_strategy"`

	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval" yaml:"recovery_interval"`

	SimpleAgent   AgentConfig    `mapstructure:"simple_agent" yaml:"simple_agent"`
	ComplexAgent  AgentConfig    `mapstructure:"complex_agent" yaml:"complex_agent"`
	DeployTargets []DeployTarget `mapstructure:"deploy_targets" yaml:"deploy_targets,omitempty"`

	// TasksFile optionally seeds the sqlite task store on startup.
	TasksFile string `mapstructure:"tasks_file" yaml:"tasks_file,omitempty"`
}

func setDefaults(v *viper.Viper, repoPath string) {
	v.SetDefault("project_id", filepath.Base(repoPath))
	v.SetDefault("repo_path", repoPath)
	v.SetDefault("db_path", filepath.Join(repoPath, Dir, "opensprint.db"))
	v.SetDefault("event_log", filepath.Join(repoPath, Dir, "events.jsonl"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("git_mode", string(project.GitModeWorktree))
	v.SetDefault("max_concurrent", 2)
	v.SetDefault("unknown_scope_strategy", string(project.ScopeAllow))
	v.SetDefault("inactivity_timeout", 5*time.Minute)
	v.SetDefault("recovery_interval", 2*time.Minute)
	v.SetDefault("simple_agent.command", "opensprint-agent")
	v.SetDefault("simple_agent.provider", "anthropic")
	v.SetDefault("complex_agent.command", "opensprint-agent")
	v.SetDefault("complex_agent.provider", "anthropic")
}

// Load reads the configuration for the repository at repoPath. cfgFile, when
// non-empty, overrides the default <repo>/.opensprint/config.yaml location.
// A missing config file is not an error; defaults and environment apply.
func Load(repoPath, cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, repoPath)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(repoPath, Dir))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch project.GitMode(c.GitMode) {
	case project.GitModeWorktree, project.GitModeBranches:
	default:
		return fmt.Errorf("invalid git_mode %q", c.GitMode)
	}
	switch project.UnknownScopeStrategy(c.UnknownScopeStrategy) {
	case project.ScopeAllow, project.ScopeSerialize:
	default:
		return fmt.Errorf("invalid unknown_scope_strategy %q", c.UnknownScopeStrategy)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	return nil
}

// Project converts the configuration into the core's project model.
func (c *Config) Project() *project.Project {
	return &project.Project{
		ID:       c.ProjectID,
		RepoPath: c.RepoPath,
		Settings: c.Settings(),
	}
}

// Settings converts the flat config into a settings snapshot.
func (c *Config) Settings() project.Settings {
	targets := make([]project.DeployTarget, 0, len(c.DeployTargets))
	for _, t := range c.DeployTargets {
		targets = append(targets, project.DeployTarget{Name: t.Name, URL: t.URL})
	}
	return project.Settings{
		SimpleAgent:          agentConfig(c.SimpleAgent),
		ComplexAgent:         agentConfig(c.ComplexAgent),
		GitMode:              project.GitMode(c.GitMode),
		TestCommand:          c.TestCommand,
		MaxConcurrent:        c.MaxConcurrent,
		DeployTargets:        targets,
		UnknownScopeStrategy: project.UnknownScopeStrategy(c.UnknownScopeStrategy),
	}
}

func agentConfig(a AgentConfig) project.AgentConfig {
	return project.AgentConfig{
		Command:  a.Command,
		Args:     a.Args,
		Model:    a.Model,
		Provider: a.Provider,
	}
}

// LoadTasks reads a YAML task seed file.
func LoadTasks(path string) ([]*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var tasks []*task.Task
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, err)
	}
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("tasks file %s: task without id", path)
		}
		if t.Status == "" {
			t.Status = task.StatusOpen
		}
	}
	return tasks, nil
}
