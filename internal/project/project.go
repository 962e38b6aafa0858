// Package project defines the project model and the settings contract the
// orchestrator core reads at admission time.
package project

import "context"

// GitMode selects how task isolation is achieved.
type GitMode string

const (
	// GitModeWorktree runs each task in a linked worktree (default).
	GitModeWorktree GitMode = "worktree"
	// GitModeBranches runs tasks on branches in the primary checkout.
	GitModeBranches GitMode = "branches"
)

// UnknownScopeStrategy decides admission for tasks without scope metadata.
type UnknownScopeStrategy string

const (
	// ScopeAllow admits unscoped tasks alongside anything.
	ScopeAllow UnknownScopeStrategy = "allow"
	// ScopeSerialize admits unscoped tasks only when nothing else runs.
	ScopeSerialize UnknownScopeStrategy = "serialize"
)

// AgentConfig identifies an agent CLI and the provider key family it draws on.
type AgentConfig struct {
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Model    string   `json:"model,omitempty" yaml:"model,omitempty"`
	Provider string   `json:"provider" yaml:"provider"`
}

// DeployTarget names a deployment destination triggered on epic completion.
type DeployTarget struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Settings is the per-project settings snapshot the core consumes. The core
// never mutates it.
type Settings struct {
	SimpleAgent          AgentConfig          `json:"simple_agent" yaml:"simple_agent"`
	ComplexAgent         AgentConfig          `json:"complex_agent" yaml:"complex_agent"`
	GitMode              GitMode              `json:"git_mode" yaml:"git_mode"`
	TestCommand          string               `json:"test_command,omitempty" yaml:"test_command,omitempty"`
	MaxConcurrent        int                  `json:"max_concurrent" yaml:"max_concurrent"`
	DeployTargets        []DeployTarget       `json:"deploy_targets,omitempty" yaml:"deploy_targets,omitempty"`
	UnknownScopeStrategy UnknownScopeStrategy `json:"unknown_scope_strategy,omitempty" yaml:"unknown_scope_strategy,omitempty"`
}

// AgentFor picks the agent config for a task by complexity. Tasks labeled
// "complex" use the complex agent; everything else gets the simple one.
func (s Settings) AgentFor(labels []string) AgentConfig {
	for _, l := range labels {
		if l == "complex" {
			return s.ComplexAgent
		}
	}
	return s.SimpleAgent
}

// Project is the configuration container for one repository.
type Project struct {
	ID       string   `json:"id" yaml:"id"`
	RepoPath string   `json:"repo_path" yaml:"repo_path"`
	Settings Settings `json:"settings" yaml:"settings"`
}

// Service resolves projects and their settings. Owned by the platform.
type Service interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	GetSettings(ctx context.Context, id string) (Settings, error)
}

// StaticService is a Service over a fixed set of projects. Used by the CLI
// runtime and tests.
type StaticService struct {
	projects map[string]*Project
}

// NewStaticService builds a service from the given projects.
func NewStaticService(projects ...*Project) *StaticService {
	m := make(map[string]*Project, len(projects))
	for _, p := range projects {
		m[p.ID] = p
	}
	return &StaticService{projects: m}
}

// GetProject returns the project by ID.
func (s *StaticService) GetProject(_ context.Context, id string) (*Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return p, nil
}

// GetSettings returns the settings snapshot for a project.
func (s *StaticService) GetSettings(ctx context.Context, id string) (Settings, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return Settings{}, err
	}
	return p.Settings, nil
}

// NotFoundError indicates an unknown project ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "project " + e.ID + " not found"
}
