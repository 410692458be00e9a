// Package config loads the project and executor-profile configuration an
// orchestratord instance runs with, generalizing the teacher's
// Concern/Gate/Permissions model (internal/config/config.go) from a
// concern-chain watcher config to a single Project plus a set of coding-
// agent profiles. Load/parse/Validate follow the teacher's exact shape:
// Load reads a file, parse unmarshals and fills defaults, Validate
// accumulates every error found rather than failing on the first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/executor"
	"github.com/vibe-kanban/orchestrator/internal/store"
	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestratord configuration file.
type Config struct {
	Project     ProjectConfig   `yaml:"project"`
	Profiles    []ProfileConfig `yaml:"profiles"`
	Settings    Settings        `yaml:"settings"`
	Permissions *Permissions    `yaml:"permissions,omitempty"`
	Preamble    string          `yaml:"preamble,omitempty"`
}

// ProjectConfig describes the repository an attempt runs against, the
// orchestrator's analogue of the teacher's per-concern watched-branch
// settings generalized to a single project.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	GitRepoPath   string `yaml:"git_repo_path"`
	SetupScript   string `yaml:"setup_script,omitempty"`
	DevScript     string `yaml:"dev_script,omitempty"`
	CleanupScript string `yaml:"cleanup_script,omitempty"`
	// CopyFiles is a newline-separated list of glob patterns, unmarshaled
	// either from a literal block-scalar string or a YAML sequence (joined
	// with newlines) for operator convenience.
	CopyFiles string `yaml:"copy_files,omitempty"`
}

// ToStoreProject converts ProjectConfig into the store.Project the pipeline
// and worktree manager operate on, generating a fresh id since the config
// file itself carries no identity.
func (p ProjectConfig) ToStoreProject() *store.Project {
	return &store.Project{
		ID:            uuid.New(),
		Name:          p.Name,
		GitRepoPath:   p.GitRepoPath,
		SetupScript:   p.SetupScript,
		DevScript:     p.DevScript,
		CleanupScript: p.CleanupScript,
		CopyFiles:     p.CopyFiles,
	}
}

// ProfileConfig configures one coding-agent Spawner, the generalized form of
// the teacher's single AgentConfig{Command, Args}.
type ProfileConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	// InitialArgs are passed verbatim on a fresh session.
	InitialArgs []string `yaml:"initial_args,omitempty"`
	// FollowUpArgs are passed on a resumed session; the literal token
	// "{{session_id}}" is substituted with the resumed session's id.
	FollowUpArgs []string `yaml:"follow_up_args,omitempty"`
}

// BuildRegistry constructs an executor.Registry with one CLISpawner per
// configured profile.
func (c *Config) BuildRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	for _, p := range c.Profiles {
		p := p
		reg.Register(p.Name, &executor.CLISpawner{
			Command:     p.Command,
			InitialArgs: p.InitialArgs,
			FollowUpArgs: func(sessionID string) []string {
				args := make([]string, len(p.FollowUpArgs))
				for i, a := range p.FollowUpArgs {
					args[i] = strings.ReplaceAll(a, "{{session_id}}", sessionID)
				}
				return args
			},
		})
	}
	return reg
}

// Settings holds orchestrator-wide tuning knobs, the generalized form of the
// teacher's Settings{PollInterval, BranchPrefix, Watches}.
type Settings struct {
	// DevServerGracePeriod bounds how long a dev-server process is given to
	// shut down cleanly on StopDevServer before a caller should consider
	// escalating to Kill, mirroring the teacher's runner.go grace period.
	DevServerGracePeriod Duration `yaml:"dev_server_grace_period"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "10s", exactly as the teacher's internal/config.Duration does.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Permissions mirrors the Claude Code .claude/settings.json permissions
// block; when set, the worktree manager writes it into each worktree before
// invoking a coding-agent profile, unchanged from the teacher's own field.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// DefaultPreamble is prepended to a coding-agent prompt when no custom
// preamble is configured, unchanged from the teacher's own constant.
const DefaultPreamble = "You are running non-interactively. Do not ask questions or wait for confirmation.\nIf something is unclear, make your best judgement and proceed.\nDo not run git commit — your changes will be committed automatically."

// ResolvePreamble returns the effective preamble: the config's Preamble if
// set, else DefaultPreamble.
func (c *Config) ResolvePreamble() string {
	if c.Preamble != "" {
		return c.Preamble
	}
	return DefaultPreamble
}

// Load reads and parses a config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.Settings.DevServerGracePeriod == 0 {
		cfg.Settings.DevServerGracePeriod = Duration(10 * time.Second)
	}

	return &cfg, nil
}

// Validate accumulates every configuration error found rather than failing
// on the first, matching the teacher's Validate.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Project.GitRepoPath == "" {
		errs = append(errs, fmt.Errorf("project.git_repo_path is required"))
	}
	if cfg.Project.Name == "" {
		errs = append(errs, fmt.Errorf("project.name is required"))
	}

	if len(cfg.Profiles) == 0 {
		errs = append(errs, fmt.Errorf("at least one profile is required"))
	}

	names := make(map[string]bool)
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate name %q", i, p.Name))
		} else {
			names[p.Name] = true
		}
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("profiles[%d] (%s): command is required", i, p.Name))
		}
	}

	return errs
}

// HasProfile returns true if a profile with the given name exists.
func (c *Config) HasProfile(name string) bool {
	for _, p := range c.Profiles {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ValidateProfileName returns an error if name does not name a configured
// profile.
func (c *Config) ValidateProfileName(name string) error {
	if !c.HasProfile(name) {
		return fmt.Errorf("unknown profile %q", name)
	}
	return nil
}
