// Package config resolves the orchestrator's runtime settings once per
// run into an immutable value: CLI flags win over environment variables,
// which win over built-in defaults. Nothing reads the environment after
// Resolve returns.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variable names understood by Resolve. Each one is an
// optional override for the matching flag default.
const (
	EnvSandboxMode   = "TASKSWARM_SANDBOX_MODE"
	EnvTaskMode      = "TASKSWARM_TASK_MODE"
	EnvBypassSandbox = "TASKSWARM_BYPASS_SANDBOX"
	EnvModel         = "TASKSWARM_MODEL"
	EnvModelProvider = "TASKSWARM_MODEL_PROVIDER"
	EnvAgentCommand  = "TASKSWARM_AGENT_COMMAND"
)

// DefaultWebPort is the dashboard port used when --port is not given.
const DefaultWebPort = 8765

// AllowedTaskModes are the accepted --task-mode values.
var AllowedTaskModes = []string{"auto", "code", "advisory"}

// DefaultTaskMode is substituted for any unrecognized task mode.
const DefaultTaskMode = "auto"

// NormalizeTaskMode coerces mode to one of AllowedTaskModes.
func NormalizeTaskMode(mode string) string {
	for _, m := range AllowedTaskModes {
		if mode == m {
			return mode
		}
	}
	return DefaultTaskMode
}

// Resolved is the immutable per-run configuration. It is computed once by
// Resolve and handed by value to the orchestrator; no component reads
// flags or the environment afterwards.
type Resolved struct {
	RepoRoot          string   `validate:"required"`
	ArtifactsRoot     string   `validate:"required"`
	WorktreeRoot      string   `validate:"required"`
	AgentCommand      []string `validate:"required,min=1"`
	SandboxMode       string   `validate:"oneof=read-only workspace-write danger-full-access"`
	TaskMode          string   `validate:"oneof=auto code advisory"`
	Bypass            bool
	Model             string
	ModelProvider     string
	UI                string `validate:"oneof=tui web"`
	WebPort           int    `validate:"min=0,max=65535"`
	ProjectRootPrefix string
	// SensitivePrefixes are the repo-relative path prefixes whose
	// modification makes the contract check mandatory.
	SensitivePrefixes []string
	// ContractCheckCommand is the external contract-check program,
	// invoked from RepoRoot with "--run-id <id>" appended.
	ContractCheckCommand []string
	LogLevel             string
}

// CoordinationDir returns the coordination directory for runID.
func (r Resolved) CoordinationDir(runID string) string {
	return filepath.Join(r.ArtifactsRoot, "coordination", runID)
}

// PacketDir returns the evidence-packet directory for runID.
func (r Resolved) PacketDir(runID string) string {
	return filepath.Join(r.ArtifactsRoot, "pr-packets", runID)
}

// Options carries the flag values the CLI layer collected; zero values
// mean "not set, use env or default".
type Options struct {
	RepoRoot      string
	SandboxMode   string
	TaskMode      string
	Bypass        bool
	BypassSet     bool
	Model         string
	ModelProvider string
	UI            string
	WebPort       int
	LogLevel      string
}

// Resolve builds the immutable Resolved value from opts, the TASKSWARM_*
// environment, and built-in defaults, then validates it.
func Resolve(opts Options) (Resolved, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKSWARM")
	v.AutomaticEnv()

	v.SetDefault("sandbox_mode", "workspace-write")
	v.SetDefault("task_mode", DefaultTaskMode)
	v.SetDefault("bypass_sandbox", false)

	repoRoot := opts.RepoRoot
	if repoRoot == "" {
		repoRoot = "."
	}
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return Resolved{}, fmt.Errorf("config: resolve repo root %q: %w", repoRoot, err)
	}

	sandbox := opts.SandboxMode
	if sandbox == "" {
		sandbox = v.GetString("sandbox_mode")
	}
	taskMode := opts.TaskMode
	if taskMode == "" {
		taskMode = v.GetString("task_mode")
	}
	bypass := opts.Bypass
	if !opts.BypassSet {
		bypass = flagEnabled(v.GetString("bypass_sandbox"))
	}
	model := opts.Model
	if model == "" {
		model = v.GetString("model")
	}
	provider := opts.ModelProvider
	if provider == "" {
		provider = v.GetString("model_provider")
	}
	ui := opts.UI
	if ui == "" {
		ui = "tui"
	}
	port := opts.WebPort
	if port == 0 {
		port = DefaultWebPort
	}
	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	cfg := Resolved{
		RepoRoot:             absRoot,
		ArtifactsRoot:        filepath.Join(absRoot, "artifacts"),
		WorktreeRoot:         filepath.Join(absRoot, "agent-worktrees"),
		AgentCommand:         ResolveAgentCommand(v.GetString("agent_command"), absRoot),
		SandboxMode:          normalizeSandbox(sandbox),
		TaskMode:             NormalizeTaskMode(taskMode),
		Bypass:               bypass,
		Model:                model,
		ModelProvider:        provider,
		UI:                   ui,
		WebPort:              port,
		ProjectRootPrefix:    "",
		SensitivePrefixes:    []string{"protocol/", "app-server-protocol/"},
		ContractCheckCommand: []string{"node", filepath.Join("scripts", "multiagent", "contract-check.mjs")},
		LogLevel:             logLevel,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Resolved{}, fmt.Errorf("config: invalid resolved configuration: %w", err)
	}
	return cfg, nil
}

func normalizeSandbox(mode string) string {
	switch mode {
	case "read-only", "workspace-write", "danger-full-access":
		return mode
	}
	return "workspace-write"
}

func flagEnabled(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ResolveAgentCommand picks the agent CLI invocation: an explicit
// override wins, then an installed binary on PATH (so model and provider
// behavior matches non-orchestrated runs), then known local build
// outputs, then a cargo invocation when the agent's source tree is
// present, and finally the bare command name.
func ResolveAgentCommand(override, repoRoot string) []string {
	if fields := strings.Fields(override); len(fields) > 0 {
		return fields
	}

	if system, err := exec.LookPath("codex"); err == nil {
		return []string{system}
	}

	candidates := []string{
		filepath.Join(repoRoot, "codex-rs", "target", "debug", "codex"),
		filepath.Join(repoRoot, "codex-rs", "target", "debug", "codex.exe"),
		filepath.Join(repoRoot, "codex-rs", "target", "release", "codex"),
		filepath.Join(repoRoot, "codex-rs", "target", "release", "codex.exe"),
	}
	if cargoTarget := os.Getenv("CARGO_TARGET_DIR"); cargoTarget != "" {
		candidates = append(candidates,
			filepath.Join(cargoTarget, "debug", "codex"),
			filepath.Join(cargoTarget, "debug", "codex.exe"),
			filepath.Join(cargoTarget, "release", "codex"),
			filepath.Join(cargoTarget, "release", "codex.exe"),
		)
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return []string{candidate}
		}
	}

	manifest := filepath.Join(repoRoot, "codex-rs", "Cargo.toml")
	if _, err := os.Stat(manifest); err == nil {
		if _, err := exec.LookPath("cargo"); err == nil {
			return []string{"cargo", "run", "--manifest-path", manifest, "-p", "codex-cli", "--"}
		}
	}
	return []string{"codex"}
}
