package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTaskMode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"auto", "auto"},
		{"code", "code"},
		{"advisory", "advisory"},
		{"bogus", "auto"},
		{"", "auto"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTaskMode(tt.in))
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(Options{RepoRoot: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "workspace-write", cfg.SandboxMode)
	assert.Equal(t, "auto", cfg.TaskMode)
	assert.False(t, cfg.Bypass)
	assert.Equal(t, "tui", cfg.UI)
	assert.Equal(t, DefaultWebPort, cfg.WebPort)
	assert.NotEmpty(t, cfg.AgentCommand)
	assert.Equal(t, filepath.Join(cfg.RepoRoot, "artifacts"), cfg.ArtifactsRoot)
}

func TestResolveFlagsWinOverEnv(t *testing.T) {
	t.Setenv(EnvSandboxMode, "read-only")
	t.Setenv(EnvTaskMode, "advisory")
	t.Setenv(EnvModel, "env-model")

	cfg, err := Resolve(Options{
		RepoRoot:    t.TempDir(),
		SandboxMode: "danger-full-access",
		TaskMode:    "code",
		Model:       "flag-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "danger-full-access", cfg.SandboxMode)
	assert.Equal(t, "code", cfg.TaskMode)
	assert.Equal(t, "flag-model", cfg.Model)
}

func TestResolveEnvFallback(t *testing.T) {
	t.Setenv(EnvSandboxMode, "read-only")
	t.Setenv(EnvTaskMode, "advisory")
	t.Setenv(EnvBypassSandbox, "1")
	t.Setenv(EnvModelProvider, "some-provider")

	cfg, err := Resolve(Options{RepoRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "read-only", cfg.SandboxMode)
	assert.Equal(t, "advisory", cfg.TaskMode)
	assert.True(t, cfg.Bypass)
	assert.Equal(t, "some-provider", cfg.ModelProvider)
}

func TestResolveCoercesUnknownModes(t *testing.T) {
	cfg, err := Resolve(Options{RepoRoot: t.TempDir(), SandboxMode: "bogus", TaskMode: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "workspace-write", cfg.SandboxMode)
	assert.Equal(t, "auto", cfg.TaskMode)
}

func TestResolveBypassFlagExplicitFalseBeatsEnv(t *testing.T) {
	t.Setenv(EnvBypassSandbox, "true")
	cfg, err := Resolve(Options{RepoRoot: t.TempDir(), Bypass: false, BypassSet: true})
	require.NoError(t, err)
	assert.False(t, cfg.Bypass)
}

func TestResolveAgentCommandOverride(t *testing.T) {
	cmd := ResolveAgentCommand("my-agent --flag value", t.TempDir())
	assert.Equal(t, []string{"my-agent", "--flag", "value"}, cmd)
}

func TestResolveAgentCommandEnvOverride(t *testing.T) {
	t.Setenv(EnvAgentCommand, "fake-agent exec")
	cfg, err := Resolve(Options{RepoRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, []string{"fake-agent", "exec"}, cfg.AgentCommand)
}

func TestCoordinationAndPacketDirs(t *testing.T) {
	cfg, err := Resolve(Options{RepoRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ArtifactsRoot, "coordination", "run-x"), cfg.CoordinationDir("run-x"))
	assert.Equal(t, filepath.Join(cfg.ArtifactsRoot, "pr-packets", "run-x"), cfg.PacketDir("run-x"))
}
