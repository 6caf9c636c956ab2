package agentrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSandboxMode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"read-only", "read-only"},
		{"workspace-write", "workspace-write"},
		{"danger-full-access", "danger-full-access"},
		{"bogus", DefaultSandboxMode},
		{"", DefaultSandboxMode},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSandboxMode(tt.in))
	}
}

func TestBuildArgs(t *testing.T) {
	req := Request{
		Command:         []string{"codex"},
		Prompt:          "do the thing",
		LastMessagePath: "/tmp/last-message.txt",
		SandboxMode:     "workspace-write",
	}
	args := buildArgs(req)
	assert.Equal(t, []string{
		"codex", "--ask-for-approval", "never", "--sandbox", "workspace-write",
		"exec", "--json", "--skip-git-repo-check",
		"--output-last-message", "/tmp/last-message.txt", "do the thing",
	}, args)
}

func TestBuildArgsBypassSkipsApprovalAndSandboxFlags(t *testing.T) {
	req := Request{
		Command:         []string{"codex"},
		Prompt:          "do the thing",
		LastMessagePath: "/tmp/last-message.txt",
		Bypass:          true,
	}
	args := buildArgs(req)
	assert.Contains(t, args, "--dangerously-bypass-approvals-and-sandbox")
	assert.NotContains(t, args, "--sandbox")
	assert.NotContains(t, args, "--ask-for-approval")
}

func TestBuildArgsIncludesModelAndProvider(t *testing.T) {
	req := Request{
		Command:         []string{"codex"},
		Prompt:          "p",
		LastMessagePath: "/tmp/m.txt",
		Model:           "gpt-test",
		ModelProvider:   "test-provider",
	}
	args := buildArgs(req)
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "gpt-test")
	assert.Contains(t, args, "model_provider=test-provider")
}

// fakeAgentScript is a stand-in for the real agent CLI: a tiny shell script
// emitting a newline-delimited JSON event stream on stdout, mirroring the
// shape the real agent CLI produces.
const fakeAgentScript = `
echo '{"type":"thread.started","thread_id":"thread-123"}'
echo 'not json, should be skipped'
echo '{"type":"item.completed","item":{"details":{"type":"agent_message","text":"hello from agent"}}}'
echo '{"type":"item.completed","item":{"details":{"type":"command_execution"}}}'
exit 0
`

func TestRunClassifiesEventStream(t *testing.T) {
	workspace := t.TempDir()
	lastMessage := filepath.Join(workspace, "last-message.txt")

	runner := NewRunner(nil)
	var lines []string
	result, err := runner.Run(context.Background(), Request{
		Command:         []string{"sh", "-c", fakeAgentScript},
		Prompt:          "do it",
		Workspace:       workspace,
		LastMessagePath: lastMessage,
		OnLine:          func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "thread-123", result.ThreadID)
	assert.Equal(t, "hello from agent", result.LastMessage)
	assert.Empty(t, result.Error)
	assert.Len(t, lines, 4)
}

const failingAgentScript = `
echo '{"type":"thread.started","thread_id":"t1"}'
echo '{"type":"turn.failed","error":{"message":"stream disconnected"}}'
exit 1
`

func TestRunCapturesTurnFailedError(t *testing.T) {
	workspace := t.TempDir()
	runner := NewRunner(nil)
	result, err := runner.Run(context.Background(), Request{
		Command:         []string{"sh", "-c", failingAgentScript},
		Prompt:          "do it",
		Workspace:       workspace,
		LastMessagePath: filepath.Join(workspace, "last-message.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "stream disconnected", result.Error)
}

func TestRunFallsBackToLastMessageFile(t *testing.T) {
	workspace := t.TempDir()
	lastMessagePath := filepath.Join(workspace, "last-message.txt")
	require.NoError(t, os.WriteFile(lastMessagePath, []byte("fallback message"), 0644))

	runner := NewRunner(nil)
	result, err := runner.Run(context.Background(), Request{
		Command:         []string{"sh", "-c", "echo '{\"type\":\"thread.started\",\"thread_id\":\"t2\"}'; exit 0"},
		Prompt:          "p",
		Workspace:       workspace,
		LastMessagePath: lastMessagePath,
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback message", result.LastMessage)
}
