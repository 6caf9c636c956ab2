package livestate

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/taskswarm/internal/planner"
	"github.com/iambrandonn/taskswarm/internal/supervisor"
)

func TestSummarizeEventLine(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"thread started", `{"type":"thread.started","thread_id":"t-42"}`, "thread started: t-42", true},
		{"thread started no id", `{"type":"thread.started"}`, "thread started", true},
		{"turn failed", `{"type":"turn.failed","error":{"message":"boom"}}`, "turn.failed: boom", true},
		{"turn blocked", `{"type":"turn.blocked","error":{"message":"nope"}}`, "turn.blocked: nope", true},
		{"top level error", `{"type":"error","message":"bad"}`, "error: bad", true},
		{"agent message", `{"type":"item.completed","item":{"details":{"type":"agent_message","text":"  hi there  "}}}`, "hi there", true},
		{"command execution", `{"type":"item.started","item":{"details":{"type":"command_execution","command":"ls -la"}}}`, "command execution: ls -la", true},
		{"other item", `{"type":"item.completed","item":{"type":"reasoning"}}`, "item.completed: reasoning", true},
		{"not json", "plain text line", "", false},
		{"json array", `[1,2,3]`, "", false},
		{"unknown type", `{"type":"mystery"}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SummarizeEventLine(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSummarizeOrRawTruncates(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Len(t, SummarizeOrRaw(long), MessageLimit)
}

func TestBuildSnapshotBoundsAndOrdering(t *testing.T) {
	var agents []*supervisor.AgentState
	for _, name := range []string{"zeta", "alpha"} {
		st := supervisor.NewAgentState(name, "scope/"+name, "obj", "/ws", "/coord")
		st.Status = supervisor.StatusRunning
		for i := 0; i < 30; i++ {
			st.Log = append(st.Log, fmt.Sprintf(`{"type":"thread.started","thread_id":"t-%d"}`, i))
		}
		agents = append(agents, st)
	}
	plan := []planner.SubTask{{Name: "alpha", Scope: "scope/alpha", Objective: "obj"}}

	snap := BuildSnapshot("run-1", "task", "code", plan, agents, "RUNNING", 7)

	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 7, snap.Tick)
	require.Len(t, snap.Agents, 2)
	assert.Equal(t, "alpha", snap.Agents[0].Name, "agents sorted by name")
	assert.LessOrEqual(t, len(snap.Activity), ActivityTailSize)
	for _, a := range snap.Agents {
		assert.LessOrEqual(t, len(a.LatestMessage), MessageLimit)
	}
}

func TestWriteAndLoadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live-state.json")
	snap := Snapshot{RunID: "run-2", TaskMode: "code", OverallState: "RUNNING", Tick: 1}
	require.NoError(t, WriteSnapshot(path, snap))

	doc := LoadSnapshotDocument(path)
	assert.Equal(t, "run-2", doc["runId"])
	assert.Equal(t, "RUNNING", doc["overallState"])
}

func TestLoadSnapshotDocumentMissingFile(t *testing.T) {
	doc := LoadSnapshotDocument(filepath.Join(t.TempDir(), "nope.json"))
	assert.Empty(t, doc)
}
