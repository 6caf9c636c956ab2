// Package supervisor drives one SubTask through its execution state
// machine: workspace write preflight, prompt construction, the bounded
// retry loop around the agent CLI, outcome classification, and per-agent
// artifact emission. Each AgentState is mutated only by the Supervisor.Run
// call driving it; the orchestrator only reads it, under the shared run mutex.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/taskswarm/internal/agentrunner"
	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/scope"
)

// RetryLimit bounds how many times one agent is invoked per run.
const RetryLimit = 3

// RetryDelay is the base of the linear backoff: attempt n sleeps
// RetryDelay * n before re-invoking the agent.
const RetryDelay = time.Second

// LogTailSize bounds the per-agent ring of raw stream lines; the lines are
// stored unsummarized and summarized only when a live snapshot is built.
const LogTailSize = 6

// Agent lifecycle states. Transitions are monotone: DONE and BLOCKED are
// terminal.
const (
	StatusQueued  = "QUEUED"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusBlocked = "BLOCKED"
)

// transientHints classify an error as worth retrying without operator
// involvement, by substring match on the lowercased message.
var transientHints = []string{
	"reconnecting",
	"stream disconnected",
	"websocket closed",
	"response.completed",
	"connection reset",
	"connection closed",
	"socket closed",
}

// writeHints mark agent output that reports a platform-side write
// restriction; in code mode they promote an otherwise clean exit to
// BLOCKED.
var writeHints = []string{
	"all write attempts were rejected",
	"blocked from writing",
	"writing is disallowed",
	"write restriction",
	"write policy",
	"read-only",
	"permission denied",
	"cannot write",
	"write access",
	"outside of the project",
	"outside the project",
	"apply_patch",
	"not allowed",
	"policy blocked",
	"write access is not available",
}

// IsTransient reports whether msg matches the transient-error hint list.
func IsTransient(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, hint := range transientHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// IsWriteRestricted reports whether msg matches the write-restriction
// hint list.
func IsWriteRestricted(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, hint := range writeHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// AgentState is the runtime record of one SubTask's execution. Its fields
// are mutated only by the owning supervisor; the orchestrator reads them
// under the run mutex when building live snapshots.
type AgentState struct {
	Name      string
	Scope     string
	Objective string

	Workspace string
	CoordDir  string

	Status        string
	ThreadID      string
	StartedAt     string
	FinishedAt    string
	DurationMs    int64
	ExitCode      int
	ChangedFiles  []string
	BlockerReason string
	LastMessage   string
	Log           []string
}

// NewAgentState constructs a QUEUED AgentState for one SubTask.
func NewAgentState(name, scopeStr, objective, workspaceDir, coordDir string) *AgentState {
	return &AgentState{
		Name:      name,
		Scope:     scopeStr,
		Objective: objective,
		Workspace: workspaceDir,
		CoordDir:  coordDir,
		Status:    StatusQueued,
	}
}

// StatusPath returns the agent's status.json path.
func (a *AgentState) StatusPath() string { return filepath.Join(a.CoordDir, "status.json") }

// IntentPath returns the agent's intent.json path.
func (a *AgentState) IntentPath() string { return filepath.Join(a.CoordDir, "intent.json") }

// ImpactPath returns the agent's impact-report.json path.
func (a *AgentState) ImpactPath() string { return filepath.Join(a.CoordDir, "impact-report.json") }

// BlockerPath returns the agent's blocker.json path.
func (a *AgentState) BlockerPath() string { return filepath.Join(a.CoordDir, "blocker.json") }

// Runner abstracts the agent CLI invocation; internal/agentrunner's
// Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req agentrunner.Request) (agentrunner.Result, error)
}

// ChangedFilesFunc reports the changed paths of a workspace; the
// workspace Manager's ChangedFiles satisfies it.
type ChangedFilesFunc func(ctx context.Context, path string) ([]string, error)

// Supervisor executes the per-SubTask state machine. One Supervisor value
// is shared by all agents of a run; per-agent state lives in AgentState.
type Supervisor struct {
	Runner       Runner
	ChangedFiles ChangedFilesFunc
	Command      []string

	RunID             string
	TaskMode          string
	SandboxMode       string
	Bypass            bool
	Model             string
	ModelProvider     string
	ProjectRootPrefix string

	// Mutex serializes every AgentState mutation visible to the
	// orchestrator's snapshot loop.
	Mutex *sync.Mutex

	// Sleep is swapped out in tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	Logger *slog.Logger
}

func (s *Supervisor) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// requireFileChanges reports whether this run is in code mode, where an
// agent must produce in-scope file changes to count as DONE.
func (s *Supervisor) requireFileChanges() bool {
	return s.TaskMode != "advisory"
}

// BuildPrompt renders the deterministic sub-agent prompt for st from one
// of the two templates (coding vs advisory).
func (s *Supervisor) BuildPrompt(st *AgentState) string {
	scopeLabel := st.Scope
	if scopeLabel == "" {
		scopeLabel = "."
	}
	if s.TaskMode == "advisory" {
		return fmt.Sprintf(
			"You are an advisory sub-agent named %s.\n"+
				"Topic scope: %s.\n"+
				"Goal: %s.\n"+
				"Return concise guidance, checklists, or recommendations in markdown bullets.\n"+
				"Do not modify files unless explicitly asked by the user.\n",
			st.Name, scopeLabel, st.Objective)
	}
	return fmt.Sprintf(
		"You are a coding sub-agent named %s.\n"+
			"Work only inside this scope: %s.\n"+
			"Goal: %s.\n"+
			"Use the repository and make only code changes needed for this task.\n"+
			"Do not modify files outside your scope.\n"+
			"You must create/update at least one file in your scope unless explicitly blocked by the platform.\n",
		st.Name, scopeLabel, st.Objective)
}

// ProbeWorkspace writes and deletes a marker file in dir, returning a
// blocker reason when the workspace cannot be written to.
func ProbeWorkspace(dir string) string {
	marker := filepath.Join(dir, ".taskswarm-write-test")
	if err := os.WriteFile(marker, []byte("ping"), 0o600); err != nil {
		return fmt.Sprintf("Workspace write probe failed: %v", err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Sprintf("Workspace write probe failed: %v", err)
	}
	return ""
}

// appendLog records one raw stream line in the agent's bounded tail and
// refreshes status.json so the dashboard sees progress between ticks.
func (s *Supervisor) appendLog(st *AgentState, line string) {
	s.Mutex.Lock()
	defer s.Mutex.Unlock()
	clean := strings.TrimRight(line, "\n")
	if len(clean) > 320 {
		clean = clean[:320]
	}
	if clean != "" {
		st.Log = append(st.Log, clean)
		if len(st.Log) > LogTailSize {
			st.Log = st.Log[len(st.Log)-LogTailSize:]
		}
	}
	if st.StartedAt == "" {
		st.StartedAt = nowISO()
	}
	s.writeStatusLocked(st)
}

// WriteStatus persists the agent's status.json under the run mutex.
func (s *Supervisor) WriteStatus(st *AgentState) {
	s.Mutex.Lock()
	defer s.Mutex.Unlock()
	s.writeStatusLocked(st)
}

func (s *Supervisor) writeStatusLocked(st *AgentState) {
	payload := map[string]any{
		"agent":      st.Name,
		"runId":      s.RunID,
		"scope":      st.Scope,
		"state":      st.Status,
		"threadId":   st.ThreadID,
		"startedAt":  st.StartedAt,
		"finishedAt": st.FinishedAt,
		"durationMs": st.DurationMs,
		"exitCode":   st.ExitCode,
		"updatedAt":  nowISO(),
	}
	if st.BlockerReason != "" {
		payload["blockerReason"] = st.BlockerReason
	}
	if err := fsutil.AtomicWriteJSON(st.StatusPath(), payload); err != nil {
		s.logger().Warn("supervisor: write status", "agent", st.Name, "error", err)
	}
}

// Run executes the full state machine for st: preflight, retry loop,
// classification, and artifact emission. It never returns an error —
// every failure is recorded on st and on disk as a blocker.
func (s *Supervisor) Run(ctx context.Context, st *AgentState) {
	lastMessagePath := filepath.Join(st.CoordDir, "last-message.txt")

	s.Mutex.Lock()
	st.Status = StatusRunning
	st.StartedAt = nowISO()
	st.DurationMs = 0
	s.writeStatusLocked(st)
	s.Mutex.Unlock()

	prompt := s.BuildPrompt(st)

	var blocker string
	var result agentrunner.Result
	haveResult := false
	var finalLastMessage string
	var totalDuration time.Duration

	if s.requireFileChanges() {
		if probe := ProbeWorkspace(st.Workspace); probe != "" {
			blocker = probe
			finalLastMessage = probe
			result = agentrunner.Result{ExitCode: 1, LastMessage: probe, Error: probe}
			haveResult = true
			s.appendLog(st, "workspace preflight failed: "+probe)
		}
	}

	if blocker == "" {
		for attempt := 1; attempt <= RetryLimit; attempt++ {
			if attempt > 1 {
				s.appendLog(st, fmt.Sprintf("retrying agent execution (attempt %d/%d) after %s", attempt, RetryLimit, blocker))
				s.sleep(RetryDelay * time.Duration(attempt))
			}

			started := time.Now()
			res, err := s.Runner.Run(ctx, agentrunner.Request{
				Command:         s.Command,
				Prompt:          prompt,
				Workspace:       st.Workspace,
				LastMessagePath: lastMessagePath,
				SandboxMode:     s.SandboxMode,
				Bypass:          s.Bypass,
				Model:           s.Model,
				ModelProvider:   s.ModelProvider,
				OnLine:          func(line string) { s.appendLog(st, line) },
			})
			totalDuration += time.Since(started)

			if err != nil {
				blocker = fmt.Sprintf("Internal agent failure: %v", err)
				result = agentrunner.Result{ExitCode: 1, LastMessage: finalLastMessage, Error: blocker}
				haveResult = true
			} else {
				result = res
				haveResult = true
				finalLastMessage = res.LastMessage
				changed, cerr := s.ChangedFiles(ctx, st.Workspace)
				if cerr != nil {
					s.logger().Warn("supervisor: collect changed files", "agent", st.Name, "error", cerr)
				}
				s.Mutex.Lock()
				st.ChangedFiles = changed
				s.Mutex.Unlock()

				blocker = s.classify(res, changed, st.Scope)
			}

			if blocker != "" && IsTransient(blocker) && attempt < RetryLimit {
				continue
			}
			break
		}
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	st.FinishedAt = nowISO()
	if haveResult {
		st.ExitCode = result.ExitCode
		st.ThreadID = result.ThreadID
	} else {
		st.ExitCode = 1
	}
	st.DurationMs = totalDuration.Milliseconds()
	st.BlockerReason = blocker
	st.LastMessage = finalLastMessage

	if blocker != "" {
		st.Status = StatusBlocked
		s.writeArtifact(st, st.BlockerPath(), map[string]any{
			"agent":       st.Name,
			"runId":       s.RunID,
			"state":       StatusBlocked,
			"scope":       st.Scope,
			"reason":      blocker,
			"createdAt":   nowISO(),
			"lastMessage": finalLastMessage,
		})
		s.writeArtifact(st, st.ImpactPath(), map[string]any{
			"agent":        st.Name,
			"runId":        s.RunID,
			"state":        st.Status,
			"scope":        st.Scope,
			"changedFiles": changedOrEmpty(st.ChangedFiles),
			"durationMs":   st.DurationMs,
			"error":        blocker,
		})
	} else {
		st.Status = StatusDone
		s.writeArtifact(st, st.ImpactPath(), map[string]any{
			"agent":        st.Name,
			"runId":        s.RunID,
			"state":        st.Status,
			"scope":        st.Scope,
			"changedFiles": changedOrEmpty(st.ChangedFiles),
			"durationMs":   st.DurationMs,
			"exitCode":     st.ExitCode,
			"threadId":     st.ThreadID,
			"lastMessage":  finalLastMessage,
			"finishedAt":   st.FinishedAt,
		})
	}
	s.writeStatusLocked(st)
}

// classify orders the blocker checks: runner error, write restriction,
// non-zero exit, scope violation, then the mode's change requirements.
func (s *Supervisor) classify(res agentrunner.Result, changed []string, scopeStr string) string {
	blocker := res.Error
	if s.requireFileChanges() && blocker == "" && IsWriteRestricted(res.LastMessage) {
		blocker = "Platform write restriction detected from agent output."
	}
	if res.ExitCode != 0 {
		if blocker == "" {
			blocker = "Agent exited with non-zero status."
		}
		return blocker
	}
	if blocker != "" {
		return blocker
	}

	var violations []string
	for _, f := range changed {
		if !scope.InScope(f, scopeStr, s.ProjectRootPrefix) {
			violations = append(violations, f)
		}
	}
	if len(violations) > 0 {
		if len(violations) > 5 {
			violations = violations[:5]
		}
		return "Scope violation: edited " + strings.Join(violations, ", ")
	}
	if s.requireFileChanges() && len(changed) == 0 {
		return "No file changes were produced; execution was blocked or task was not executed."
	}
	if !s.requireFileChanges() && len(changed) > 0 {
		return "Unexpected file changes were produced for an advisory task."
	}
	return ""
}

func (s *Supervisor) writeArtifact(st *AgentState, path string, payload map[string]any) {
	if err := fsutil.AtomicWriteJSON(path, payload); err != nil {
		s.logger().Warn("supervisor: write artifact", "agent", st.Name, "path", path, "error", err)
	}
}

func changedOrEmpty(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
