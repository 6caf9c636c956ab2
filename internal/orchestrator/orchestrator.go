// Package orchestrator is the top-level controller of one run: it plans,
// fans out one supervisor per SubTask, publishes live snapshots while
// they execute, drives the verification pipeline after they join, and
// writes the evidence packet.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/taskswarm/internal/agentrunner"
	"github.com/iambrandonn/taskswarm/internal/config"
	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/livestate"
	"github.com/iambrandonn/taskswarm/internal/planner"
	"github.com/iambrandonn/taskswarm/internal/scope"
	"github.com/iambrandonn/taskswarm/internal/supervisor"
	"github.com/iambrandonn/taskswarm/internal/verify"
	"github.com/iambrandonn/taskswarm/internal/workspace"
)

// Snapshot periods for the two dashboard flavors.
const (
	TUIRefresh = 350 * time.Millisecond
	WebRefresh = 600 * time.Millisecond
)

// Run verdict values.
const (
	StateDone    = "DONE"
	StateBlocked = "BLOCKED"
)

// GenerateRunID returns the lexicographically sortable id for a run
// starting at now.
func GenerateRunID(now time.Time) string {
	return "run-" + now.UTC().Format("2006-01-02-150405")
}

var advisoryPhrases = []string{
	"give me a list",
	"list of",
	"checklist",
	"steps to",
	"what do i need",
	"what i need",
	"how should i",
	"outline",
	"plan for",
	"recommendations",
}

var advisoryKeywords = []string{"list", "steps", "plan", "advice", "recommend", "explain", "summary", "guide"}

var codeKeywords = []string{"implement", "build", "scaffold", "create", "write code", "edit", "fix", "refactor", "patch", "frontend", "backend"}

// InferTaskMode resolves "auto" by classifying the task text: advisory
// when an advisory phrase or advisory keyword matches and no code keyword
// does; code otherwise. Explicit modes pass through.
func InferTaskMode(task, requested string) string {
	requested = config.NormalizeTaskMode(requested)
	if requested != "auto" {
		return requested
	}

	text := strings.ToLower(strings.TrimSpace(task))
	hasCode := anyWordMatch(text, codeKeywords)
	for _, phrase := range advisoryPhrases {
		if strings.Contains(text, phrase) && !hasCode {
			return "advisory"
		}
	}

	hasAdvisory := anyWordMatch(text, advisoryKeywords)
	if hasAdvisory && !hasCode {
		return "advisory"
	}
	return "code"
}

func anyWordMatch(text string, words []string) bool {
	for _, word := range words {
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`).MatchString(text) {
			return true
		}
	}
	return false
}

// Orchestrator owns one run's lifecycle.
type Orchestrator struct {
	Config config.Resolved
	Logger *slog.Logger

	// Stdout receives the TUI rendering; defaults to os.Stdout.
	Stdout *os.File
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) stdout() *os.File {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

// plannerAdapter routes the planner's meta-prompt through the same agent
// runner the supervisors use.
type plannerAdapter struct {
	runner  *agentrunner.Runner
	command []string
}

func (p plannerAdapter) Run(ctx context.Context, req planner.AgentRequest) (planner.AgentResult, error) {
	res, err := p.runner.Run(ctx, agentrunner.Request{
		Command:         p.command,
		Prompt:          req.Prompt,
		Workspace:       req.Workspace,
		LastMessagePath: req.LastMessagePath,
		SandboxMode:     req.SandboxMode,
		Bypass:          req.Bypass,
		Model:           req.Model,
		ModelProvider:   req.ModelProvider,
	})
	if err != nil {
		return planner.AgentResult{}, err
	}
	return planner.AgentResult{
		ExitCode:    res.ExitCode,
		ThreadID:    res.ThreadID,
		LastMessage: res.LastMessage,
		Error:       res.Error,
	}, nil
}

// RunTicket executes one complete run and returns its overall state.
// Per-agent failures never surface as an error; only environment setup
// failures do.
func (o *Orchestrator) RunTicket(ctx context.Context, task, runID, stateFile string, startWebServer bool) (string, error) {
	cfg := o.Config
	taskMode := InferTaskMode(task, cfg.TaskMode)
	requireFileChanges := taskMode != "advisory"

	coordRun := cfg.CoordinationDir(runID)
	packetDir := cfg.PacketDir(runID)
	if stateFile == "" {
		stateFile = filepath.Join(coordRun, "live-state.json")
	}
	for _, dir := range []string{coordRun, packetDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return StateBlocked, fmt.Errorf("orchestrator: create %s: %w", dir, err)
		}
	}

	metrics := livestate.NewMetrics()
	var webServer interface{ Close() error }
	if cfg.UI == "web" && startWebServer {
		server := &livestate.Server{StateFile: stateFile, Metrics: metrics, Logger: o.logger()}
		srv, port, err := server.Listen(cfg.WebPort)
		if err != nil {
			return StateBlocked, err
		}
		webServer = srv
		fmt.Fprintf(o.stdout(), "Web dashboard: http://127.0.0.1:%d/\n", port)
	}
	if webServer != nil {
		defer webServer.Close()
	}

	if err := livestate.WriteSnapshot(stateFile, livestate.Snapshot{
		RunID:        runID,
		Task:         task,
		TaskMode:     taskMode,
		OverallState: "RUNNING",
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		Planning:     []livestate.PlanItem{},
		Agents:       []livestate.AgentSnapshot{},
	}); err != nil {
		return StateBlocked, fmt.Errorf("orchestrator: write initial snapshot: %w", err)
	}

	wsManager, err := workspace.NewManager(cfg.RepoRoot)
	if err != nil {
		return StateBlocked, err
	}
	runner := agentrunner.NewRunner(o.logger())

	// The planner runs read-only in advisory mode so guidance tasks can
	// never mutate the repository during planning.
	plannerSandbox := cfg.SandboxMode
	if !requireFileChanges {
		plannerSandbox = "read-only"
	}
	plannerDir := filepath.Join(coordRun, "planner")
	planResult, err := planner.Run(ctx, plannerAdapter{runner: runner, command: cfg.AgentCommand},
		task, taskMode, planner.AgentRequest{
			Workspace:       cfg.RepoRoot,
			LastMessagePath: filepath.Join(plannerDir, "last-message.txt"),
			SandboxMode:     plannerSandbox,
			Bypass:          cfg.Bypass,
			Model:           cfg.Model,
			ModelProvider:   cfg.ModelProvider,
		}, cfg.ProjectRootPrefix, plannerDir)
	if err != nil {
		return StateBlocked, fmt.Errorf("orchestrator: planner: %w", err)
	}
	plan := planResult.Plan

	scopeOK, scopeErrors := ValidateScopeRules(plan, cfg.ProjectRootPrefix)

	mu := &sync.Mutex{}
	sup := &supervisor.Supervisor{
		Runner:            runner,
		ChangedFiles:      wsManager.ChangedFiles,
		Command:           cfg.AgentCommand,
		RunID:             runID,
		TaskMode:          taskMode,
		SandboxMode:       workerSandbox(cfg.SandboxMode, requireFileChanges),
		Bypass:            cfg.Bypass,
		Model:             cfg.Model,
		ModelProvider:     cfg.ModelProvider,
		ProjectRootPrefix: cfg.ProjectRootPrefix,
		Mutex:             mu,
		Logger:            o.logger(),
	}

	var agents []*supervisor.AgentState
	for _, item := range plan {
		coordDir := filepath.Join(coordRun, item.Name)
		workspaceDir := filepath.Join(cfg.WorktreeRoot, runID, item.Name)
		if err := wsManager.Create(ctx, workspaceDir, ""); err != nil {
			return StateBlocked, fmt.Errorf("orchestrator: workspace for %s: %w", item.Name, err)
		}
		st := supervisor.NewAgentState(item.Name, item.Scope, item.Objective, workspaceDir, coordDir)
		if err := fsutil.AtomicWriteJSON(st.IntentPath(), map[string]any{
			"agent":     st.Name,
			"runId":     runID,
			"scope":     st.Scope,
			"objective": st.Objective,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return StateBlocked, fmt.Errorf("orchestrator: seed intent for %s: %w", item.Name, err)
		}
		sup.WriteStatus(st)
		agents = append(agents, st)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, st := range agents {
		st := st
		group.Go(func() error {
			sup.Run(groupCtx, st)
			return nil
		})
	}

	refresh := TUIRefresh
	if cfg.UI == "web" {
		refresh = WebRefresh
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	tick := 0
	ticker := time.NewTicker(refresh)
	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		case <-ticker.C:
		}
		tick++
		mu.Lock()
		snap := livestate.BuildSnapshot(runID, task, taskMode, plan, agents, "RUNNING", tick)
		mu.Unlock()
		o.observeMetrics(metrics, agents, mu, "RUNNING")
		if err := livestate.WriteSnapshot(stateFile, snap); err != nil {
			o.logger().Warn("orchestrator: write snapshot", "error", err)
		}
		if cfg.UI == "tui" {
			fmt.Fprint(o.stdout(), "\x1b[2J\x1b[H")
			fmt.Fprintln(o.stdout(), RenderDashboard(runID, task, plan, agents, "RUNNING", false, tick, mu))
		}
	}
	ticker.Stop()

	overall := StateDone
	if planResult.Agent.ExitCode != 0 {
		overall = StateBlocked
	}
	if planResult.FallbackUsed {
		// The planner never produced a non-trivial plan; the fallback
		// agent still ran, but the run cannot be trusted as planned.
		overall = StateBlocked
	}
	if !scopeOK {
		overall = StateBlocked
	}

	artifactErrors := verify.RequiredArtifacts(coordRun, agents)
	if requireFileChanges && overall == StateDone && !anyChanges(agents) {
		overall = StateBlocked
		artifactErrors = append(artifactErrors, "No agent produced any file changes.")
	}
	if len(artifactErrors) > 0 {
		overall = StateBlocked
	}

	var mergeResult verify.MergeResult
	var contract verify.ContractResult
	if requireFileChanges {
		mergeResult = verify.CheckMergeability(ctx, wsManager, agents, "", runID)
		if !mergeResult.Passed {
			overall = StateBlocked
		}

		if verify.NeedsContractCheck(agents, cfg.SensitivePrefixes, cfg.ProjectRootPrefix) {
			contract = verify.RunContractCheck(ctx, cfg.ContractCheckCommand, cfg.RepoRoot, runID, packetDir)
			if contract.Status() != "PASS" {
				overall = StateBlocked
			}
		} else {
			contract = verify.SkippedContract(runID, "no protocol-sensitive files changed")
		}
	} else {
		mergeResult = verify.AdvisoryMergeResult()
		contract = verify.PassedContract(runID, "advisory task mode")
	}
	if err := verify.EnsureContractFiles(packetDir, contract); err != nil {
		o.logger().Warn("orchestrator: contract files", "error", err)
	}

	if err := o.writeEvidence(ctx, wsManager, packetDir, runID, task, taskMode, overall,
		planResult, scopeOK, scopeErrors, artifactErrors, mergeResult, contract, agents); err != nil {
		return StateBlocked, err
	}

	mu.Lock()
	finalSnap := livestate.BuildSnapshot(runID, task, taskMode, plan, agents, overall, tick)
	mu.Unlock()
	finalSnap.Finished = true
	o.observeMetrics(metrics, agents, mu, overall)
	if err := livestate.WriteSnapshot(stateFile, finalSnap); err != nil {
		o.logger().Warn("orchestrator: write final snapshot", "error", err)
	}

	if cfg.UI == "tui" {
		fmt.Fprint(o.stdout(), "\x1b[2J\x1b[H")
		fmt.Fprintln(o.stdout(), RenderDashboard(runID, task, plan, agents, overall, true, tick, mu))
	}
	fmt.Fprintf(o.stdout(), "\nEvidence: %s\n", packetDir)

	return overall, nil
}

func workerSandbox(requested string, requireFileChanges bool) string {
	if !requireFileChanges {
		return "read-only"
	}
	return requested
}

func anyChanges(agents []*supervisor.AgentState) bool {
	for _, a := range agents {
		if len(a.ChangedFiles) > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) observeMetrics(m *livestate.Metrics, agents []*supervisor.AgentState, mu *sync.Mutex, overall string) {
	m.Ticks.Inc()
	mu.Lock()
	active := 0
	for _, a := range agents {
		if a.Status == supervisor.StatusRunning {
			active++
		}
	}
	mu.Unlock()
	m.ActiveAgents.Set(float64(active))
	if overall == StateBlocked {
		m.RunBlocked.Set(1)
	} else {
		m.RunBlocked.Set(0)
	}
}

// ValidateScopeRules checks every scope pair in plan for overlap.
func ValidateScopeRules(plan []planner.SubTask, projectRootPrefix string) (bool, []string) {
	var issues []string
	for i := 0; i < len(plan); i++ {
		for j := i + 1; j < len(plan); j++ {
			if scope.ScopesOverlap(plan[i].Scope, plan[j].Scope, projectRootPrefix) {
				issues = append(issues, fmt.Sprintf("scope overlap: %s:%s and %s:%s",
					plan[i].Name, orDot(plan[i].Scope), plan[j].Name, orDot(plan[j].Scope)))
			}
		}
	}
	return len(issues) == 0, issues
}

func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}
