package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/iambrandonn/taskswarm/internal/checksum"
	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/planner"
	"github.com/iambrandonn/taskswarm/internal/supervisor"
	"github.com/iambrandonn/taskswarm/internal/verify"
	"github.com/iambrandonn/taskswarm/internal/workspace"
)

// writeEvidence emits the packet files: diff.patch, test-logs.txt,
// impact-report.json and summary.md. contract-check.* are guaranteed by
// the caller.
func (o *Orchestrator) writeEvidence(
	ctx context.Context,
	wsManager *workspace.Manager,
	packetDir, runID, task, taskMode, overall string,
	planResult planner.Result,
	scopeOK bool,
	scopeErrors, artifactErrors []string,
	mergeResult verify.MergeResult,
	contract verify.ContractResult,
	agents []*supervisor.AgentState,
) error {
	requireFileChanges := taskMode != "advisory"

	var patch strings.Builder
	switch {
	case requireFileChanges && mergeResult.Passed && mergeResult.MergedDiff != "":
		patch.WriteString(mergeResult.MergedDiff)
	case requireFileChanges:
		for _, agent := range agents {
			diff, err := wsManager.Diff(ctx, agent.Workspace)
			if err != nil {
				o.logger().Warn("orchestrator: collect diff for packet", "agent", agent.Name, "error", err)
				continue
			}
			fmt.Fprintf(&patch, "\n# %s\n%s", agent.Name, diff)
		}
	default:
		patch.WriteString("# Advisory task mode: no code diff generated.\n")
	}
	patchPath := filepath.Join(packetDir, "diff.patch")
	if err := fsutil.AtomicWriteText(patchPath, patch.String()); err != nil {
		return fmt.Errorf("orchestrator: write diff.patch: %w", err)
	}

	patchChecksum, err := checksum.SHA256File(patchPath)
	if err != nil {
		patchChecksum = ""
	}

	testLines := []string{
		"run_id: " + runID,
		"overall: " + overall,
		fmt.Sprintf("planner_exit: %d", planResult.Agent.ExitCode),
		fmt.Sprintf("scope_ok: %t", scopeOK),
	}
	for _, issue := range scopeErrors {
		testLines = append(testLines, "scope_issue: "+issue)
	}
	testLines = append(testLines,
		fmt.Sprintf("mergeable: %t", mergeResult.Passed),
		fmt.Sprintf("contract_status: %s", contract.Status()),
	)
	if patchChecksum != "" {
		testLines = append(testLines, "patch_checksum: "+patchChecksum)
	}
	for _, missing := range artifactErrors {
		testLines = append(testLines, "artifact_missing: "+missing)
	}
	if err := fsutil.AtomicWriteText(filepath.Join(packetDir, "test-logs.txt"), strings.Join(testLines, "\n")+"\n"); err != nil {
		return fmt.Errorf("orchestrator: write test-logs.txt: %w", err)
	}

	agentReports := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		agentReports = append(agentReports, map[string]any{
			"name":          a.Name,
			"scope":         a.Scope,
			"state":         a.Status,
			"exitCode":      a.ExitCode,
			"changedFiles":  changedOrEmpty(a.ChangedFiles),
			"blockerReason": a.BlockerReason,
			"lastMessage":   a.LastMessage,
		})
	}
	impact := map[string]any{
		"runId":          runID,
		"task":           task,
		"taskMode":       taskMode,
		"state":          overall,
		"scopeRulesOk":   scopeOK,
		"scopeIssues":    orEmptyList(scopeErrors),
		"artifactErrors": orEmptyList(artifactErrors),
		"mergeability":   mergeResult,
		"patchChecksum":  patchChecksum,
		"contract": map[string]any{
			"status":   contract.Status(),
			"command":  contract["command"],
			"exitCode": contract["exitCode"],
		},
		"agents": agentReports,
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(packetDir, "impact-report.json"), impact); err != nil {
		return fmt.Errorf("orchestrator: write impact-report.json: %w", err)
	}

	summary := BuildSummary(runID, overall, taskMode, packetDir, scopeOK, artifactErrors, mergeResult, contract, agents)
	if err := fsutil.AtomicWriteText(filepath.Join(packetDir, "summary.md"), summary); err != nil {
		return fmt.Errorf("orchestrator: write summary.md: %w", err)
	}
	return nil
}

// BuildSummary renders summary.md: READY_TO_MERGE for DONE runs, BLOCKED
// with one bullet per cause otherwise.
func BuildSummary(runID, overall, taskMode, packetDir string, scopeOK bool, artifactErrors []string, mergeResult verify.MergeResult, contract verify.ContractResult, agents []*supervisor.AgentState) string {
	lines := []string{
		"# PR Packet Summary",
		"",
		"Run ID: " + runID,
		"Overall state: " + overall,
		"",
		"## Evidence",
		"- " + filepath.Join(packetDir, "diff.patch"),
		"- " + filepath.Join(packetDir, "test-logs.txt"),
		"- " + filepath.Join(packetDir, "contract-check.json"),
		"- " + filepath.Join(packetDir, "contract-check.diff.txt"),
		"- " + filepath.Join(packetDir, "impact-report.json"),
		"- " + filepath.Join(packetDir, "summary.md"),
	}

	if overall == StateDone {
		lines = append(lines, "", "Status: READY_TO_MERGE")
		if taskMode == "advisory" {
			lines = append(lines, "", "## Agent guidance")
			for _, agent := range agents {
				if agent.LastMessage != "" {
					msg := strings.TrimSpace(agent.LastMessage)
					if len(msg) > 600 {
						msg = msg[:600]
					}
					lines = append(lines, fmt.Sprintf("- %s: %s", agent.Name, msg))
				}
			}
		}
		return strings.Join(lines, "\n") + "\n"
	}

	var blockedReasons []string
	for _, agent := range agents {
		if agent.Status == supervisor.StatusBlocked {
			reason := agent.BlockerReason
			if reason == "" {
				reason = "UNKNOWN"
			}
			blockedReasons = append(blockedReasons,
				fmt.Sprintf("%s BLOCKED: %s", agent.Name, reason),
				"Evidence: "+agent.BlockerPath(),
			)
		}
	}
	if len(blockedReasons) == 0 {
		blockedReasons = append(blockedReasons, "No explicit agent blocker reason captured.")
	}

	lines = append(lines, "", "Status: BLOCKED")
	for _, item := range artifactErrors {
		lines = append(lines, "- "+item)
	}
	for _, item := range blockedReasons {
		lines = append(lines, "- "+item)
	}
	if !scopeOK {
		lines = append(lines, "- scope overlap detected")
	}
	if !mergeResult.Passed {
		lines = append(lines, "- mergeability check failed")
		for _, detail := range mergeResult.Details {
			if detail.CheckStderr != "" {
				stderr := strings.TrimSpace(detail.CheckStderr)
				if len(stderr) > 240 {
					stderr = stderr[:240]
				}
				lines = append(lines, fmt.Sprintf("- merge check stderr (%s): %s", orUnknown(detail.Agent), stderr))
			}
			if detail.CheckCode != 0 {
				lines = append(lines, fmt.Sprintf("- merge check code (%s): %d", orUnknown(detail.Agent), detail.CheckCode))
			}
		}
	}
	if contract.Status() != "PASS" && contract.Status() != "SKIPPED" {
		lines = append(lines, "- contract check failed")
		lines = append(lines, "- Contract details: "+filepath.Join(packetDir, "contract-check.json"))
		if expected, ok := contract["expectedHash"].(string); ok && expected != "" {
			lines = append(lines, "- expected hash: "+expected)
		}
		if generated, ok := contract["generatedHash"].(string); ok && generated != "" {
			lines = append(lines, "- generated hash: "+generated)
		}
		if command, ok := contract["command"].(string); ok && command != "" {
			lines = append(lines, "- command: "+command)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// RenderDashboard formats the terminal view. The caller's mutex is taken
// here so agent fields are read consistently mid-run.
func RenderDashboard(runID, task string, plan []planner.SubTask, agents []*supervisor.AgentState, overall string, done bool, tick int, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "taskswarm multi-agent dashboard\n")
	fmt.Fprintf(&b, "Run ID   : %s\n", runID)
	fmt.Fprintf(&b, "State    : %s\n", overall)
	fmt.Fprintf(&b, "Task     : %s\n\n", task)

	b.WriteString("Planner decomposition:\n")
	for i, item := range plan {
		fmt.Fprintf(&b, "  %2d. %-16s scope=%-24s %s\n", i+1, item.Name, orDot(item.Scope), item.Objective)
	}

	ordered := make([]*supervisor.AgentState, len(agents))
	copy(ordered, agents)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	b.WriteString("\nAgents:\n")
	for _, a := range ordered {
		fmt.Fprintf(&b, "  %-18s status=%-7s exit=%4d scope=%-20s files=%3d\n",
			a.Name, a.Status, a.ExitCode, orDot(a.Scope), len(a.ChangedFiles))
	}

	if !done {
		fmt.Fprintf(&b, "\nUpdate #%d\n", tick)
		for _, a := range ordered {
			if len(a.Log) > 0 {
				fmt.Fprintf(&b, "  %s: %s\n", a.Name, a.Log[len(a.Log)-1])
			}
		}
	} else {
		b.WriteString("\n")
		for _, a := range ordered {
			if a.BlockerReason != "" {
				fmt.Fprintf(&b, "  %s: BLOCKED (%s)\n", a.Name, a.BlockerReason)
			} else {
				fmt.Fprintf(&b, "  %s: %s (%d files)\n", a.Name, a.Status, len(a.ChangedFiles))
			}
		}
	}
	return b.String()
}

func changedOrEmpty(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}

func orEmptyList(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
