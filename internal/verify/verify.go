// Package verify runs the post-join verification pipeline: required
// artifacts, mergeability of all agent patches against a shared base, and
// the external contract check for protocol-sensitive changes.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/supervisor"
	"github.com/iambrandonn/taskswarm/internal/workspace"
)

// MergeDetail records the outcome of one agent's patch against the
// scratch merge tree.
type MergeDetail struct {
	Agent       string `json:"agent,omitempty"`
	Skipped     string `json:"skipped,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Note        string `json:"note,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Patch       string `json:"patch,omitempty"`
	CheckCode   int    `json:"checkCode"`
	CheckStdout string `json:"checkStdout,omitempty"`
	CheckStderr string `json:"checkStderr,omitempty"`
	ApplyCode   int    `json:"applyCode"`
	ApplyStdout string `json:"applyStdout,omitempty"`
	ApplyStderr string `json:"applyStderr,omitempty"`
}

// MergeResult is the mergeability stage's outcome.
type MergeResult struct {
	Passed     bool          `json:"passed"`
	Details    []MergeDetail `json:"details"`
	MergedDiff string        `json:"mergedDiff"`
	Patches    []string      `json:"patches"`
}

// AdvisoryMergeResult is the recorded stand-in when mergeability is
// skipped for advisory runs.
func AdvisoryMergeResult() MergeResult {
	return MergeResult{
		Passed:     true,
		Details:    []MergeDetail{{Mode: "advisory", Note: "Mergeability skipped for advisory guidance tasks."}},
		MergedDiff: "",
		Patches:    []string{},
	}
}

// RequiredArtifacts checks artifact completeness for every agent and the
// coordination root, returning one message per missing file.
func RequiredArtifacts(coordRun string, agents []*supervisor.AgentState) []string {
	var missing []string
	for _, agent := range agents {
		if !fileExists(agent.StatusPath()) {
			missing = append(missing, agent.Name+": status.json")
		}
		if !fileExists(agent.IntentPath()) {
			missing = append(missing, agent.Name+": intent.json")
		}
		if agent.Status == supervisor.StatusDone && !fileExists(agent.ImpactPath()) {
			missing = append(missing, agent.Name+": impact-report.json")
		}
		if agent.Status == supervisor.StatusBlocked && !fileExists(agent.BlockerPath()) {
			missing = append(missing, agent.Name+": blocker.json")
		}
	}
	if !dirExists(coordRun) {
		missing = append(missing, "coordination root missing")
	}
	return missing
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CheckMergeability test-applies every agent's patch, in plan order, to
// one scratch detached worktree at the merge base. Patches that pass the
// check are actually applied so later patches see cumulative state. The
// scratch worktree is always torn down.
func CheckMergeability(ctx context.Context, mgr *workspace.Manager, agents []*supervisor.AgentState, scratchRoot, runID string) MergeResult {
	result := MergeResult{Patches: []string{}}

	type pending struct {
		agent *supervisor.AgentState
		patch string
	}
	var nonEmpty []pending
	for _, agent := range agents {
		patch, err := mgr.Diff(ctx, agent.Workspace)
		if err != nil {
			result.Details = append(result.Details, MergeDetail{
				Agent: agent.Name, CheckCode: 1, CheckStderr: fmt.Sprintf("collect diff: %v", err),
			})
			return result
		}
		if strings.TrimSpace(patch) == "" {
			result.Details = append(result.Details, MergeDetail{Agent: agent.Name, Skipped: "empty patch"})
			continue
		}
		nonEmpty = append(nonEmpty, pending{agent: agent, patch: patch})
	}

	if len(nonEmpty) == 0 {
		result.Passed = true
		result.Details = append(result.Details, MergeDetail{Mode: "skip", Reason: "all patches empty"})
		return result
	}

	tempRoot, err := os.MkdirTemp(scratchRoot, runID+"-merge-")
	if err != nil {
		result.Details = append(result.Details, MergeDetail{CheckCode: 1, CheckStderr: fmt.Sprintf("create scratch dir: %v", err)})
		return result
	}
	defer os.RemoveAll(tempRoot)

	mergeTree := filepath.Join(tempRoot, "merge")
	if err := mgr.Create(ctx, mergeTree, ""); err != nil {
		result.Details = append(result.Details, MergeDetail{CheckCode: 1, CheckStderr: fmt.Sprintf("create merge worktree: %v", err)})
		return result
	}
	defer func() { _ = mgr.Destroy(ctx, mergeTree) }()

	for _, item := range nonEmpty {
		patchPath := filepath.Join(tempRoot, item.agent.Name+".patch")
		if err := fsutil.AtomicWriteText(patchPath, item.patch); err != nil {
			result.Details = append(result.Details, MergeDetail{
				Agent: item.agent.Name, CheckCode: 1, CheckStderr: fmt.Sprintf("write patch: %v", err),
			})
			return result
		}
		result.Patches = append(result.Patches, patchPath)

		detail := MergeDetail{Agent: item.agent.Name, Patch: patchPath}
		detail.CheckCode, detail.CheckStdout, detail.CheckStderr = runGit(ctx, mergeTree, "apply", "--check", patchPath)
		if detail.CheckCode != 0 {
			result.Details = append(result.Details, detail)
			return result
		}

		detail.ApplyCode, detail.ApplyStdout, detail.ApplyStderr = runGit(ctx, mergeTree, "apply", "--index", patchPath)
		result.Details = append(result.Details, detail)
		if detail.ApplyCode != 0 {
			return result
		}
	}

	code, merged, stderr := runGit(ctx, mergeTree, "diff", "--binary", "--cached")
	if code != 0 {
		result.Details = append(result.Details, MergeDetail{CheckCode: code, CheckStderr: stderr})
		return result
	}
	result.Passed = true
	result.MergedDiff = merged
	return result
}

func runGit(ctx context.Context, dir string, args ...string) (int, string, string) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	return code, stdout.String(), stderr.String()
}

// NeedsContractCheck reports whether any agent touched a path under one
// of the sensitive prefixes.
func NeedsContractCheck(agents []*supervisor.AgentState, sensitivePrefixes []string, projectRootPrefix string) bool {
	for _, agent := range agents {
		for _, changed := range agent.ChangedFiles {
			rel := strings.Trim(strings.ReplaceAll(changed, "\\", "/"), "/")
			if projectRootPrefix != "" {
				rel = strings.TrimPrefix(rel, projectRootPrefix+"/")
			}
			for _, prefix := range sensitivePrefixes {
				if strings.HasPrefix(rel, prefix) {
					return true
				}
			}
		}
	}
	return false
}

// ContractResult is the (possibly synthesized) contract-check document.
type ContractResult map[string]any

// SkippedContract is the recorded result when the contract check is not
// required.
func SkippedContract(runID, reason string) ContractResult {
	return ContractResult{
		"runId":     runID,
		"status":    "SKIPPED",
		"command":   "skipped (" + reason + ")",
		"exitCode":  0,
		"timestamp": nowISO(),
		"stdout":    "",
		"stderr":    "",
	}
}

// PassedContract is the advisory-mode stand-in: recorded as PASS so the
// verdict aggregation treats the stage as satisfied.
func PassedContract(runID, reason string) ContractResult {
	c := SkippedContract(runID, reason)
	c["status"] = "PASS"
	return c
}

// Status returns the contract result's status string.
func (c ContractResult) Status() string {
	s, _ := c["status"].(string)
	return s
}

// RunContractCheck invokes the external contract-check program for runID
// and reads back the contract-check.json it is expected to produce under
// packetDir; when that file is missing or unreadable, a result is
// synthesized from the program's exit code and stdio. A missing program
// is ERROR (exit 2), never FAIL.
func RunContractCheck(ctx context.Context, command []string, repoRoot, runID, packetDir string) ContractResult {
	if len(command) == 0 {
		return ContractResult{
			"runId": runID, "status": "ERROR", "command": "no contract-check command configured",
			"exitCode": 2, "timestamp": nowISO(), "stdout": "", "stderr": "",
		}
	}

	program := command[0]
	if _, err := exec.LookPath(program); err != nil {
		return ContractResult{
			"runId": runID, "status": "ERROR", "command": program + " (missing)",
			"exitCode": 2, "timestamp": nowISO(), "stdout": "", "stderr": program + " not available",
		}
	}
	if len(command) > 1 {
		script := command[1]
		if !filepath.IsAbs(script) {
			script = filepath.Join(repoRoot, script)
		}
		if !fileExists(script) {
			return ContractResult{
				"runId": runID, "status": "ERROR", "command": "missing " + command[1],
				"exitCode": 2, "timestamp": nowISO(), "stdout": "", "stderr": "",
			}
		}
	}

	args := append(append([]string{}, command[1:]...), "--run-id", runID)
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = repoRoot
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	if generated, ok := readContractFile(filepath.Join(packetDir, "contract-check.json")); ok {
		if _, has := generated["timestamp"]; !has {
			generated["timestamp"] = nowISO()
		}
		return generated
	}

	status := "PASS"
	if exitCode != 0 {
		status = "ERROR"
	}
	return ContractResult{
		"runId":     runID,
		"status":    status,
		"command":   strings.Join(command, " "),
		"exitCode":  exitCode,
		"timestamp": nowISO(),
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
}

func readContractFile(path string) (ContractResult, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, false
	}
	return ContractResult(doc), true
}

// EnsureContractFiles writes contract-check.json and
// contract-check.diff.txt into packetDir when either is missing.
func EnsureContractFiles(packetDir string, contract ContractResult) error {
	jsonPath := filepath.Join(packetDir, "contract-check.json")
	if !fileExists(jsonPath) {
		if err := fsutil.AtomicWriteJSON(jsonPath, contract); err != nil {
			return fmt.Errorf("verify: write contract-check.json: %w", err)
		}
	}
	diffPath := filepath.Join(packetDir, "contract-check.diff.txt")
	if !fileExists(diffPath) {
		text := fmt.Sprintf("status=%v\nstdout=%v\nstderr=%v",
			contract["status"], orEmpty(contract["stdout"]), orEmpty(contract["stderr"]))
		if err := fsutil.AtomicWriteText(diffPath, text); err != nil {
			return fmt.Errorf("verify: write contract-check.diff.txt: %w", err)
		}
	}
	return nil
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
