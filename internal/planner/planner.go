// Package planner turns a free-form user task into a disjoint Plan of
// SubTasks by calling the agent CLI once with a meta-prompt, extracting
// whatever JSON it can find in the reply, and normalizing the result.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/scope"
)

// RetryLimit is the total number of planner invocations attempted (the
// first call plus RetryLimit-1 "invalid output" nudges) before the trivial
// single-agent fallback plan is accepted as final.
const RetryLimit = 2

// SubTask is one item of a Plan: a named slice of work with a scope and a
// free-text objective handed verbatim to the agent CLI.
type SubTask struct {
	Name      string `json:"name" validate:"required,max=48"`
	Scope     string `json:"scope"`
	Objective string `json:"objective" validate:"required"`
}

// AgentRequest mirrors what the agent CLI needs for a single invocation;
// the planner uses it to run its own meta-prompt through the same runner
// the supervisors use for SubTask execution.
type AgentRequest struct {
	Prompt          string
	Workspace       string
	LastMessagePath string
	SandboxMode     string
	Bypass          bool
	Model           string
	ModelProvider   string
}

// AgentResult is the outcome of one agent CLI invocation.
type AgentResult struct {
	ExitCode    int
	ThreadID    string
	LastMessage string
	Error       string
}

// AgentRunner is the dependency the planner calls to run its meta-prompt.
// internal/agentrunner satisfies this.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// Result is what Run returns: the normalized plan, the raw agent result
// from the (possibly retried) planner call, and whether the trivial
// fallback plan had to be accepted.
type Result struct {
	Plan           []SubTask
	Agent          AgentResult
	ParseAttempts  int
	FallbackUsed   bool
	RawPlannerJSON any
}

// Run calls runner with a mode-specific meta-prompt, retries on a detected
// trivial-fallback collapse (up to RetryLimit total attempts), normalizes
// the resulting plan into disjoint scopes, and persists intent.json /
// impact-report.json / status.json under plannerDir.
func Run(ctx context.Context, runner AgentRunner, rawTask string, taskMode string, agentOpts AgentRequest, projectRootPrefix, plannerDir string) (Result, error) {
	statusPath := filepath.Join(plannerDir, "status.json")
	intentPath := filepath.Join(plannerDir, "intent.json")
	impactPath := filepath.Join(plannerDir, "impact-report.json")

	if err := fsutil.AtomicWriteJSON(statusPath, map[string]any{
		"agent": "planner", "state": "RUNNING", "updatedAt": nowISO(),
	}); err != nil {
		return Result{}, fmt.Errorf("planner: write initial status: %w", err)
	}

	prompt := BuildPrompt(taskMode, rawTask)
	req := agentOpts
	req.Prompt = prompt

	result, err := runner.Run(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("planner: run agent CLI: %w", err)
	}

	parsed := ExtractJSON(result.LastMessage)
	attempts := 0
	fallbackRoot := fallbackRoot(taskMode, projectRootPrefix)
	plan := ParsePlan(rawTask, parsed, taskMode, fallbackRoot)
	fallbackDetected := isTrivialFallback(plan, taskMode, fallbackRoot)

	if fallbackDetected {
		for attempts < RetryLimit-1 {
			retryReq := req
			retryReq.Prompt = prompt + "\n\n" + retryNudge(taskMode)

			retryResult, rerr := runner.Run(ctx, retryReq)
			attempts++
			if rerr != nil {
				continue
			}
			retryParsed := ExtractJSON(retryResult.LastMessage)
			if retryParsed == nil {
				continue
			}
			retryPlan := ParsePlan(rawTask, retryParsed, taskMode, fallbackRoot)
			if !isTrivialFallback(retryPlan, taskMode, fallbackRoot) {
				parsed = retryParsed
				result = retryResult
				plan = retryPlan
				fallbackDetected = false
				break
			}
		}
	}

	scopedPlan := make([]scope.Scoped, len(plan))
	for i, st := range plan {
		scopedPlan[i] = scope.Scoped{Name: st.Name, Scope: st.Scope}
	}
	normalized := scope.NormalizeDisjoint(scopedPlan, projectRootPrefix, fallbackRoot)
	for i := range plan {
		plan[i].Scope = normalized[i].Scope
	}

	if err := fsutil.AtomicWriteJSON(intentPath, map[string]any{
		"task":                rawTask,
		"plannerResult":       orEmptyObject(parsed),
		"plannerParseAttempts": attempts + 1,
		"fallbackUsed":        fallbackDetected,
		"normalizedPlan":      map[string]any{"subtasks": plan},
		"parsedAt":            nowISO(),
	}); err != nil {
		return Result{}, fmt.Errorf("planner: write intent.json: %w", err)
	}

	state := "DONE"
	if result.ExitCode != 0 {
		state = "BLOCKED"
	}
	if err := fsutil.AtomicWriteJSON(impactPath, map[string]any{
		"agentCount": len(plan),
		"exitCode":   result.ExitCode,
		"state":      state,
		"parsed":     parsed != nil,
	}); err != nil {
		return Result{}, fmt.Errorf("planner: write impact-report.json: %w", err)
	}
	if err := fsutil.AtomicWriteJSON(statusPath, map[string]any{
		"agent": "planner", "state": state, "threadId": result.ThreadID, "updatedAt": nowISO(),
	}); err != nil {
		return Result{}, fmt.Errorf("planner: write final status: %w", err)
	}

	return Result{
		Plan:           plan,
		Agent:          result,
		ParseAttempts:  attempts + 1,
		FallbackUsed:   fallbackDetected,
		RawPlannerJSON: parsed,
	}, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func orEmptyObject(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func fallbackRoot(taskMode, projectRootPrefix string) string {
	if taskMode == "advisory" {
		return "analysis"
	}
	if projectRootPrefix != "" {
		return projectRootPrefix
	}
	return scope.DefaultRoot
}

func isTrivialFallback(plan []SubTask, taskMode, fallbackRoot string) bool {
	if len(plan) != 1 {
		return false
	}
	if taskMode == "advisory" {
		return plan[0].Name == "agent-advisor" && plan[0].Scope == "analysis"
	}
	return plan[0].Name == "agent-implementation" && plan[0].Scope == fallbackRoot
}

// BuildPrompt constructs the deterministic planner meta-prompt for the
// given task mode.
func BuildPrompt(taskMode, rawTask string) string {
	if taskMode == "advisory" {
		return "You are a planner for a multi-agent advisory team.\n" +
			"The user asked for guidance or a checklist, not direct code implementation.\n" +
			"Decompose the task into 2-4 named advisory subtasks.\n" +
			"Return STRICT JSON only, no code fences.\n" +
			"Scope rules are strict:\n" +
			"- every scope MUST be a unique short topic tag (for example `requirements`, `risks`, `sequencing`)\n" +
			"- scopes MUST NOT overlap or repeat\n" +
			"- do not use filesystem paths unless explicitly requested by the user\n\n" +
			`Example: {"raw_task":"...", "subtasks":[{"name":"agent-requirements","scope":"requirements","objective":"list requirements and assumptions"}] }` + "\n\n" +
			"User task: " + rawTask
	}
	return "You are a planner for a multi-agent engineering team.\n" +
		"Decompose the task into 2-4 subtasks for named agents.\n" +
		"Return STRICT JSON only, no code fences.\n" +
		"Scope rules are strict:\n" +
		"- every scope MUST be path-like and MUST NOT overlap another scope (no parent/child relationships)\n" +
		"- do not reuse scope prefixes (for example, avoid both `feature` and `feature/src`)\n" +
		"- prefer dedicated sibling paths under a shared root when possible\n\n" +
		`Example: {"raw_task":"...", "subtasks":[{"name":"agent-a","scope":"feature/a","objective":"..."}] }` + "\n\n" +
		"User task: " + rawTask
}

func retryNudge(taskMode string) string {
	example := `Example: {"raw_task":"...","subtasks":[{"name":"agent-1","scope":"feature/a","objective":"..."}]}`
	if taskMode == "advisory" {
		example = `Example: {"raw_task":"...","subtasks":[{"name":"agent-1","scope":"requirements","objective":"..."}]}`
	}
	return "Your response is still not in the required planner JSON shape.\n" +
		"Return ONLY valid JSON object with key `subtasks` containing 2-4 entries.\n" +
		example + "\n" +
		"Do not include prose, bullets, or fences."
}

var fencedBlock = regexp.MustCompile("(?s)```.*?```")

// ExtractJSON scans free-form agent output for embedded JSON: it strips
// fenced code blocks first, then tries every candidate '{' or '[' position
// in the fence-stripped text, then in the raw text, decoding incrementally
// and accepting the first value that parses as an object or array.
func ExtractJSON(text string) any {
	stripped := fencedBlock.ReplaceAllString(text, "")
	for _, block := range []string{stripped, text} {
		if v, ok := scanJSONValue(block); ok {
			return v
		}
	}
	return nil
}

func scanJSONValue(text string) (any, bool) {
	for idx := 0; idx < len(text); idx++ {
		if text[idx] != '{' && text[idx] != '[' {
			continue
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(text[idx:]))
		if err := dec.Decode(&v); err == nil {
			switch v.(type) {
			case map[string]any, []any:
				return v, true
			}
		}
	}
	return nil, false
}

var nonNamePattern = regexp.MustCompile(`[^a-z0-9_-]`)
var dashRun = regexp.MustCompile(`-+`)
var leadingLetter = regexp.MustCompile(`^[a-zA-Z]`)

// NormalizeName coerces an arbitrary planner-supplied name into the
// `[a-z][a-z0-9_-]{0,47}` shape SubTask.Name requires.
func NormalizeName(value string) string {
	name := nonNamePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	name = strings.Trim(dashRun.ReplaceAllString(name, "-"), "-")
	if name == "" {
		name = "agent"
	}
	if !leadingLetter.MatchString(name) {
		name = "agent-" + name
	}
	if len(name) > 48 {
		name = name[:48]
	}
	return name
}

// ParsePlan extracts a []SubTask from the planner's parsed JSON output.
// Outside advisory mode a single-file directive in rawTask bypasses the
// parsed output. Otherwise items come from a top-level array, from a list
// under one of the keys subtasks/agents/tasks/steps/items/plan (at the top
// level, then inside a nested normalizedPlan), or from a single object
// carrying name/scope/objective; when no valid item remains, the result is
// the trivial single-agent fallback.
func ParsePlan(rawTask string, parsed any, taskMode, fallbackRoot string) []SubTask {
	if taskMode != "advisory" {
		if singleFileScope, ok := scope.DetectSingleFileDirective(rawTask, ""); ok {
			return []SubTask{{Name: "agent-implementation", Scope: singleFileScope, Objective: rawTask}}
		}
	}

	items := extractSubtaskObjects(parsed)
	if len(items) == 0 {
		return []SubTask{trivialFallback(taskMode, fallbackRoot, rawTask)}
	}

	validate := validator.New()

	used := map[string]bool{}
	var plan []SubTask
	for idx, item := range items {
		name := NormalizeName(stringField(item, "name", fmt.Sprintf("agent-%d", idx+1)))
		base := name
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		used[name] = true

		rawScope := stringField(item, "scope", "")
		if rawScope == "" {
			rawScope = stringField(item, "fileScope", "")
		}
		objective := firstNonEmpty(
			stringField(item, "objective", ""),
			stringField(item, "task", ""),
			stringField(item, "goal", ""),
			stringField(item, "description", ""),
			rawTask,
		)
		st := SubTask{Name: name, Scope: scope.Canonicalize(rawScope, ""), Objective: objective}
		if err := validate.Struct(st); err != nil {
			continue
		}
		plan = append(plan, st)
	}

	if len(plan) == 0 {
		return []SubTask{trivialFallback(taskMode, fallbackRoot, rawTask)}
	}
	return plan
}

func trivialFallback(taskMode, fallbackRoot, rawTask string) SubTask {
	if taskMode == "advisory" {
		return SubTask{Name: "agent-advisor", Scope: "analysis", Objective: rawTask}
	}
	return SubTask{Name: "agent-implementation", Scope: fallbackRoot, Objective: rawTask}
}

var planKeys = []string{"subtasks", "agents", "tasks", "steps", "items", "plan"}

func extractSubtaskObjects(parsed any) []map[string]any {
	switch v := parsed.(type) {
	case []any:
		return filterObjects(v)
	case map[string]any:
		if items := listUnderAnyKey(v, planKeys); items != nil {
			return items
		}
		if normalized, ok := v["normalizedPlan"].(map[string]any); ok {
			if items := listUnderAnyKey(normalized, planKeys); items != nil {
				return items
			}
		}
		if hasAnyKey(v, "name", "scope", "objective") {
			return []map[string]any{v}
		}
	}
	return nil
}

func listUnderAnyKey(m map[string]any, keys []string) []map[string]any {
	for _, key := range keys {
		switch candidate := m[key].(type) {
		case []any:
			return filterObjects(candidate)
		case map[string]any:
			return []map[string]any{candidate}
		}
	}
	return nil
}

func filterObjects(items []any) []map[string]any {
	var out []map[string]any
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
