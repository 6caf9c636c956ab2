// Package livestate publishes the run's observable state: a single JSON
// snapshot document rewritten atomically on each tick, the event-line
// summarizer that feeds it, and the HTTP dashboard that serves it.
package livestate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/iambrandonn/taskswarm/internal/fsutil"
	"github.com/iambrandonn/taskswarm/internal/planner"
	"github.com/iambrandonn/taskswarm/internal/supervisor"
)

// ActivityTailSize bounds the cross-agent activity list in a snapshot.
const ActivityTailSize = 20

// MessageLimit truncates any summarized line or latest message.
const MessageLimit = 320

// PlanItem is one planner subtask as shown on the dashboard.
type PlanItem struct {
	Name      string `json:"name"`
	Scope     string `json:"scope"`
	Objective string `json:"objective"`
}

// AgentSnapshot is the per-agent slice of a Snapshot.
type AgentSnapshot struct {
	Name          string `json:"name"`
	Scope         string `json:"scope"`
	Objective     string `json:"objective"`
	Status        string `json:"status"`
	ThreadID      string `json:"threadId"`
	ExitCode      int    `json:"exitCode"`
	ChangedFiles  int    `json:"changedFiles"`
	DurationMs    int64  `json:"durationMs"`
	StartedAt     string `json:"startedAt"`
	FinishedAt    string `json:"finishedAt"`
	BlockerReason string `json:"blockerReason"`
	LatestMessage string `json:"latestMessage"`
}

// Snapshot is the full live-state document written on each tick.
type Snapshot struct {
	RunID        string          `json:"runId"`
	Task         string          `json:"task"`
	TaskMode     string          `json:"taskMode"`
	OverallState string          `json:"overallState"`
	Tick         int             `json:"tick"`
	UpdatedAt    string          `json:"updatedAt"`
	Planning     []PlanItem      `json:"planning"`
	Agents       []AgentSnapshot `json:"agents"`
	Activity     []string        `json:"activity,omitempty"`
	Finished     bool            `json:"finished,omitempty"`
}

// Truncate caps s at MessageLimit characters.
func Truncate(s string) string {
	if len(s) > MessageLimit {
		return s[:MessageLimit]
	}
	return s
}

// SummarizeEventLine converts one raw agent-stream line into a short
// human line, or returns ok=false for lines that carry nothing worth
// showing (malformed JSON, unknown shapes).
func SummarizeEventLine(raw string) (string, bool) {
	var event map[string]any
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return "", false
	}

	eventType, _ := event["type"].(string)
	switch eventType {
	case "thread.started":
		if id, ok := event["thread_id"].(string); ok && id != "" {
			return "thread started: " + id, true
		}
		return "thread started", true
	case "turn.failed", "turn.blocked", "error":
		msg := ""
		if errObj, ok := event["error"].(map[string]any); ok {
			msg, _ = errObj["message"].(string)
		} else if m, ok := event["message"].(string); ok {
			msg = m
		}
		if msg != "" {
			return eventType + ": " + msg, true
		}
		return "", false
	case "item.started", "item.completed", "item.failed":
		item, ok := event["item"].(map[string]any)
		if !ok {
			return "", false
		}
		itemType, _ := item["type"].(string)
		details, _ := item["details"].(map[string]any)
		if details != nil {
			if dt, ok := details["type"].(string); ok && dt != "" {
				itemType = dt
			}
		}

		switch itemType {
		case "agent_message":
			text, _ := item["text"].(string)
			if text == "" && details != nil {
				text, _ = details["text"].(string)
			}
			if clean := strings.TrimSpace(text); clean != "" {
				return clean, true
			}
		case "command_execution":
			command, _ := item["command"].(string)
			if command == "" && details != nil {
				command, _ = details["command"].(string)
			}
			return "command execution: " + command, true
		}
		if itemType != "" {
			return eventType + ": " + itemType, true
		}
	}
	return "", false
}

// SummarizeOrRaw summarizes raw when possible and otherwise passes the
// line through unchanged, truncated to MessageLimit.
func SummarizeOrRaw(raw string) string {
	if summary, ok := SummarizeEventLine(raw); ok {
		return Truncate(summary)
	}
	return Truncate(raw)
}

// BuildSnapshot assembles the live-state document from the plan and the
// agent states. The caller must hold the run mutex so agent fields are
// read consistently.
func BuildSnapshot(runID, task, taskMode string, plan []planner.SubTask, agents []*supervisor.AgentState, overall string, tick int) Snapshot {
	snap := Snapshot{
		RunID:        runID,
		Task:         task,
		TaskMode:     taskMode,
		OverallState: overall,
		Tick:         tick,
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		Planning:     make([]PlanItem, 0, len(plan)),
		Agents:       make([]AgentSnapshot, 0, len(agents)),
	}
	for _, item := range plan {
		snap.Planning = append(snap.Planning, PlanItem{Name: item.Name, Scope: item.Scope, Objective: item.Objective})
	}

	ordered := make([]*supervisor.AgentState, len(agents))
	copy(ordered, agents)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var activity []string
	for _, a := range ordered {
		latest := ""
		if len(a.Log) > 0 {
			latest = SummarizeOrRaw(a.Log[len(a.Log)-1])
		}
		snap.Agents = append(snap.Agents, AgentSnapshot{
			Name:          a.Name,
			Scope:         a.Scope,
			Objective:     a.Objective,
			Status:        a.Status,
			ThreadID:      a.ThreadID,
			ExitCode:      a.ExitCode,
			ChangedFiles:  len(a.ChangedFiles),
			DurationMs:    a.DurationMs,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
			BlockerReason: a.BlockerReason,
			LatestMessage: latest,
		})
		for _, line := range a.Log {
			if summary, ok := SummarizeEventLine(line); ok {
				activity = append(activity, fmt.Sprintf("%s: %s", a.Name, Truncate(summary)))
			}
		}
	}
	if len(activity) > ActivityTailSize {
		activity = activity[len(activity)-ActivityTailSize:]
	}
	snap.Activity = activity
	return snap
}

// WriteSnapshot persists snap to path atomically; a dashboard polling the
// file never observes torn JSON.
func WriteSnapshot(path string, snap Snapshot) error {
	return fsutil.AtomicWriteJSON(path, snap)
}

// LoadSnapshotDocument reads the snapshot file as a raw JSON document for
// the HTTP layer; a missing or corrupt file yields an empty object.
func LoadSnapshotDocument(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}
