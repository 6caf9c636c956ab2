package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/taskswarm/internal/livestate"
)

// RunWebPrompt serves the dashboard before any task exists and starts
// the run from the first POST /api/start. Exactly one run can be started
// per process; later posts receive HTTP 409 from the dashboard layer.
func (o *Orchestrator) RunWebPrompt(ctx context.Context, runID string) (string, error) {
	cfg := o.Config
	coordRun := cfg.CoordinationDir(runID)
	stateFile := filepath.Join(coordRun, "live-state.json")
	if err := os.MkdirAll(coordRun, 0o750); err != nil {
		return StateBlocked, fmt.Errorf("orchestrator: create %s: %w", coordRun, err)
	}

	if err := livestate.WriteSnapshot(stateFile, livestate.Snapshot{
		RunID:        runID,
		TaskMode:     cfg.TaskMode,
		OverallState: "IDLE",
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		Planning:     []livestate.PlanItem{},
		Agents:       []livestate.AgentSnapshot{},
	}); err != nil {
		return StateBlocked, fmt.Errorf("orchestrator: write idle snapshot: %w", err)
	}

	guard := &livestate.StartGuard{}
	done := make(chan struct{})
	result := StateBlocked
	var runErr error

	server := &livestate.Server{
		StateFile: stateFile,
		Metrics:   livestate.NewMetrics(),
		Logger:    o.logger(),
		OnStart: func(task string) (string, bool) {
			if !guard.TryStart() {
				return "", false
			}
			if err := livestate.WriteSnapshot(stateFile, livestate.Snapshot{
				RunID:        runID,
				Task:         task,
				TaskMode:     InferTaskMode(task, cfg.TaskMode),
				OverallState: "STARTING",
				UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
				Planning:     []livestate.PlanItem{},
				Agents:       []livestate.AgentSnapshot{},
				Activity:     []string{"Run starting from web dashboard..."},
			}); err != nil {
				o.logger().Warn("orchestrator: write starting snapshot", "error", err)
			}
			go func() {
				defer close(done)
				result, runErr = o.RunTicket(ctx, task, runID, stateFile, false)
			}()
			return runID, true
		},
	}

	srv, port, err := server.Listen(cfg.WebPort)
	if err != nil {
		return StateBlocked, err
	}
	defer srv.Close()

	fmt.Fprintf(o.stdout(), "Web dashboard: http://127.0.0.1:%d/\n", port)
	fmt.Fprintln(o.stdout(), "Submit a task on the dashboard to start the run.")

	select {
	case <-done:
	case <-ctx.Done():
		return StateBlocked, ctx.Err()
	}
	return result, runErr
}
