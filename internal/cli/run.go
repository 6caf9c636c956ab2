package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/taskswarm/internal/config"
	"github.com/iambrandonn/taskswarm/internal/orchestrator"
)

// demoTask is the built-in prompt exercised by `taskswarm demo`.
const demoTask = "Generate an implementation plan for adding a small task management interface. " +
	"Focus on practical phases, risks, and sequencing."

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run one ticket through the multi-agent pipeline",
	Long: `Run plans the task, fans out one agent per sub-task, verifies the
results, and writes the evidence packet. In web mode the task may be
omitted and submitted from the dashboard instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTicket,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the built-in demo task",
	Args:  cobra.NoArgs,
	RunE:  runTicket,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, demoCmd} {
		cmd.Flags().String("run-id", "", "Optional run identifier (default: generated)")
		cmd.Flags().String("ui", "tui", "Dashboard UI: tui or web")
		cmd.Flags().String("agent-sandbox", "", "Agent sandbox mode: read-only, workspace-write, or danger-full-access (env: "+config.EnvSandboxMode+")")
		cmd.Flags().String("task-mode", "", "Task execution mode: auto, code, or advisory (env: "+config.EnvTaskMode+")")
		cmd.Flags().Bool("bypass-approvals-and-sandbox", false, "Pass the bypass flag to the agent CLI; unsafe outside trusted environments (env: "+config.EnvBypassSandbox+"=1)")
		cmd.Flags().String("model", "", "Optional model override for the agent CLI (env: "+config.EnvModel+")")
		cmd.Flags().String("model-provider", "", "Optional model provider override (env: "+config.EnvModelProvider+")")
		cmd.Flags().Int("port", config.DefaultWebPort, "Dashboard port for web mode")
	}
	runCmd.Flags().String("prompt", "", "Prompt to run (alternative to the positional task)")
}

func runTicket(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoRoot, _ := cmd.Root().PersistentFlags().GetString("repo-root")
	logLevel, _ := cmd.Root().PersistentFlags().GetString("log-level")
	ui, _ := flags.GetString("ui")
	if ui != "tui" && ui != "web" {
		return fmt.Errorf("invalid --ui value %q: expected tui or web", ui)
	}

	sandbox, _ := flags.GetString("agent-sandbox")
	taskMode, _ := flags.GetString("task-mode")
	bypass, _ := flags.GetBool("bypass-approvals-and-sandbox")
	model, _ := flags.GetString("model")
	provider, _ := flags.GetString("model-provider")
	port, _ := flags.GetInt("port")

	cfg, err := config.Resolve(config.Options{
		RepoRoot:      repoRoot,
		SandboxMode:   sandbox,
		TaskMode:      taskMode,
		Bypass:        bypass,
		BypassSet:     flags.Changed("bypass-approvals-and-sandbox"),
		Model:         model,
		ModelProvider: provider,
		UI:            ui,
		WebPort:       port,
		LogLevel:      logLevel,
	})
	if err != nil {
		return err
	}

	task := ""
	if cmd.Name() == "demo" {
		task = demoTask
	} else {
		if len(args) > 0 {
			task = args[0]
		}
		if task == "" {
			task, _ = flags.GetString("prompt")
		}
	}

	runID, _ := flags.GetString("run-id")
	if runID == "" {
		runID = orchestrator.GenerateRunID(time.Now())
	}

	o := &orchestrator.Orchestrator{
		Config: cfg,
		Logger: newLogger(cfg.LogLevel),
	}

	if task == "" {
		if cfg.UI != "web" {
			return fmt.Errorf("task is required unless --ui web is used")
		}
		overall, err := o.RunWebPrompt(cmd.Context(), runID)
		return verdictError(overall, err)
	}

	overall, err := o.RunTicket(cmd.Context(), task, runID, "", true)
	return verdictError(overall, err)
}

func verdictError(overall string, err error) error {
	if err != nil {
		return err
	}
	if overall == orchestrator.StateBlocked {
		return ErrBlocked
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
