package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/taskswarm/internal/checksum"
	"github.com/iambrandonn/taskswarm/internal/config"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect RUN_ID",
	Short: "Print a root-cause summary for a completed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, _ := cmd.Root().PersistentFlags().GetString("repo-root")
		cfg, err := config.Resolve(config.Options{RepoRoot: repoRoot})
		if err != nil {
			return err
		}
		return inspectRun(cmd, cfg, args[0])
	},
}

func loadJSONOrNil(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}

func inspectRun(cmd *cobra.Command, cfg config.Resolved, runID string) error {
	out := cmd.OutOrStdout()
	packetDir := cfg.PacketDir(runID)
	coordRun := cfg.CoordinationDir(runID)

	fmt.Fprintf(out, "Run: %s\n", runID)

	impact := loadJSONOrNil(filepath.Join(packetDir, "impact-report.json"))
	if impact == nil {
		fmt.Fprintf(out, "  Could not load %s\n", filepath.Join(packetDir, "impact-report.json"))
		return ErrBlocked
	}

	fmt.Fprintf(out, "  Overall: %v\n", impact["state"])
	fmt.Fprintf(out, "  Task   : %v\n", impact["task"])

	if scopeOK, ok := impact["scopeRulesOk"].(bool); !ok || scopeOK {
		fmt.Fprintln(out, "  Scope rules: OK")
	} else {
		fmt.Fprintln(out, "  Scope rules: FAILED")
		if issues, ok := impact["scopeIssues"].([]any); ok {
			for _, issue := range issues {
				fmt.Fprintf(out, "    - %v\n", issue)
			}
		}
	}

	if errsAny, ok := impact["artifactErrors"].([]any); ok && len(errsAny) > 0 {
		fmt.Fprintln(out, "  Artifact errors:")
		for _, item := range errsAny {
			fmt.Fprintf(out, "    - %v\n", item)
		}
	}

	if agents, ok := impact["agents"].([]any); ok && len(agents) > 0 {
		fmt.Fprintln(out, "  Agents:")
		for _, entry := range agents {
			agent, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name := stringOr(agent["name"], "unknown")
			state := stringOr(agent["state"], "UNKNOWN")
			changedCount := 0
			if changed, ok := agent["changedFiles"].([]any); ok {
				changedCount = len(changed)
			}
			fmt.Fprintf(out, "    - %s: %s (files=%d)\n", name, state, changedCount)
			if reason := stringOr(agent["blockerReason"], ""); reason != "" {
				fmt.Fprintf(out, "      blockerReason: %s\n", reason)
			}
			blockerPath := filepath.Join(coordRun, name, "blocker.json")
			if blocker := loadJSONOrNil(blockerPath); blocker != nil {
				if last := stringOr(blocker["lastMessage"], ""); strings.TrimSpace(last) != "" {
					fmt.Fprintf(out, "      lastMessage: %s\n", firstLine(last))
				}
				fmt.Fprintf(out, "      blockerEvidence: %s\n", blockerPath)
			} else if state == "BLOCKED" {
				fmt.Fprintf(out, "      blockerEvidence: missing %s\n", blockerPath)
			}
		}
	}

	if merge, ok := impact["mergeability"].(map[string]any); ok {
		if passed, _ := merge["passed"].(bool); passed {
			fmt.Fprintln(out, "  Mergeability: OK")
		} else {
			fmt.Fprintln(out, "  Mergeability: FAILED")
			if details, ok := merge["details"].([]any); ok {
				for _, entry := range details {
					detail, ok := entry.(map[string]any)
					if !ok {
						continue
					}
					fmt.Fprintf(out, "    - %s: checkCode=%v\n", stringOr(detail["agent"], "unknown"), detail["checkCode"])
					if stderr := strings.TrimSpace(stringOr(detail["checkStderr"], "")); stderr != "" {
						fmt.Fprintf(out, "      stderr: %s\n", truncate(stderr, 240))
					}
				}
			}
		}
	}

	if sum := stringOr(impact["patchChecksum"], ""); sum != "" {
		if err := checksum.VerifyFile(filepath.Join(packetDir, "diff.patch"), sum); err != nil {
			fmt.Fprintf(out, "  Patch checksum: MISMATCH (%v)\n", err)
		} else {
			fmt.Fprintln(out, "  Patch checksum: OK")
		}
	}

	if contract := loadJSONOrNil(filepath.Join(packetDir, "contract-check.json")); contract != nil {
		fmt.Fprintf(out, "  Contract check: %v\n", contract["status"])
		for _, key := range []string{"expectedHash", "generatedHash", "command", "exitCode"} {
			if value, ok := contract[key]; ok {
				fmt.Fprintf(out, "    %-13s: %v\n", key, value)
			}
		}
	} else {
		fmt.Fprintf(out, "  Contract check: missing %s\n", filepath.Join(packetDir, "contract-check.json"))
	}

	if impact["state"] != "DONE" {
		fmt.Fprintln(out, "  Evidence:")
		for _, name := range []string{"summary.md", "contract-check.json", "contract-check.diff.txt", "impact-report.json"} {
			fmt.Fprintf(out, "    - %s\n", filepath.Join(packetDir, name))
		}
		fmt.Fprintf(out, "    - %s\n", filepath.Join(coordRun, "planner", "intent.json"))
		return ErrBlocked
	}
	return nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
