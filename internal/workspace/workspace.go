// Package workspace manages isolated git worktrees: one per SubTask,
// created fresh from a base commit, inspected for changed files and a
// unified diff, and torn down once its supervisor is done with it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrSetup wraps any failure standing up a worktree.
var ErrSetup = errors.New("workspace: setup failed")

const gitTimeout = 2 * time.Minute

// Manager issues git worktree commands against one parent repository.
type Manager struct {
	gitPath  string
	repoRoot string
}

// NewManager resolves the git binary on PATH once and verifies repoRoot
// is a git working tree; git is never invoked through a shell.
func NewManager(repoRoot string) (*Manager, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("workspace: git binary not found on PATH: %w", err)
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve repo root: %w", err)
	}
	m := &Manager{gitPath: gitPath, repoRoot: abs}
	if _, err := m.run(context.Background(), abs, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("workspace: %s is not a git repository: %w", abs, err)
	}
	return m, nil
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.gitPath, args...)
	cmd.Dir = dir
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// Create produces a fresh detached worktree at path from base (default
// "HEAD" when empty), replacing any prior contents at path.
func (m *Manager) Create(ctx context.Context, path, base string) error {
	if base == "" {
		base = "HEAD"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: create parent directory: %v", ErrSetup, err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("%w: clear existing path %s: %v", ErrSetup, path, err)
		}
	}
	if _, err := m.run(ctx, m.repoRoot, "worktree", "add", "--detach", "--", path, base); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}
	return nil
}

// ChangedFiles returns the sorted, de-duplicated set of repo-relative paths
// that differ from HEAD in path, tracked and untracked alike.
func (m *Manager) ChangedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := m.run(ctx, path, "status", "--short", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("workspace: git status in %s: %w", path, err)
	}

	seen := map[string]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		rel := strings.TrimSpace(line[3:])
		if idx := strings.Index(rel, " -> "); idx >= 0 {
			rel = rel[idx+len(" -> "):]
		}
		if rel != "" {
			seen[rel] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Diff returns the unified diff of everything changed in path: the tracked
// diff against HEAD, plus a synthesized "new file" patch for each untracked
// file (a well-formed text patch, or a binary placeholder when the file
// does not decode as UTF-8).
func (m *Manager) Diff(ctx context.Context, path string) (string, error) {
	tracked, err := m.run(ctx, path, "diff", "--binary", "HEAD")
	if err != nil {
		return "", fmt.Errorf("workspace: git diff in %s: %w", path, err)
	}
	tracked = strings.TrimSpace(tracked)

	status, err := m.run(ctx, path, "status", "--short", "--untracked-files=all")
	if err != nil {
		return "", fmt.Errorf("workspace: git status in %s: %w", path, err)
	}

	var untracked []string
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "?? ") {
			continue
		}
		rel := strings.TrimSpace(line[3:])
		if rel == "" {
			continue
		}
		patch, ok := untrackedFilePatch(path, rel)
		if ok {
			untracked = append(untracked, patch)
		}
	}

	parts := make([]string, 0, 1+len(untracked))
	if tracked != "" {
		parts = append(parts, tracked)
	}
	parts = append(parts, untracked...)

	joined := strings.TrimRight(strings.Join(parts, "\n"), "\n")
	if joined == "" {
		return "", nil
	}
	return joined + "\n", nil
}

func untrackedFilePatch(workspaceDir, rel string) (string, bool) {
	full := filepath.Join(workspaceDir, rel)
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", false
	}

	header := []string{
		"diff --git a/" + rel + " b/" + rel,
		"new file mode 100644",
		"index 0000000..0000000",
	}

	if !utf8.Valid(data) {
		header = append(header, "Binary file /dev/null and b/"+rel+" differ", "")
		return strings.Join(header, "\n"), true
	}

	text := string(data)
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}
	lineCount := len(lines)
	if lineCount == 0 {
		lineCount = 1
	}

	body := append(header,
		"--- /dev/null",
		"+++ b/"+rel,
		fmt.Sprintf("@@ -0,0 +1,%d @@", lineCount),
	)
	for _, ln := range lines {
		body = append(body, "+"+ln)
	}
	if !strings.HasSuffix(text, "\n") {
		body = append(body, "+")
	}
	return strings.Join(body, "\n") + "\n", true
}

// Destroy removes a worktree created by Create, best-effort: errors are
// returned for the caller to log, never to abort a run.
func (m *Manager) Destroy(ctx context.Context, path string) error {
	if _, err := m.run(ctx, m.repoRoot, "worktree", "remove", "--force", "--", path); err != nil {
		_, pruneErr := m.run(ctx, m.repoRoot, "worktree", "prune")
		if pruneErr != nil {
			return fmt.Errorf("workspace: remove worktree %s: %w (prune also failed: %v)", path, err, pruneErr)
		}
		return fmt.Errorf("workspace: remove worktree %s: %w", path, err)
	}
	if _, err := m.run(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("workspace: prune after removing %s: %w", path, err)
	}
	return nil
}
