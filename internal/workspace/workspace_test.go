package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hello\n"), 0644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestManagerCreateAndDestroy(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	info, err := os.Stat(wtPath)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.NoError(t, mgr.Destroy(context.Background(), wtPath))
	_, err = os.Stat(wtPath)
	require.True(t, os.IsNotExist(err))
}

func TestManagerCreateReplacesExistingPath(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, os.MkdirAll(wtPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "stale.txt"), []byte("x"), 0644))

	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))
	_, err = os.Stat(filepath.Join(wtPath, "stale.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestManagerChangedFilesTracksModifiedAndUntracked(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("# hello\nmodified\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("new file\n"), 0644))

	files, err := mgr.ChangedFiles(context.Background(), wtPath)
	require.NoError(t, err)
	require.Equal(t, []string{"README.md", "new.txt"}, files)
}

func TestManagerChangedFilesEmptyWhenClean(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	files, err := mgr.ChangedFiles(context.Background(), wtPath)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestManagerDiffIncludesTrackedAndUntracked(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("# hello\nmodified\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("line one\nline two\n"), 0644))

	diff, err := mgr.Diff(context.Background(), wtPath)
	require.NoError(t, err)
	require.Contains(t, diff, "--- a/README.md")
	require.Contains(t, diff, "diff --git a/new.txt b/new.txt")
	require.Contains(t, diff, "new file mode 100644")
	require.Contains(t, diff, "+line one")
	require.Contains(t, diff, "+line two")
}

func TestManagerDiffBinaryUntrackedFileGetsPlaceholder(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	binary := []byte{0x00, 0xff, 0xfe, 0x01, 0x02, 0x80, 0x81}
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "blob.bin"), binary, 0644))

	diff, err := mgr.Diff(context.Background(), wtPath)
	require.NoError(t, err)
	require.Contains(t, diff, "Binary file /dev/null and b/blob.bin differ")
}

func TestManagerDiffEmptyWhenClean(t *testing.T) {
	repo := initRepo(t)
	mgr, err := NewManager(repo)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "agent-a")
	require.NoError(t, mgr.Create(context.Background(), wtPath, ""))

	diff, err := mgr.Diff(context.Background(), wtPath)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestNewManagerRejectsNonGitDirectory(t *testing.T) {
	_, err := NewManager(t.TempDir())
	require.Error(t, err)
}
