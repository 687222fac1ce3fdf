package gitops_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/gitops"
)

func createTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		out, err := c.CombinedOutput()
		require.NoError(t, err, "%s", out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.py"), []byte("print('hi')"), 0o644))
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		out, err := c.CombinedOutput()
		require.NoError(t, err, "%s", out)
	}
	return dir
}

func TestHeadCommit(t *testing.T) {
	repo := createTestRepo(t)
	sha, err := gitops.HeadCommit(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, sha, 40)
}

func TestDescribe(t *testing.T) {
	ctx := context.Background()
	repo := createTestRepo(t)
	sha, err := gitops.HeadCommit(ctx, repo)
	require.NoError(t, err)

	assert.Equal(t, sha, gitops.Describe(ctx, repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "train.py"), []byte("modified"), 0o644))
	dirty, err := gitops.IsDirty(ctx, repo)
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, sha+"-dirty", gitops.Describe(ctx, repo))
}

func TestDescribeNotARepo(t *testing.T) {
	assert.Equal(t, "", gitops.Describe(context.Background(), t.TempDir()))
}
