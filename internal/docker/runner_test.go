package docker_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/docker"
)

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("SWEEP_DOCKER_TESTS") == "" {
		t.Skip("set SWEEP_DOCKER_TESTS=1 to run Docker tests")
	}
}

func TestRunContainer(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	workDir := t.TempDir()
	var logs bytes.Buffer
	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:     "alpine:latest",
		Command:   []string{"sh", "-c", "echo hello > output.txt; echo $RUN_NAME; echo oops >&2"},
		WorkDir:   workDir,
		Env:       []string{"RUN_NAME=trial"},
		Timeout:   30 * time.Second,
		LogWriter: &logs,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)

	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
	assert.Contains(t, logs.String(), "trial")
	assert.Contains(t, logs.String(), "oops")
}

func TestRunContainerExitCode(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 3"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunContainerTimeout(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "60"},
		WorkDir: t.TempDir(),
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, 137, result.ExitCode)
}

func TestRunnerReusesConnection(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r, err := docker.NewRunner()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.EnsureImage(ctx, "alpine:latest"))

	workDir := t.TempDir()
	for i := 0; i < 2; i++ {
		res, err := r.Run(ctx, &docker.RunOpts{
			Image:   "alpine:latest",
			Command: []string{"sh", "-c", "echo x >> count.txt"},
			WorkDir: workDir,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
	}
	content, err := os.ReadFile(filepath.Join(workDir, "count.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", string(content))
}

func TestEnsureImageUnknown(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r, err := docker.NewRunner()
	require.NoError(t, err)
	defer r.Close()
	assert.Error(t, r.EnsureImage(ctx, "sweep-test/does-not-exist:never"))
}
