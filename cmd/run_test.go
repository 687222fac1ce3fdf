package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/docker"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/tbevent"
)

const fakeTrainerEnv = "SWEEP_FAKE_TRAINER"

// TestMain lets the test binary stand in for the training program: with
// SWEEP_FAKE_TRAINER set it behaves like one training run and exits.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeTrainerEnv); mode != "" {
		os.Exit(fakeTrainer(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// fakeTrainer parses --flag value pairs, then writes
// runs/<prefix>__<exp-name>__<seed>__<unix>/ with one event file whose
// stats/arrival_ratio is 1 - |lr - 0.001|*100. Mode "crash" exits 3; mode
// "sabotage" also puts a directory where SWEEP_TEST_LEDGER should be.
func fakeTrainer(mode string, args []string) int {
	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "CUDA out of memory")
		return 3
	}
	flags := map[string]string{}
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			continue
		}
		name := strings.TrimPrefix(args[i], "--")
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[name] = args[i+1]
			i++
		} else {
			flags[name] = "true"
		}
	}
	lr, _ := strconv.ParseFloat(flags["learning-rate"], 64)
	dir := filepath.Join("runs", fmt.Sprintf("flatland-rl__%s__%s__%d", flags["exp-name"], flags["seed"], time.Now().Unix()))
	w, err := tbevent.NewWriter(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	score := 1 - 100*abs(lr-0.001)
	for step := int64(1); step <= 3; step++ {
		if err := w.AddScalar("stats/arrival_ratio", step, score*float64(step)/3); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if err := w.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if mode == "sabotage" {
		if err := os.MkdirAll(os.Getenv("SWEEP_TEST_LEDGER"), 0o755); err != nil {
			return 1
		}
	}
	return 0
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// writeConfig writes a sweep.yaml whose training command is this test binary.
func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	body := fmt.Sprintf(`sweep:
  name: test
  trials: 3
  dir: %s
optimizer:
  method: random
  params:
    - name: learning-rate
      space: log
      min: 0.0001
      max: 0.01
      center: 0.001
training:
  command: [%q]
  work_dir: %s
  curriculum_path: ""
  fixed:
    num-envs: 8
log:
  level: error
%s`, filepath.Join(dir, "sweeps"), exe, dir, extra)
	path := filepath.Join(dir, "sweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	t.Setenv(fakeTrainerEnv, "ok")

	out, _, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Completed 3 of 3 trials (0 abandoned)")
	assert.Contains(t, out, "--- Results ---")

	ledgerPath := filepath.Join(dir, "sweeps", "test", "results.jsonl")
	contents, err := result.ReadLedger(ledgerPath)
	require.NoError(t, err)
	require.Len(t, contents.Entries, 3)
	// The first suggestion is the search centre, which scores 1.
	assert.InDelta(t, 1.0, contents.Entries[0].Metric, 1e-6)
	assert.InDelta(t, 0.001, contents.Entries[0].Candidate["learning-rate"], 1e-12)
	for _, e := range contents.Entries {
		require.NotNil(t, e.Trial)
		assert.DirExists(t, e.Trial.RunDir)
		assert.Equal(t, "completed", e.Trial.ExitReason)
		assert.Equal(t, 1.0, e.Cost)
	}

	assert.FileExists(t, filepath.Join(dir, "sweeps", "test", result.SnapshotFile))
	logs, err := filepath.Glob(filepath.Join(dir, "sweeps", "test", "logs", "*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	// A resumed sweep continues the identity numbering.
	_, _, err = execute(t, "run", "--config", cfgPath, "--trials", "1", "--resume")
	require.NoError(t, err)
	contents, err = result.ReadLedger(ledgerPath)
	require.NoError(t, err)
	require.Len(t, contents.Entries, 4)
	assert.Equal(t, int64(4), contents.Entries[3].Trial.Seq)

	out, _, err = execute(t, "report", "--config", cfgPath, "--format", "markdown", "--top", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "| 4 | maximize |")

	out, _, err = execute(t, "inspect", "--config", cfgPath, contents.Entries[0].Trial.RunDir, "--tag", "stats/arrival_ratio")
	require.NoError(t, err)
	assert.Contains(t, out, "stats/arrival_ratio = 1")
}

func TestRunAbandonsCrashedTrials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "store:\n  path: "+filepath.Join(dir, "trials.db")+"\n")
	t.Setenv(fakeTrainerEnv, "crash")

	out, _, err := execute(t, "run", "--config", cfgPath, "--trials", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed 0 of 2 trials (2 abandoned)")

	contents, err := result.ReadLedger(filepath.Join(dir, "sweeps", "test", "results.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, contents.Entries)

	out, _, err = execute(t, "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "launch_failure"))
	assert.Contains(t, out, "States: abandoned=2")
}

func TestRunFatalReportsCompletedTrials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	t.Setenv(fakeTrainerEnv, "sabotage")
	t.Setenv("SWEEP_TEST_LEDGER", filepath.Join(dir, "sweeps", "test", "results.jsonl"))

	_, stderr, err := execute(t, "run", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, stderr, "sweep terminated after 0 completed trials")
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--trials", "4", "--use-gpu", "--curriculum-path", "c.json"}))

	c := &config.Config{}
	c.Sweep.Seed = 9
	c.Sweep.Metric = "reward"
	require.NoError(t, applyRunFlags(cmd.Flags(), c))
	assert.Equal(t, 4, c.Sweep.Trials)
	assert.True(t, c.Training.CUDA)
	assert.Equal(t, "c.json", c.Training.CurriculumPath)
	// Unset flags leave the config alone.
	assert.Equal(t, int64(9), c.Sweep.Seed)
	assert.Equal(t, "reward", c.Sweep.Metric)
}

func TestApplyRunFlagsRejectsNegativeTrials(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--trials", "-5"}))
	c := &config.Config{}
	c.Sweep.Trials = 3
	require.Error(t, applyRunFlags(cmd.Flags(), c))
	assert.Equal(t, 3, c.Sweep.Trials)
}

func TestRunNegativeTrials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	t.Setenv(fakeTrainerEnv, "ok")

	out, _, err := execute(t, "run", "--config", cfgPath, "--trials", "-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
	assert.NotContains(t, out, "Completed")
}

func TestRunZeroTrials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	t.Setenv(fakeTrainerEnv, "ok")

	out, _, err := execute(t, "run", "--config", cfgPath, "--trials", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed 0 of 0 trials (0 abandoned)")

	contents, err := result.ReadLedger(filepath.Join(dir, "sweeps", "test", "results.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, contents.Entries)
}

func TestDockerBackendFromConfig(t *testing.T) {
	tr := &config.Training{
		Image:       "flatland:latest",
		WorkDir:     "work",
		CUDA:        true,
		CPULimit:    2,
		MemoryLimit: "512m",
		Mounts: []config.Mount{
			{Source: "curriculums", Target: "/workspace/curriculums", ReadOnly: true},
		},
	}
	b, err := dockerBackend(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, "flatland:latest", b.Image)
	assert.True(t, b.GPU)
	assert.Equal(t, 2.0, b.CPULimit)
	assert.Equal(t, int64(512<<20), b.MemoryLimit)
	assert.Equal(t, []docker.Mount{{Source: "curriculums", Target: "/workspace/curriculums", ReadOnly: true}}, b.Mounts)

	tr.MemoryLimit = "lots"
	_, err = dockerBackend(tr, nil)
	assert.Error(t, err)
}

func TestRunsDir(t *testing.T) {
	assert.Equal(t, filepath.Join("work", "runs"), runsDir(&config.Training{WorkDir: "work", RunsDir: "runs"}))
	assert.Equal(t, "/abs/runs", runsDir(&config.Training{WorkDir: "work", RunsDir: "/abs/runs"}))
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	out, _, err := execute(t, "config", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "name: test")
	assert.Contains(t, out, "learning-rate")
}
