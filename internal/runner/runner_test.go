package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/docker"
	"github.com/signalnine/sweep/internal/model"
)

func TestExitReasonFromCode(t *testing.T) {
	tests := []struct {
		code     int
		timedOut bool
		want     string
	}{
		{0, false, "completed"},
		{1, false, "crashed"},
		{2, false, "crashed"},
		{137, false, "killed"},
		{143, false, "killed"},
		{137, true, "timeout"},
		{0, true, "timeout"},
		{42, false, "crashed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitReasonFromCode(tt.code, tt.timedOut), "code %d timedOut %v", tt.code, tt.timedOut)
	}
}

func testSpec() Spec {
	return Spec{
		Command:        []string{"uv", "run", "python", "train.py"},
		Fixed:          map[string]any{"num-steps": 200, "num-envs": 8, "max-grad-norm": 0.2},
		Tunable:        []string{"learning-rate", "clip-coef"},
		CurriculumPath: "curriculums/a.json",
	}
}

func TestBuildTrainingCommand(t *testing.T) {
	spec := testSpec()
	argv, err := BuildTrainingCommand(&spec, "carbs_0001_abcd", 7, model.Candidate{
		"learning-rate": 0.00025,
		"clip-coef":     0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"uv", "run", "python", "train.py",
		"--exp-name", "carbs_0001_abcd",
		"--max-grad-norm", "0.2",
		"--num-envs", "8",
		"--num-steps", "200",
		"--clip-coef", "0.1",
		"--learning-rate", "0.00025",
		"--seed", "7",
		"--curriculum-path", "curriculums/a.json",
	}, argv)

	spec.CUDA = true
	spec.CurriculumPath = ""
	argv, err = BuildTrainingCommand(&spec, "x", 1, model.Candidate{"learning-rate": 1.0, "clip-coef": 0.1})
	require.NoError(t, err)
	assert.Equal(t, "--cuda", argv[len(argv)-1])
	assert.NotContains(t, argv, "--curriculum-path")
	assert.Contains(t, strings.Join(argv, " "), "--learning-rate 1 ")
}

func TestBuildTrainingCommandInvalidCandidate(t *testing.T) {
	spec := testSpec()
	_, err := BuildTrainingCommand(&spec, "x", 1, model.Candidate{"learning-rate": 0.1})
	assert.True(t, errors.Is(err, ErrInvalidCandidate), "got %v", err)
}

func TestSpecValidate(t *testing.T) {
	spec := testSpec()
	require.NoError(t, spec.Validate())

	spec.Fixed["clip-coef"] = 0.1
	assert.Error(t, spec.Validate())

	spec = testSpec()
	spec.Fixed["seed"] = 1
	assert.Error(t, spec.Validate())

	spec = testSpec()
	spec.Command = nil
	assert.Error(t, spec.Validate())
}

func TestParseEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nWANDB_MODE=offline\nexport CUDA_VISIBLE_DEVICES=\"0,1\"\nTOKEN='abc'\nnot a pair\n=novalue\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	env, err := ParseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"WANDB_MODE=offline", "CUDA_VISIBLE_DEVICES=0,1", "TOKEN=abc"}, env)

	_, err = ParseEnvFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// shellLauncher runs script through sh; the training flags land in "$@".
func shellLauncher(t *testing.T, script string) *Launcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	return &Launcher{
		Spec: Spec{
			Command: []string{"sh", "-c", script, "train"},
			Tunable: []string{"lr"},
		},
		WorkDir: t.TempDir(),
		LogDir:  filepath.Join(t.TempDir(), "logs"),
	}
}

func TestLaunchCompleted(t *testing.T) {
	l := shellLauncher(t, `echo "args: $@"; echo "env: $SWEEP_TEST_VAR"; mkdir -p runs`)
	l.Env = []string{"SWEEP_TEST_VAR=hello"}

	res, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 3, Candidate: model.Candidate{"lr": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, ReasonCompleted, res.ExitReason)
	assert.Equal(t, filepath.Join(l.LogDir, "t_0001_aa.log"), res.LogPath)

	log, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "args: --exp-name t_0001_aa --lr 0.5 --seed 3")
	assert.Contains(t, string(log), "env: hello")

	_, err = os.Stat(filepath.Join(l.WorkDir, "runs"))
	assert.NoError(t, err, "job runs in the work dir")
}

func TestLaunchNonZeroExit(t *testing.T) {
	l := shellLauncher(t, `echo boom >&2; exit 3`)
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{"lr": 0.5}})

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr), "got %v", err)
	assert.Equal(t, 3, launchErr.Result.ExitCode)
	assert.Equal(t, ReasonCrashed, launchErr.Result.ExitReason)
	log, readErr := os.ReadFile(launchErr.Result.LogPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(log), "boom")
}

func TestLaunchKilledBySignal(t *testing.T) {
	l := shellLauncher(t, `kill -9 $$`)
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{"lr": 0.5}})

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr), "got %v", err)
	assert.Equal(t, 137, launchErr.Result.ExitCode)
	assert.Equal(t, ReasonKilled, launchErr.Result.ExitReason)
}

func TestLaunchTimeout(t *testing.T) {
	l := shellLauncher(t, `sleep 30`)
	l.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{"lr": 0.5}})
	assert.Less(t, time.Since(start), 15*time.Second)

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr), "got %v", err)
	assert.Equal(t, ReasonTimeout, launchErr.Result.ExitReason)
}

func TestLaunchCancelled(t *testing.T) {
	l := shellLauncher(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := l.Launch(ctx, Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{"lr": 0.5}})
	assert.ErrorIs(t, err, context.Canceled)
	var launchErr *LaunchError
	assert.False(t, errors.As(err, &launchErr))
}

func TestLaunchMissingBinary(t *testing.T) {
	l := &Launcher{
		Spec:   Spec{Command: []string{"/nonexistent/train"}, Tunable: []string{"lr"}},
		LogDir: t.TempDir(),
	}
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{"lr": 0.5}})
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr), "got %v", err)
	assert.Equal(t, ReasonCrashed, launchErr.Result.ExitReason)
	assert.Error(t, launchErr.Unwrap())
}

func TestLaunchInvalidCandidate(t *testing.T) {
	l := shellLauncher(t, `exit 0`)
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 1, Candidate: model.Candidate{}})
	assert.True(t, errors.Is(err, ErrInvalidCandidate))
}

type recordingBackend struct {
	argv []string
	env  []string
	code int
}

func (b *recordingBackend) Run(ctx context.Context, argv, env []string, log io.Writer) (int, error) {
	b.argv, b.env = argv, env
	io.WriteString(log, "ran\n")
	return b.code, nil
}

func TestLaunchUsesBackend(t *testing.T) {
	b := &recordingBackend{code: 0}
	l := &Launcher{
		Spec:    Spec{Command: []string{"train"}, Tunable: []string{"lr"}},
		LogDir:  t.TempDir(),
		Env:     []string{"A=1"},
		Backend: b,
	}
	_, err := l.Launch(context.Background(), Request{Identity: "t_0001_aa", Seed: 2, Candidate: model.Candidate{"lr": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, []string{"train", "--exp-name", "t_0001_aa", "--lr", "0.5", "--seed", "2"}, b.argv)
	assert.Equal(t, []string{"A=1"}, b.env)
}

func TestDockerBackendRunOpts(t *testing.T) {
	work := t.TempDir()
	b := &DockerBackend{
		Image:       "flatland:latest",
		WorkDir:     work,
		CPULimit:    4,
		MemoryLimit: 512 << 20,
		Mounts: []docker.Mount{
			{Source: "curriculums", Target: "/curriculums", ReadOnly: true},
			{Source: "/data/maps", Target: "/maps"},
		},
	}
	opts, err := b.runOpts([]string{"train"}, []string{"A=1"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, work, opts.WorkDir)
	assert.Equal(t, 4.0, opts.CPULimit)
	assert.Equal(t, int64(512<<20), opts.MemoryLimit)
	assert.Equal(t, []docker.Mount{
		{Source: filepath.Join(work, "curriculums"), Target: "/curriculums", ReadOnly: true},
		{Source: "/data/maps", Target: "/maps"},
	}, opts.ExtraMounts)
	// The backend's own mount list is left untouched.
	assert.Equal(t, "curriculums", b.Mounts[0].Source)
}
