// Package runner launches one training job per trial and reports how it
// ended.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/signalnine/sweep/internal/docker"
	"github.com/signalnine/sweep/internal/model"
)

// Exit reasons.
const (
	ReasonCompleted = "completed"
	ReasonTimeout   = "timeout"
	ReasonCrashed   = "crashed"
	ReasonKilled    = "killed"
)

// ExitReasonFromCode classifies how a training job ended. 137 and 143 are
// SIGKILL and SIGTERM as reported by shells and container runtimes.
func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return ReasonTimeout
	}
	switch code {
	case 0:
		return ReasonCompleted
	case 137, 143:
		return ReasonKilled
	default:
		return ReasonCrashed
	}
}

// Request identifies one trial to launch.
type Request struct {
	Identity  string
	Seed      int64
	Candidate model.Candidate
}

// LaunchResult describes a finished training job.
type LaunchResult struct {
	ExitCode   int
	ExitReason string
	Duration   time.Duration
	LogPath    string
}

// LaunchError is a training job that did not complete: non-zero exit,
// timeout or a failure to start. The trial is abandoned; the sweep goes on.
type LaunchError struct {
	Identity string
	Result   LaunchResult
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %s: %s (exit code %d)", e.Identity, e.Result.ExitReason, e.Result.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Result.LogPath != "" {
		msg += ", log " + e.Result.LogPath
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Backend runs an argv to completion, streaming output to log.
type Backend interface {
	Run(ctx context.Context, argv, env []string, log io.Writer) (exitCode int, err error)
}

// Launcher runs training jobs synchronously, one at a time.
type Launcher struct {
	Spec    Spec
	WorkDir string
	LogDir  string
	// Timeout bounds one job; zero means none.
	Timeout time.Duration
	// Env is appended to the launcher's own environment.
	Env     []string
	Backend Backend
}

// Launch runs the training job for req and waits for it. Cancelling ctx kills
// the job and returns ctx's error rather than a LaunchError.
func (l *Launcher) Launch(ctx context.Context, req Request) (*LaunchResult, error) {
	argv, err := BuildTrainingCommand(&l.Spec, req.Identity, req.Seed, req.Candidate)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "creating log dir")
	}
	logPath := filepath.Join(l.LogDir, req.Identity+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, eris.Wrap(err, "creating trial log")
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "$ %s\n", strings.Join(argv, " "))

	runCtx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	zap.L().Debug("runner: launching",
		zap.String("identity", req.Identity),
		zap.Strings("argv", argv),
	)
	start := time.Now()
	code, runErr := l.backend().Run(runCtx, argv, l.Env, logFile)
	res := &LaunchResult{
		ExitCode: code,
		Duration: time.Since(start),
		LogPath:  logPath,
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	timedOut := l.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	res.ExitReason = ExitReasonFromCode(code, timedOut)
	if runErr != nil && !timedOut {
		res.ExitReason = ReasonCrashed
		return nil, &LaunchError{Identity: req.Identity, Result: *res, Err: runErr}
	}
	if res.ExitReason != ReasonCompleted {
		return nil, &LaunchError{Identity: req.Identity, Result: *res}
	}
	return res, nil
}

func (l *Launcher) backend() Backend {
	if l.Backend != nil {
		return l.Backend
	}
	return &ProcessBackend{Dir: l.WorkDir}
}

// ProcessBackend runs the job as a local child process group.
type ProcessBackend struct {
	Dir string
}

func (b *ProcessBackend) Run(ctx context.Context, argv, env []string, log io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = log
	cmd.Stderr = log
	setProcessGroup(cmd)
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCode(exitErr.ProcessState), nil
	}
	return -1, eris.Wrapf(err, "starting %s", argv[0])
}

// DockerBackend runs the job inside a container with WorkDir mounted at
// /workspace. Runner is shared across trials when set; otherwise each trial
// opens its own daemon connection.
type DockerBackend struct {
	Image   string
	WorkDir string
	GPU     bool
	// CPULimit is in CPUs and MemoryLimit in bytes; zero means unlimited.
	CPULimit    float64
	MemoryLimit int64
	// Mounts with a relative Source are taken from WorkDir.
	Mounts []docker.Mount
	Runner *docker.Runner
}

func (b *DockerBackend) Run(ctx context.Context, argv, env []string, log io.Writer) (int, error) {
	opts, err := b.runOpts(argv, env, log)
	if err != nil {
		return -1, err
	}
	var res *docker.RunResult
	if b.Runner != nil {
		res, err = b.Runner.Run(ctx, opts)
	} else {
		res, err = docker.RunContainer(ctx, opts)
	}
	if err != nil {
		return -1, err
	}
	return res.ExitCode, nil
}

func (b *DockerBackend) runOpts(argv, env []string, log io.Writer) (*docker.RunOpts, error) {
	workDir, err := filepath.Abs(b.WorkDir)
	if err != nil {
		return nil, eris.Wrap(err, "resolving work dir")
	}
	mounts := make([]docker.Mount, len(b.Mounts))
	for i, m := range b.Mounts {
		if !filepath.IsAbs(m.Source) {
			m.Source = filepath.Join(workDir, m.Source)
		}
		mounts[i] = m
	}
	return &docker.RunOpts{
		Image:       b.Image,
		Command:     argv,
		WorkDir:     workDir,
		Env:         env,
		ExtraMounts: mounts,
		GPU:         b.GPU,
		CPULimit:    b.CPULimit,
		MemoryLimit: b.MemoryLimit,
		UserID:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		LogWriter:   log,
	}, nil
}
