// Package docker runs a training job inside a container.
package docker

import (
	"context"
	"io"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WorkspaceDir is where RunOpts.WorkDir is mounted inside the container.
const WorkspaceDir = "/workspace"

// KilledExitCode is reported for a container killed on timeout or
// cancellation (128 + SIGKILL).
const KilledExitCode = 137

type RunOpts struct {
	Image   string
	Command []string
	// WorkDir is an absolute host path bind-mounted at /workspace, which is
	// also the container's working directory.
	WorkDir string
	Env     []string
	// Timeout bounds the run in addition to ctx; zero means none.
	Timeout     time.Duration
	ExtraMounts []Mount
	// GPU requests every available GPU.
	GPU         bool
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	// LogWriter receives the container's stdout and stderr once it exits.
	LogWriter io.Writer
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner starts training containers through one daemon connection.
type Runner struct {
	cli *client.Client

	mu     sync.Mutex
	pulled map[string]bool
}

// NewRunner connects to the daemon named by the DOCKER_* environment.
func NewRunner() (*Runner, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, eris.Wrap(err, "docker: create client")
	}
	return &Runner{cli: cli, pulled: map[string]bool{}}, nil
}

func (r *Runner) Close() error {
	return r.cli.Close()
}

// EnsureImage pulls ref unless the daemon already has it.
func (r *Runner) EnsureImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pulled[ref] {
		return nil
	}
	_, err := r.cli.ImageInspect(ctx, ref)
	switch {
	case err == nil:
	case cerrdefs.IsNotFound(err):
		zap.L().Info("docker: pulling image", zap.String("image", ref))
		resp, err := r.cli.ImagePull(ctx, ref, client.ImagePullOptions{})
		if err != nil {
			return eris.Wrapf(err, "docker: pull %s", ref)
		}
		defer resp.Close()
		if err := resp.Wait(ctx); err != nil {
			return eris.Wrapf(err, "docker: pull %s", ref)
		}
	default:
		return eris.Wrapf(err, "docker: inspect image %s", ref)
	}
	r.pulled[ref] = true
	return nil
}

// Run creates, starts and waits for one container, then removes it. A
// container still running when ctx ends or opts.Timeout passes is killed and
// reported with KilledExitCode.
func (r *Runner) Run(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	if err := r.EnsureImage(ctx, opts.Image); err != nil {
		return nil, err
	}

	created, err := r.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerConfig(opts),
		HostConfig: hostConfig(opts),
	})
	if err != nil {
		return nil, eris.Wrap(err, "docker: create container")
	}
	id := created.ID
	defer func() {
		if _, err := r.cli.ContainerRemove(context.Background(), id, client.ContainerRemoveOptions{Force: true}); err != nil {
			zap.L().Warn("docker: remove container", zap.String("container", id), zap.Error(err))
		}
	}()

	start := time.Now()
	if _, err := r.cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, eris.Wrap(err, "docker: start container")
	}
	zap.L().Debug("docker: container started", zap.String("container", id), zap.String("image", opts.Image))

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	wait := r.cli.ContainerWait(waitCtx, id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	res := &RunResult{}
	select {
	case status := <-wait.Result:
		res.ExitCode = int(status.StatusCode)
	case err := <-wait.Error:
		if waitCtx.Err() == nil {
			return nil, eris.Wrap(err, "docker: wait for container")
		}
		if _, err := r.cli.ContainerKill(context.Background(), id, client.ContainerKillOptions{Signal: "SIGKILL"}); err != nil {
			zap.L().Warn("docker: kill container", zap.String("container", id), zap.Error(err))
		}
		res.ExitCode = KilledExitCode
		res.TimedOut = true
	}
	res.Duration = time.Since(start)
	r.copyLogs(id, opts.LogWriter)
	return res, nil
}

// RunContainer runs one container on a short-lived connection.
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	r, err := NewRunner()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Run(ctx, opts)
}

func containerConfig(opts *RunOpts) *container.Config {
	cfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        opts.Env,
		WorkingDir: WorkspaceDir,
		Labels:     map[string]string{"sweep": "true"},
	}
	if opts.UserID != "" {
		cfg.User = opts.UserID
	}
	return cfg
}

func hostConfig(opts *RunOpts) *container.HostConfig {
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: opts.WorkDir, Target: WorkspaceDir}}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	initProc := true
	hc := &container.HostConfig{
		Mounts: mounts,
		Init:   &initProc,
		// Dataloaders and vectorized envs need more than the 64MB default.
		ShmSize: 2 << 30,
	}
	if opts.CPULimit > 0 {
		hc.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hc.Memory = opts.MemoryLimit
	}
	if opts.GPU {
		hc.DeviceRequests = []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}}
	}
	return hc
}

// copyLogs demultiplexes the container's output into w.
func (r *Runner) copyLogs(id string, w io.Writer) {
	if w == nil {
		return
	}
	logs, err := r.cli.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		zap.L().Warn("docker: fetch container logs", zap.String("container", id), zap.Error(err))
		return
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(w, w, logs); err != nil {
		zap.L().Warn("docker: copy container logs", zap.String("container", id), zap.Error(err))
	}
}
