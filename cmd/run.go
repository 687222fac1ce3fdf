package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/cost"
	"github.com/signalnine/sweep/internal/docker"
	"github.com/signalnine/sweep/internal/gitops"
	"github.com/signalnine/sweep/internal/metric"
	"github.com/signalnine/sweep/internal/optimizer"
	"github.com/signalnine/sweep/internal/report"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/runs"
	"github.com/signalnine/sweep/internal/store"
	"github.com/signalnine/sweep/internal/sweep"
)

var (
	flagTrials     int
	flagSeed       int64
	flagMetric     string
	flagCurriculum string
	flagUseGPU     bool
	flagResume     bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a hyperparameter sweep",
		RunE:  runSweep,
	}
	cmd.Flags().IntVar(&flagTrials, "trials", 10, "number of trials to run")
	cmd.Flags().Int64Var(&flagSeed, "seed", 1, "training and optimizer seed")
	cmd.Flags().StringVar(&flagMetric, "metric", "stats/arrival_ratio", "scalar tag to optimize")
	cmd.Flags().StringVar(&flagCurriculum, "curriculum-path", "", "curriculum file passed to every trial")
	cmd.Flags().BoolVar(&flagUseGPU, "use-gpu", false, "pass --cuda to the training program")
	cmd.Flags().BoolVar(&flagResume, "resume", false, "replay the existing ledger into the optimizer first")
	return cmd
}

// applyRunFlags overrides cfg with the flags set on the command line.
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("trials") {
		if flagTrials < 0 {
			return eris.Errorf("--trials %d: must not be negative", flagTrials)
		}
		cfg.Sweep.Trials = flagTrials
	}
	if flags.Changed("seed") {
		cfg.Sweep.Seed = flagSeed
	}
	if flags.Changed("metric") {
		cfg.Sweep.Metric = flagMetric
	}
	if flags.Changed("curriculum-path") {
		cfg.Training.CurriculumPath = flagCurriculum
	}
	if flags.Changed("use-gpu") {
		cfg.Training.CUDA = flagUseGPU
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	if err := applyRunFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepDir, err := result.CreateSweepDir(cfg.Sweep.Dir, cfg.Sweep.Name)
	if err != nil {
		return err
	}
	if err := result.WriteSnapshot(sweepDir, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Sweep directory: %s\n", sweepDir)

	d, cleanup, err := newDriver(ctx, cfg, sweepDir)
	if err != nil {
		return err
	}
	defer cleanup()

	ledgerPath := cfg.LedgerPath()
	prior, err := result.ReadLedger(ledgerPath)
	if err != nil {
		return err
	}
	if prior.Skipped > 0 {
		zap.L().Warn("run: skipped unreadable ledger lines",
			zap.String("ledger", ledgerPath),
			zap.Int("skipped", prior.Skipped),
		)
	}
	switch {
	case flagResume:
		if err := d.Replay(ctx, prior.Entries); err != nil {
			return err
		}
		fmt.Fprintf(out, "Resumed from %d ledger entries\n", len(prior.Entries))
	case len(prior.Entries) > 0:
		zap.L().Warn("run: ledger already has entries; new results are appended without replay (use --resume)",
			zap.String("ledger", ledgerPath),
			zap.Int("entries", len(prior.Entries)),
		)
	}

	summary, err := d.Run(ctx, cfg.Sweep.Trials)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "sweep terminated after %d completed trials\n", summary.Completed)
		return err
	}
	fmt.Fprintf(out, "Completed %d of %d trials (%d abandoned)\n",
		summary.Completed, cfg.Sweep.Trials, summary.Abandoned)

	fmt.Fprintln(out, "\n--- Results ---")
	return report.Generate(ledgerPath, cfg.Sweep.Goal, "table", report.DefaultTop, out)
}

// newDriver wires every sweep component from cfg. The returned func closes
// the docker connection and trial tracker, if any.
func newDriver(ctx context.Context, cfg *config.Config, sweepDir string) (*sweep.Driver, func(), error) {
	noop := func() {}

	opt, err := optimizer.New(&cfg.Optimizer, cfg.Sweep.Goal, cfg.Sweep.Seed)
	if err != nil {
		return nil, noop, err
	}

	t := &cfg.Training
	spec := runner.Spec{
		Command:        t.Command,
		Fixed:          t.Fixed,
		Tunable:        paramNames(cfg.Optimizer.Params),
		CurriculumPath: t.CurriculumPath,
		CUDA:           t.CUDA,
	}
	if err := spec.Validate(); err != nil {
		return nil, noop, err
	}
	var env []string
	if t.EnvFile != "" {
		if env, err = runner.ParseEnvFile(t.EnvFile); err != nil {
			return nil, noop, err
		}
	}
	launcher := &runner.Launcher{
		Spec:    spec,
		WorkDir: t.WorkDir,
		LogDir:  result.LogDir(sweepDir),
		Timeout: t.Timeout,
		Env:     env,
	}
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	if t.Backend == "docker" {
		dr, err := docker.NewRunner()
		if err != nil {
			return nil, noop, err
		}
		closers = append(closers, func() { dr.Close() })
		if err := dr.EnsureImage(ctx, t.Image); err != nil {
			cleanup()
			return nil, noop, err
		}
		backend, err := dockerBackend(t, dr)
		if err != nil {
			cleanup()
			return nil, noop, err
		}
		launcher.Backend = backend
	}

	resolver, err := runs.NewResolver(runsDir(t), t.RunPrefix)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	minter, err := runs.NewMinter(t.IdentityPrefix)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	ledger, err := result.NewLedger(cfg.LedgerPath())
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	costModel, err := cost.New(cfg.Cost, t.Fixed)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	d := &sweep.Driver{
		Name:      cfg.Sweep.Name,
		Optimizer: opt,
		Launcher:  launcher,
		Resolver:  resolver,
		Extractor: metric.Extractor{},
		Ledger:    ledger,
		Cost:      costModel,
		Minter:    minter,
		Seeds:     sweep.NewSeeds(cfg.Sweep.Seeds, cfg.Sweep.Seed),
		Metric:    cfg.Sweep.Metric,
		GitCommit: gitops.Describe(ctx, t.WorkDir),
	}
	if cfg.Store.Path == "" {
		return d, cleanup, nil
	}
	st, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	d.Tracker = st
	closers = append(closers, func() { st.Close() })
	return d, cleanup, nil
}

// dockerBackend maps the training config onto a container backend sharing dr.
func dockerBackend(t *config.Training, dr *docker.Runner) (*runner.DockerBackend, error) {
	memory, err := t.MemoryBytes()
	if err != nil {
		return nil, err
	}
	mounts := make([]docker.Mount, len(t.Mounts))
	for i, m := range t.Mounts {
		mounts[i] = docker.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
	}
	return &runner.DockerBackend{
		Image:       t.Image,
		WorkDir:     t.WorkDir,
		GPU:         t.CUDA,
		CPULimit:    t.CPULimit,
		MemoryLimit: memory,
		Mounts:      mounts,
		Runner:      dr,
	}, nil
}

func openStore(ctx context.Context, path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "creating store dir")
	}
	st, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// runsDir is where the training program writes run directories; a relative
// path is taken from the training work dir.
func runsDir(t *config.Training) string {
	if filepath.IsAbs(t.RunsDir) {
		return t.RunsDir
	}
	return filepath.Join(t.WorkDir, t.RunsDir)
}

func paramNames(params []config.Param) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}
