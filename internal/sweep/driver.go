// Package sweep drives the trial loop: suggest, launch, resolve, extract,
// observe, persist.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/signalnine/sweep/internal/model"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/runs"
	"github.com/signalnine/sweep/internal/store"
)

type Optimizer interface {
	Suggest(ctx context.Context) (model.Candidate, error)
	Observe(ctx context.Context, obs model.Observation) error
}

type Launcher interface {
	Launch(ctx context.Context, req runner.Request) (*runner.LaunchResult, error)
}

type Resolver interface {
	Resolve(identity string, seed int64) (*runs.Location, error)
}

type Extractor interface {
	Extract(ctx context.Context, runDir, tag string) (float64, error)
}

type Ledger interface {
	Append(e result.Entry) error
}

// Tracker mirrors trial state into a queryable store. Its failures never stop
// a sweep.
type Tracker interface {
	CreateTrial(ctx context.Context, t *store.Trial) error
	UpdateTrial(ctx context.Context, identity string, u store.Update) error
}

type CostModel interface {
	Cost(c model.Candidate, elapsed time.Duration) float64
}

// Driver runs trials strictly one after another. Every trial observed by the
// optimizer is appended to the ledger before the next suggestion.
type Driver struct {
	Name      string
	Optimizer Optimizer
	Launcher  Launcher
	Resolver  Resolver
	Extractor Extractor
	Ledger    Ledger
	Tracker   Tracker // optional
	Cost      CostModel
	Minter    *runs.Minter
	Seeds     Seeds
	// Metric is the scalar tag read from each run.
	Metric    string
	GitCommit string

	now func() time.Time
}

// Outcome is the end state of one trial.
type Outcome struct {
	Seq       int64
	Identity  string
	Seed      int64
	Candidate model.Candidate
	State     model.TrialState
	Metric    float64
	Cost      float64
	RunDir    string
	Duration  time.Duration
	Err       error
}

// Summary counts the trials of one Run.
type Summary struct {
	Completed int
	Abandoned int
	Trials    []Outcome
}

func (s *Summary) add(o Outcome) {
	switch o.State {
	case model.TrialPersisted:
		s.Completed++
	case model.TrialAbandoned:
		s.Abandoned++
	}
	s.Trials = append(s.Trials, o)
}

// Replay feeds earlier ledger entries to the optimizer, in order, and moves
// identity numbering past them. It must run before Run.
func (d *Driver) Replay(ctx context.Context, entries []result.Entry) error {
	var maxSeq int64
	for i, e := range entries {
		if err := d.Optimizer.Observe(ctx, e.Observation()); err != nil {
			return &OptimizerError{Op: "replay", Err: eris.Wrapf(err, "entry %d", i+1)}
		}
		seq := int64(i + 1)
		if e.Trial != nil && e.Trial.Seq > 0 {
			seq = e.Trial.Seq
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	d.Minter.StartAt(maxSeq)
	zap.L().Info("sweep: replayed ledger",
		zap.Int("entries", len(entries)),
		zap.Int64("next_seq", maxSeq+1),
	)
	return nil
}

// Run executes n trials. Abandoned trials are counted and skipped. A fatal
// error (optimizer failure, ledger write failure, invalid candidate or
// cancellation) stops the loop; the summary of trials so far is returned
// with it.
func (d *Driver) Run(ctx context.Context, n int) (*Summary, error) {
	if d.now == nil {
		d.now = time.Now
	}
	summary := &Summary{}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out, err := d.runTrial(ctx)
		if out != nil {
			summary.add(*out)
		}
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (d *Driver) runTrial(ctx context.Context) (*Outcome, error) {
	cand, err := d.Optimizer.Suggest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &OptimizerError{Op: "suggest", Err: err}
	}
	if err := cand.Validate(); err != nil {
		return nil, eris.Wrapf(runner.ErrInvalidCandidate, "sweep: suggestion: %v", err)
	}

	identity, seq, err := d.Minter.Next()
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		Seq:       seq,
		Identity:  identity,
		Seed:      d.Seeds(),
		Candidate: cand.Clone(),
		State:     model.TrialSuggested,
	}
	log := zap.L().With(zap.String("identity", identity), zap.Int64("seq", seq))
	log.Debug("sweep: suggested", zap.Any("candidate", map[string]any(cand)), zap.Int64("seed", out.Seed))
	d.track(ctx, out, func() error {
		return d.Tracker.CreateTrial(ctx, &store.Trial{
			Identity:  identity,
			Sweep:     d.Name,
			Seq:       seq,
			Candidate: out.Candidate,
			Seed:      out.Seed,
		})
	})

	d.transition(ctx, out, model.TrialLaunched, store.Update{})
	res, err := d.Launcher.Launch(ctx, runner.Request{Identity: identity, Seed: out.Seed, Candidate: out.Candidate})
	if err != nil {
		if ctx.Err() != nil {
			return d.abandon(ctx, out, ctx.Err()), ctx.Err()
		}
		if errors.Is(err, runner.ErrInvalidCandidate) {
			return d.abandon(ctx, out, err), err
		}
		var launchErr *runner.LaunchError
		if errors.As(err, &launchErr) {
			out.Duration = launchErr.Result.Duration
		}
		return d.abandon(ctx, out, err), nil
	}
	out.Duration = res.Duration

	loc, err := d.Resolver.Resolve(identity, out.Seed)
	if err != nil {
		return d.abandon(ctx, out, err), nil
	}
	if loc.Ambiguous() {
		log.Warn("sweep: several run directories match, using the newest",
			zap.Strings("matches", loc.Matches),
			zap.String("chosen", loc.Path),
		)
	}
	out.RunDir = loc.Path
	d.transition(ctx, out, model.TrialResolved, store.Update{RunDir: loc.Path})

	value, err := d.Extractor.Extract(ctx, loc.Path, d.Metric)
	if err != nil {
		if ctx.Err() != nil {
			return d.abandon(ctx, out, ctx.Err()), ctx.Err()
		}
		return d.abandon(ctx, out, err), nil
	}
	out.Metric = value
	out.Cost = d.Cost.Cost(out.Candidate, out.Duration)
	d.transition(ctx, out, model.TrialExtracted, store.Update{Metric: &out.Metric, Cost: &out.Cost})

	obs := model.Observation{Candidate: out.Candidate.Clone(), Metric: out.Metric, Cost: out.Cost}
	if err := d.Optimizer.Observe(ctx, obs); err != nil {
		optErr := &OptimizerError{Op: "observe", Err: err}
		return d.abandon(ctx, out, optErr), optErr
	}
	d.transition(ctx, out, model.TrialObserved, store.Update{})

	entry := result.Entry{
		Candidate: out.Candidate,
		Metric:    out.Metric,
		Cost:      out.Cost,
		Trial: &result.TrialInfo{
			Identity:   identity,
			Seq:        seq,
			Seed:       out.Seed,
			RunDir:     out.RunDir,
			ExitReason: res.ExitReason,
			DurationS:  out.Duration.Seconds(),
			GitCommit:  d.GitCommit,
			FinishedAt: d.now().UTC(),
		},
	}
	if err := d.Ledger.Append(entry); err != nil {
		ledgerErr := &LedgerError{Identity: identity, Err: err}
		log.Error("sweep: ledger write failed after the optimizer observed the trial; the ledger is now behind the optimizer",
			zap.Float64("metric", out.Metric),
			zap.Error(err),
		)
		out.Err = ledgerErr
		d.track(ctx, out, func() error {
			return d.Tracker.UpdateTrial(ctx, identity, store.Update{State: model.TrialObserved, Error: ErrorClass(ledgerErr)})
		})
		return out, ledgerErr
	}
	d.transition(ctx, out, model.TrialPersisted, store.Update{})

	log.Info("sweep: trial completed",
		zap.Float64("metric", out.Metric),
		zap.Float64("cost", out.Cost),
		zap.Duration("duration", out.Duration),
		zap.String("run_dir", out.RunDir),
	)
	return out, nil
}

func (d *Driver) transition(ctx context.Context, out *Outcome, state model.TrialState, u store.Update) {
	out.State = state
	zap.L().Debug("sweep: "+string(state), zap.String("identity", out.Identity))
	u.State = state
	d.track(ctx, out, func() error {
		return d.Tracker.UpdateTrial(ctx, out.Identity, u)
	})
}

func (d *Driver) abandon(ctx context.Context, out *Outcome, err error) *Outcome {
	out.State = model.TrialAbandoned
	out.Err = err
	zap.L().Warn("sweep: trial abandoned",
		zap.String("identity", out.Identity),
		zap.String("class", ErrorClass(err)),
		zap.Error(err),
	)
	d.track(ctx, out, func() error {
		return d.Tracker.UpdateTrial(ctx, out.Identity, store.Update{State: model.TrialAbandoned, Error: ErrorClass(err) + ": " + err.Error()})
	})
	return out
}

// track calls fn when a tracker is configured and logs its failure.
func (d *Driver) track(ctx context.Context, out *Outcome, fn func() error) {
	if d.Tracker == nil {
		return
	}
	if err := fn(); err != nil {
		zap.L().Warn("sweep: tracker update failed",
			zap.String("identity", out.Identity),
			zap.Error(err),
		)
	}
}
