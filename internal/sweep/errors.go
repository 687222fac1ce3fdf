package sweep

import (
	"errors"

	"github.com/signalnine/sweep/internal/metric"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/runs"
)

// OptimizerError is a failed Suggest or Observe. The sweep cannot continue
// because the optimizer's state is no longer known.
type OptimizerError struct {
	Op  string
	Err error
}

func (e *OptimizerError) Error() string { return "optimizer " + e.Op + ": " + e.Err.Error() }

func (e *OptimizerError) Unwrap() error { return e.Err }

// LedgerError is a failed ledger write. The observation was already reported
// to the optimizer, so the ledger no longer matches its state.
type LedgerError struct {
	Identity string
	Err      error
}

func (e *LedgerError) Error() string {
	return "ledger write for " + e.Identity + ": " + e.Err.Error()
}

func (e *LedgerError) Unwrap() error { return e.Err }

// ErrorClass names the failure that ended a trial, for logs and the tracker.
func ErrorClass(err error) string {
	var (
		launchErr *runner.LaunchError
		optErr    *OptimizerError
		ledgerErr *LedgerError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &launchErr):
		return "launch_failure"
	case errors.Is(err, runs.ErrRunNotFound):
		return "run_not_found"
	case errors.Is(err, metric.ErrMetricNotFound):
		return "metric_not_found"
	case errors.As(err, &optErr):
		return "optimizer_failure"
	case errors.As(err, &ledgerErr):
		return "ledger_write_failure"
	case errors.Is(err, runner.ErrInvalidCandidate):
		return "invalid_candidate"
	default:
		return "error"
	}
}
