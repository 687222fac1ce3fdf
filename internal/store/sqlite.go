// Package store tracks trial lifecycle state in sqlite. The JSONL ledger is
// the durable record of completed trials; the tracker additionally keeps the
// abandoned ones and why they were abandoned.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/signalnine/sweep/internal/model"
)

// Trial is one tracked trial.
type Trial struct {
	Identity  string
	Sweep     string
	Seq       int64
	State     model.TrialState
	Candidate model.Candidate
	Seed      int64
	RunDir    string
	Metric    *float64
	Cost      *float64
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update is a state transition. Empty strings and nil pointers leave the
// stored value unchanged.
type Update struct {
	State  model.TrialState
	RunDir string
	Metric *float64
	Cost   *float64
	Error  string
}

// SQLiteStore tracks trials using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS trials (
	identity   TEXT PRIMARY KEY,
	sweep      TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	state      TEXT NOT NULL,
	candidate  TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	run_dir    TEXT NOT NULL DEFAULT '',
	metric     REAL,
	cost       REAL,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_trials_sweep_seq ON trials(sweep, seq);
CREATE INDEX IF NOT EXISTS idx_trials_state ON trials(state);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTrial records a freshly suggested trial.
func (s *SQLiteStore) CreateTrial(ctx context.Context, t *Trial) error {
	candJSON, err := json.Marshal(t.Candidate)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidate")
	}
	now := time.Now().UTC()
	if t.State == "" {
		t.State = model.TrialSuggested
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials (identity, sweep, seq, state, candidate, seed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Identity, t.Sweep, t.Seq, string(t.State), string(candJSON), t.Seed, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert trial %s", t.Identity)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// UpdateTrial applies a transition to a tracked trial.
func (s *SQLiteStore) UpdateTrial(ctx context.Context, identity string, u Update) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET
			state = ?,
			run_dir = COALESCE(NULLIF(?, ''), run_dir),
			metric = COALESCE(?, metric),
			cost = COALESCE(?, cost),
			error = COALESCE(NULLIF(?, ''), error),
			updated_at = ?
		 WHERE identity = ?`,
		string(u.State), u.RunDir, u.Metric, u.Cost, u.Error, time.Now().UTC(), identity,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update trial %s", identity)
	}
	return checkRowsAffected(res, "trial", identity)
}

// GetTrial returns one trial.
func (s *SQLiteStore) GetTrial(ctx context.Context, identity string) (*Trial, error) {
	row := s.db.QueryRowContext(ctx, selectTrials+` WHERE identity = ?`, identity)
	return scanTrial(row)
}

// ListTrials returns the trials of a sweep in sequence order.
func (s *SQLiteStore) ListTrials(ctx context.Context, sweep string) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx, selectTrials+` WHERE sweep = ? ORDER BY seq`, sweep)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trials")
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, *t)
	}
	return trials, eris.Wrap(rows.Err(), "sqlite: list trials iterate")
}

// CountByState counts a sweep's trials per state.
func (s *SQLiteStore) CountByState(ctx context.Context, sweep string) (map[model.TrialState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM trials WHERE sweep = ? GROUP BY state`, sweep)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count trials")
	}
	defer rows.Close()

	counts := make(map[model.TrialState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.TrialState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count trials iterate")
}

// helpers

const selectTrials = `SELECT identity, sweep, seq, state, candidate, seed, run_dir, metric, cost, error, created_at, updated_at FROM trials`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrial(row scannable) (*Trial, error) {
	var t Trial
	var state, candJSON string
	var metric, cost sql.NullFloat64

	err := row.Scan(&t.Identity, &t.Sweep, &t.Seq, &state, &candJSON, &t.Seed,
		&t.RunDir, &metric, &cost, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("trial not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan trial")
	}
	t.State = model.TrialState(state)

	var raw map[string]any
	if err := json.Unmarshal([]byte(candJSON), &raw); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal candidate")
	}
	if t.Candidate, err = model.NormalizeMap(raw); err != nil {
		return nil, eris.Wrap(err, "sqlite: candidate")
	}
	if metric.Valid {
		t.Metric = &metric.Float64
	}
	if cost.Valid {
		t.Cost = &cost.Float64
	}
	return &t, nil
}
