package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
	"github.com/banshee-data/stimtune/internal/ses"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of optimization_runs.
type RunSummary struct {
	RunID       string          `json:"run_id"`
	Outcome     string          `json:"outcome"`
	Pair        *electrode.Pair `json:"pair,omitempty"`
	Current     int             `json:"current"`
	MinCurrent  int             `json:"min_current"`
	MaxCurrent  int             `json:"max_current"`
	Conditioner string          `json:"conditioner"`
	Iterations  int             `json:"iterations"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// outcomeRunning marks a run whose iterations are being recorded but which
// has not been exported yet.
const outcomeRunning = "running"

// Store implements ses.Exporter and ses.IterationObserver on top of DB.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var (
	_ ses.Exporter          = (*Store)(nil)
	_ ses.IterationObserver = (*Store)(nil)
)

// Export writes the run row and its per-electrode statistics in one
// transaction, replacing anything recorded for the run so far.
func (s *Store) Export(ctx context.Context, r ses.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pairA, pairB sql.NullInt64
	if r.Pair != nil {
		pairA = sql.NullInt64{Int64: int64(r.Pair.A), Valid: true}
		pairB = sql.NullInt64{Int64: int64(r.Pair.B), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO optimization_runs (
			run_id, outcome, pair_a, pair_b, current_ma, min_current_ma, max_current_ma,
			conditioner, iterations, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			outcome = excluded.outcome,
			pair_a = excluded.pair_a,
			pair_b = excluded.pair_b,
			current_ma = excluded.current_ma,
			min_current_ma = excluded.min_current_ma,
			max_current_ma = excluded.max_current_ma,
			conditioner = excluded.conditioner,
			iterations = excluded.iterations,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		r.RunID, string(r.Outcome), pairA, pairB, r.Current, r.MinCurrent, r.MaxCurrent,
		r.Conditioner, r.Iterations, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM electrode_stats WHERE run_id = ?`, r.RunID); err != nil {
		return err
	}
	for id, st := range r.Stats {
		history, err := json.Marshal(st.History)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO electrode_stats (run_id, electrode, usage, aggregated_score, average_score, score_history)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, int(id), st.Usage, st.Aggregated, st.Average, string(history),
		)
		if err != nil {
			return fmt.Errorf("insert stats for electrode %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ObserveIteration appends one probe to run_iterations. Failures are logged
// and never reach the control loop.
func (s *Store) ObserveIteration(rec ses.IterationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.recordIteration(ctx, rec); err != nil {
		monitoring.Logf("[db] failed to record iteration %d of run %s: %v", rec.Iteration, rec.RunID, err)
	}
}

func (s *Store) recordIteration(ctx context.Context, rec ses.IterationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO optimization_runs (run_id, outcome, started_at) VALUES (?, ?, ?)`,
		rec.RunID, outcomeRunning, rec.At.UnixMilli(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_iterations (run_id, iteration, phase, pair_a, pair_b, current_ma, score, gradient, eta, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Phase.String(), int(rec.Pair.A), int(rec.Pair.B), rec.Current,
		rec.Score, rec.Gradient, rec.Eta, rec.At.UnixMilli(),
	)
	return err
}

const runColumns = `run_id, outcome, pair_a, pair_b, current_ma, min_current_ma, max_current_ma,
	conditioner, iterations, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var (
		r            RunSummary
		pairA, pairB sql.NullInt64
		started      int64
		finished     sql.NullInt64
	)
	err := row.Scan(&r.RunID, &r.Outcome, &pairA, &pairB, &r.Current, &r.MinCurrent, &r.MaxCurrent,
		&r.Conditioner, &r.Iterations, &started, &finished)
	if err != nil {
		return r, err
	}
	if pairA.Valid && pairB.Valid {
		p := electrode.NewPair(electrode.ID(pairA.Int64), electrode.ID(pairB.Int64))
		r.Pair = &p
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// Runs lists the most recent runs first. limit <= 0 means 50.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM optimization_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run or ErrRunNotFound.
func (s *Store) Run(ctx context.Context, runID string) (RunSummary, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM optimization_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ElectrodeStats returns the exported statistics of a run ordered by
// electrode ID.
func (s *Store) ElectrodeStats(ctx context.Context, runID string) ([]electrode.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT electrode, usage, aggregated_score, average_score, score_history
		FROM electrode_stats WHERE run_id = ? ORDER BY electrode`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []electrode.Stats{}
	for rows.Next() {
		var (
			st      electrode.Stats
			id      int
			history string
		)
		if err := rows.Scan(&id, &st.Usage, &st.Aggregated, &st.Average, &history); err != nil {
			return nil, err
		}
		st.ID = electrode.ID(id)
		if err := json.Unmarshal([]byte(history), &st.History); err != nil {
			return nil, fmt.Errorf("decode history of electrode %d: %w", id, err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Iterations returns every recorded probe of a run in order.
func (s *Store) Iterations(ctx context.Context, runID string) ([]ses.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, phase, pair_a, pair_b, current_ma, score, gradient, eta, at
		FROM run_iterations WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []ses.IterationRecord{}
	for rows.Next() {
		var (
			rec          ses.IterationRecord
			phase        string
			pairA, pairB int
			at           int64
		)
		if err := rows.Scan(&rec.Iteration, &phase, &pairA, &pairB, &rec.Current, &rec.Score, &rec.Gradient, &rec.Eta, &at); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.Phase = ses.ParsePhase(phase)
		rec.Pair = electrode.NewPair(electrode.ID(pairA), electrode.ID(pairB))
		rec.At = time.UnixMilli(at).UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRun removes a run and, through cascading keys, its statistics and
// iterations.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM optimization_runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
