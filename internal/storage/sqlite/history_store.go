package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// Entry is one recorded grading run
type Entry struct {
	ID         string        `json:"id"`
	CellID     string        `json:"cell_id"`
	Module     string        `json:"module"`
	Exercise   string        `json:"exercise"`
	Status     domain.Status `json:"status"`
	Passed     int           `json:"passed"`
	Total      int           `json:"total"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at"`
	Cases      []CaseEntry   `json:"cases,omitempty"`
}

// Solved reports whether the run finished with every case passing
func (e Entry) Solved() bool {
	return e.Status == domain.StatusFinished && e.Total > 0 && e.Passed == e.Total
}

// CaseEntry is one recorded test case
type CaseEntry struct {
	TestID  string         `json:"test_id"`
	Outcome domain.Outcome `json:"outcome"`
	Message string         `json:"message,omitempty"`
}

// Filter narrows a history listing. Zero fields match everything.
type Filter struct {
	CellID   string
	Module   string
	Exercise string
	Limit    int
}

// ExerciseStats aggregates the runs of one exercise
type ExerciseStats struct {
	Module     string        `json:"module"`
	Exercise   string        `json:"exercise"`
	Runs       int           `json:"runs"`
	Solved     int           `json:"solved"`
	BestPassed int           `json:"best_passed"`
	LastStatus domain.Status `json:"last_status"`
	LastRun    time.Time     `json:"last_run"`
}

// HistoryStore records grading results
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a history store on a migrated database
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Record stores a grading result and its cases
func (s *HistoryStore) Record(ctx context.Context, result *domain.GradingResult) error {
	passed, notPassed := result.Counts()

	var errText string
	if err := result.FirstError(); err != nil {
		errText = err.Error()
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grading_runs (id, cell_id, module, exercise, status, passed, total,
			attempt, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID.String(), result.CellID, result.Module.Name, result.Exercise(),
		string(result.Status), passed, passed+notPassed, result.AttemptCount,
		errText, result.Duration.Milliseconds(), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert grading run: %w", err)
	}

	for i, tr := range result.TestResults {
		var msg string
		if tr.Err != nil {
			msg = tr.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO case_results (run_id, seq, test_id, outcome, message) VALUES (?, ?, ?, ?, ?)",
			result.ID.String(), i, tr.TestID, string(tr.Outcome), msg,
		); err != nil {
			return fmt.Errorf("insert case result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// Get returns a run with its cases
func (s *HistoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cell_id, module, exercise, status, passed, total, attempt, error,
			duration_ms, created_at
		FROM grading_runs WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("grading run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT test_id, outcome, message FROM case_results WHERE run_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("query case results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c CaseEntry
		var outcome string
		if err := rows.Scan(&c.TestID, &outcome, &c.Message); err != nil {
			return nil, fmt.Errorf("scan case result: %w", err)
		}
		c.Outcome = domain.Outcome(outcome)
		e.Cases = append(e.Cases, c)
	}
	return e, rows.Err()
}

// List returns runs newest first
func (s *HistoryStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, cell_id, module, exercise, status, passed, total, attempt, error,
		duration_ms, created_at FROM grading_runs WHERE 1=1`
	var args []any

	if f.CellID != "" {
		query += " AND cell_id = ?"
		args = append(args, f.CellID)
	}
	if f.Module != "" {
		query += " AND module = ?"
		args = append(args, f.Module)
	}
	if f.Exercise != "" {
		query += " AND exercise = ?"
		args = append(args, f.Exercise)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Stats aggregates runs per exercise. Cell-level runs without an exercise
// are left out.
func (s *HistoryStore) Stats(ctx context.Context) ([]ExerciseStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, exercise, COUNT(*),
			SUM(CASE WHEN status = ? AND total > 0 AND passed = total THEN 1 ELSE 0 END),
			MAX(passed),
			MAX(created_at)
		FROM grading_runs
		WHERE exercise != ''
		GROUP BY module, exercise
		ORDER BY module, exercise`, string(domain.StatusFinished))
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	var stats []ExerciseStats
	for rows.Next() {
		var st ExerciseStats
		var last string
		if err := rows.Scan(&st.Module, &st.Exercise, &st.Runs, &st.Solved, &st.BestPassed, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.LastRun = parseTime(last)
		stats = append(stats, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stats {
		var status string
		err := s.db.QueryRowContext(ctx, `
			SELECT status FROM grading_runs WHERE module = ? AND exercise = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1`,
			stats[i].Module, stats[i].Exercise,
		).Scan(&status)
		if err != nil {
			return nil, fmt.Errorf("query last status: %w", err)
		}
		stats[i].LastStatus = domain.Status(status)
	}
	return stats, nil
}

// Prune deletes runs older than the given age
func (s *HistoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	res, err := s.db.ExecContext(ctx, "DELETE FROM grading_runs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var status string
	err := row.Scan(&e.ID, &e.CellID, &e.Module, &e.Exercise, &status, &e.Passed, &e.Total,
		&e.Attempt, &e.Error, &e.DurationMS, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan grading run: %w", err)
	}
	e.Status = domain.Status(status)
	return &e, nil
}

// parseTime reads an aggregated timestamp, which SQLite returns as text
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
