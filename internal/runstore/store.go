// Package runstore keeps a SQLite index of run summaries. The artifact store
// remains the source of truth; the index can be rebuilt from it at startup.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run indexing
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRun inserts or updates a run summary
func (s *Store) UpsertRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, case_id, status, requested_solver, backend, fallback, stop_reason, error, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			backend = excluded.backend,
			fallback = excluded.fallback,
			stop_reason = excluded.stop_reason,
			error = excluded.error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.CaseID,
		string(run.Status),
		string(run.Requested),
		run.Backend,
		run.Fallback,
		string(run.StopReason),
		run.Error,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
		nullTime(run.FinishedAt),
	)
	return err
}

// GetRun retrieves a run summary by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	CaseID string
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.CaseID != "" {
		query += " AND case_id = ?"
		args = append(args, opts.CaseID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// LatestCompleted returns the newest completed run of a case
func (s *Store) LatestCompleted(caseID string) (*domain.Run, error) {
	runs, err := s.ListRuns(ListOptions{CaseID: caseID, Status: domain.RunCompleted, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("completed run for %s: %w", caseID, domain.ErrNotFound)
	}
	return runs[0], nil
}

// CountByStatus returns the number of runs per status
func (s *Store) CountByStatus() (map[domain.RunStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// RecordDoseTiming stores how long dose reconstruction took for a case
func (s *Store) RecordDoseTiming(caseID string, voxels int, d time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO dose_timings (case_id, voxels, duration_ms, measured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			voxels = excluded.voxels,
			duration_ms = excluded.duration_ms,
			measured_at = excluded.measured_at
	`, caseID, voxels, d.Milliseconds(), time.Now().UnixNano())
	return err
}

// LastDoseTiming returns the last measured reconstruction duration of a case
func (s *Store) LastDoseTiming(caseID string) (time.Duration, bool, error) {
	var ms int64
	err := s.db.QueryRow(`SELECT duration_ms FROM dose_timings WHERE case_id = ?`, caseID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

const runColumns = `id, case_id, status, requested_solver, backend, fallback, stop_reason, error, created_at, updated_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status, requested, backend, stopReason, errMsg sql.NullString
	var fallback sql.NullBool
	var createdAt, updatedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.CaseID,
		&status,
		&requested,
		&backend,
		&fallback,
		&stopReason,
		&errMsg,
		&createdAt,
		&updatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status.String)
	run.Requested = domain.SolverChoice(requested.String)
	run.Backend = backend.String
	run.Fallback = fallback.Bool
	run.StopReason = domain.StopReason(stopReason.String)
	run.Error = errMsg.String
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
