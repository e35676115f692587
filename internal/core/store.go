package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// Run phases recorded for every run.
const (
	PhasePreprocessing  = "preprocessing"
	PhaseMainBenchmark  = "main_benchmark"
	PhasePostprocessing = "postprocessing"
)

// RunRecord is one persisted run.
type RunRecord struct {
	ID          string
	Benchmark   string
	Status      api.RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time
	Spawned     int
	Successful  int
	SummaryJSON string
	Phases      []PhaseRecord
}

// PhaseRecord is the runtime breakdown of one phase.
type PhaseRecord struct {
	RunID     string
	Phase     string
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer is plenty and avoids SQLITE_BUSY between connections
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateRun inserts a run that has just started.
func (s *Store) CreateRun(ctx context.Context, id, benchmark string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, benchmark, started_at) VALUES (?, ?, ?)`,
		id, benchmark, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and summary of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status api.RunStatus, finishedAt time.Time, summary *api.FleetSummary, summaryJSON string) error {
	var spawned, successful int
	if summary != nil {
		spawned, successful = summary.SpawnedInstances, summary.SuccessfulInstances
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, spawned = ?, successful = ?, summary_json = ? WHERE id = ?`,
		string(status), formatTime(finishedAt), spawned, successful, summaryJSON, id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: run %s not found", id)
	}
	return nil
}

// StartPhase records the start of a phase.
func (s *Store) StartPhase(ctx context.Context, runID, phase string, pid int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phases (run_id, phase, pid, started_at) VALUES (?, ?, ?, ?)`,
		runID, phase, pid, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert phase: %w", err)
	}
	return nil
}

// EndPhase records the end of a phase.
func (s *Store) EndPhase(ctx context.Context, runID, phase string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE phases SET ended_at = ? WHERE run_id = ? AND phase = ?`,
		formatTime(at), runID, phase)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, without phases.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, benchmark, status, started_at, finished_at, spawned, successful, summary_json
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run with its phases.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, benchmark, status, started_at, finished_at, spawned, successful, summary_json
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return RunRecord{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase, pid, started_at, ended_at FROM phases WHERE run_id = ? ORDER BY started_at, rowid`, id)
	if err != nil {
		return RunRecord{}, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p PhaseRecord
		var started, ended string
		if err := rows.Scan(&p.RunID, &p.Phase, &p.PID, &started, &ended); err != nil {
			return RunRecord{}, fmt.Errorf("scan phase: %w", err)
		}
		p.StartedAt, p.EndedAt = parseTime(started), parseTime(ended)
		r.Phases = append(r.Phases, p)
	}
	return r, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var r RunRecord
	var status, started, finished string
	err := sc.Scan(&r.ID, &r.Benchmark, &status, &started, &finished, &r.Spawned, &r.Successful, &r.SummaryJSON)
	if err != nil {
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = api.RunStatus(status)
	r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)
	return r, nil
}
