// Package jobstore persists background job state using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is reported by running jobs.
type Progress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job is one background job. Params and Result are kind specific JSON.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Display    string          `json:"display,omitempty"`
	Status     Status          `json:"status"`
	Params     json.RawMessage `json:"params"`
	Result     json.RawMessage `json:"result,omitempty"`
	Progress   Progress        `json:"progress"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps jobs in a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		display TEXT DEFAULT '',
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		result_json TEXT,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_display ON jobs(display);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, kind, display, status, params_json, result_json, phase, done, total, error, created_at, started_at, finished_at`

// CreateJob inserts job as given.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, NULL, NULL)
	`,
		job.ID,
		job.Kind,
		job.Display,
		string(job.Status),
		string(params),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// GetJob returns the job with id, or nil when there is none.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// UpdateJobStarted marks a job as running.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(StatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, p.Phase, p.Done, p.Total, jobID)
	return err
}

// FinishJob records the terminal status of a job with its result or error.
func (s *Store) FinishJob(jobID string, status Status, result json.RawMessage, errMsg string) error {
	if !status.Finished() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res any
	if len(result) > 0 {
		res = string(result)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, result_json = ?, error = ?, finished_at = ?
		WHERE job_id = ?
	`, string(status), res, errMsg, now, jobID)
	return err
}

// ListJobs returns the jobs of a display, newest first. An empty display
// lists every job.
func (s *Store) ListJobs(display string) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if display == "" {
		rows, err = s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE display = ? ORDER BY created_at DESC`, display)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs, oldest first.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(StatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed fails every job left running by a previous process.
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(StatusFailed), errMsg, now, string(StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs deletes finished jobs older than retention.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	result, err := s.db.Exec(`
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM jobs WHERE job_id = ?", jobID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var paramsJSON string
	var resultJSON sql.NullString
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Display,
		&job.Status,
		&paramsJSON,
		&resultJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	job.Params = json.RawMessage(paramsJSON)
	if resultJSON.Valid {
		job.Result = json.RawMessage(resultJSON.String)
	}
	job.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(timeLayout, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(timeLayout, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
