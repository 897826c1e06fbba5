package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sweep statuses.
const (
	SweepActive = "active"
	SweepPaused = "paused"
	SweepDone   = "done"
)

// Sweep is a stored recurring run definition. The scheduler launches a fresh
// run each time a sweep comes due.
type Sweep struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Task         string     `json:"task"`
	Engine       string     `json:"engine"`
	Architecture string     `json:"architecture"`
	Schedule     string     `json:"schedule"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const sweepColumns = `id, name, task, engine, architecture, schedule, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanSweep(sc scanner) (*Sweep, error) {
	sw := &Sweep{}
	var lastStatus, lastError sql.NullString
	err := sc.Scan(&sw.ID, &sw.Name, &sw.Task, &sw.Engine, &sw.Architecture,
		&sw.Schedule, &sw.Status, &sw.NextRunAt, &sw.LastRunAt, &lastStatus, &lastError, &sw.CreatedAt)
	if err != nil {
		return nil, err
	}
	sw.LastStatus = lastStatus.String
	sw.LastError = lastError.String
	return sw, nil
}

func (s *Store) SaveSweep(sw *Sweep) error {
	_, err := s.db.Exec(`
		INSERT INTO sweeps (id, name, task, engine, architecture, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			task = excluded.task,
			engine = excluded.engine,
			architecture = excluded.architecture,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sw.ID, sw.Name, sw.Task, sw.Engine, sw.Architecture, sw.Schedule, sw.Status, sw.NextRunAt)
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	return nil
}

func (s *Store) GetSweep(id string) (*Sweep, error) {
	row := s.db.QueryRow(`SELECT `+sweepColumns+` FROM sweeps WHERE id = ?`, id)
	sw, err := scanSweep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sweep: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSweeps() ([]Sweep, error) {
	rows, err := s.db.Query(`SELECT ` + sweepColumns + ` FROM sweeps ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []Sweep
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		sweeps = append(sweeps, *sw)
	}
	return sweeps, rows.Err()
}

// GetDueSweeps returns active sweeps whose next run time has passed.
func (s *Store) GetDueSweeps(now time.Time) ([]Sweep, error) {
	rows, err := s.db.Query(`
		SELECT `+sweepColumns+` FROM sweeps
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []Sweep
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due sweep: %w", err)
		}
		sweeps = append(sweeps, *sw)
	}
	return sweeps, rows.Err()
}

func (s *Store) UpdateSweepStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE sweeps SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update sweep status: %w", err)
	}
	return nil
}

// MarkSweepRun records the outcome of one launch and schedules the next.
func (s *Store) MarkSweepRun(id string, ranAt time.Time, lastStatus, lastError string, nextRun *time.Time) error {
	status := SweepActive
	if nextRun == nil {
		status = SweepDone
	}
	_, err := s.db.Exec(`
		UPDATE sweeps
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?, status = ?
		WHERE id = ?`,
		ranAt, lastStatus, nullable(lastError), nextRun, status, id)
	if err != nil {
		return fmt.Errorf("mark sweep run: %w", err)
	}
	return nil
}

func (s *Store) DeleteSweep(id string) error {
	_, err := s.db.Exec(`DELETE FROM sweeps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sweep: %w", err)
	}
	return nil
}
