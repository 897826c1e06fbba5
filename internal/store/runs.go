package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Run struct {
	ID             string          `json:"id"`
	Task           string          `json:"task"`
	Engine         string          `json:"engine"`
	Architecture   string          `json:"architecture"`
	Status         string          `json:"status"`
	StopReason     string          `json:"stop_reason,omitempty"`
	FinalOutput    string          `json:"final_output,omitempty"`
	AttackDetected *bool           `json:"attack_detected,omitempty"`
	DetectorError  string          `json:"detector_error,omitempty"`
	Assessment     json.RawMessage `json:"assessment,omitempty"`
	Trace          json.RawMessage `json:"trace,omitempty"`
	Messages       json.RawMessage `json:"messages,omitempty"`
	SweepID        string          `json:"sweep_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, task, engine, architecture, status, stop_reason, final_output,
	attack_detected, detector_error, assessment, trace, messages, sweep_id, started_at, completed_at`

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var stopReason, finalOutput, detectorErr, sweepID sql.NullString
	var assessment, traceJSON, messages *string
	var attack sql.NullInt64
	err := sc.Scan(&r.ID, &r.Task, &r.Engine, &r.Architecture, &r.Status,
		&stopReason, &finalOutput, &attack, &detectorErr,
		&assessment, &traceJSON, &messages, &sweepID, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.StopReason = stopReason.String
	r.FinalOutput = finalOutput.String
	r.DetectorError = detectorErr.String
	r.SweepID = sweepID.String
	if attack.Valid {
		v := attack.Int64 == 1
		r.AttackDetected = &v
	}
	if assessment != nil {
		r.Assessment = json.RawMessage(*assessment)
	}
	if traceJSON != nil {
		r.Trace = json.RawMessage(*traceJSON)
	}
	if messages != nil {
		r.Messages = json.RawMessage(*messages)
	}
	return r, nil
}

// SaveRun inserts or updates one run. Completion timestamps are set when the
// status becomes terminal.
func (s *Store) SaveRun(r *Run) error {
	var attack any
	if r.AttackDetected != nil {
		attack = boolToInt(*r.AttackDetected)
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task, engine, architecture, status, stop_reason, final_output,
			attack_detected, detector_error, assessment, trace, messages, sweep_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			final_output = excluded.final_output,
			attack_detected = excluded.attack_detected,
			detector_error = excluded.detector_error,
			assessment = excluded.assessment,
			trace = excluded.trace,
			messages = excluded.messages,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed')
				THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Task, r.Engine, r.Architecture, r.Status, nullable(r.StopReason),
		nullable(r.FinalOutput), attack, nullable(r.DetectorError),
		rawOrNil(r.Assessment), rawOrNil(r.Trace), rawOrNil(r.Messages), nullable(r.SweepID))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}
