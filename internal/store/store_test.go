package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)

	r := &Run{
		ID:           "run-1",
		Task:         "probe the target",
		Engine:       "anthropic",
		Architecture: "centralized",
		Status:       RunRunning,
	}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != RunRunning || got.Engine != "anthropic" {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("running run must not carry a completion time")
	}

	// Finish it
	attack := true
	r.Status = RunCompleted
	r.StopReason = "completed"
	r.FinalOutput = "report"
	r.AttackDetected = &attack
	r.Assessment = json.RawMessage(`{"aria":"4"}`)
	r.Trace = json.RawMessage(`{"tool_calls":[]}`)
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, _ = s.GetRun("run-1")
	if got.Status != RunCompleted || got.StopReason != "completed" {
		t.Errorf("got %+v", got)
	}
	if got.AttackDetected == nil || !*got.AttackDetected {
		t.Error("attack flag lost")
	}
	if string(got.Assessment) != `{"aria":"4"}` {
		t.Errorf("assessment = %s", got.Assessment)
	}
	if got.CompletedAt == nil {
		t.Error("completed run must carry a completion time")
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	// Not found
	got, err = s.GetRun("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent run")
	}

	if err := s.DeleteRun("run-1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	runs, _ = s.ListRuns(10)
	if len(runs) != 0 {
		t.Errorf("expected 0 runs after delete, got %d", len(runs))
	}
}

func TestSweepCRUD(t *testing.T) {
	s := newTestStore(t)

	due := time.Now().Add(-time.Minute)
	sw := &Sweep{
		ID:           "sweep-1",
		Name:         "nightly probe",
		Task:         "run the probe",
		Engine:       "gemini",
		Architecture: "decentralized",
		Schedule:     `{"kind":"interval","interval_ms":3600000}`,
		Status:       SweepActive,
		NextRunAt:    &due,
	}
	if err := s.SaveSweep(sw); err != nil {
		t.Fatalf("save sweep: %v", err)
	}

	got, err := s.GetSweep("sweep-1")
	if err != nil {
		t.Fatalf("get sweep: %v", err)
	}
	if got.Name != "nightly probe" {
		t.Errorf("name = %q", got.Name)
	}

	dueSweeps, err := s.GetDueSweeps(time.Now())
	if err != nil {
		t.Fatalf("get due sweeps: %v", err)
	}
	if len(dueSweeps) != 1 {
		t.Errorf("expected 1 due sweep, got %d", len(dueSweeps))
	}

	// Pause hides it from the due query
	if err := s.UpdateSweepStatus("sweep-1", SweepPaused); err != nil {
		t.Fatalf("pause sweep: %v", err)
	}
	dueSweeps, _ = s.GetDueSweeps(time.Now())
	if len(dueSweeps) != 0 {
		t.Errorf("expected 0 due sweeps after pause, got %d", len(dueSweeps))
	}

	// A completed launch with no next run retires the sweep
	_ = s.UpdateSweepStatus("sweep-1", SweepActive)
	if err := s.MarkSweepRun("sweep-1", time.Now(), "completed", "", nil); err != nil {
		t.Fatalf("mark sweep run: %v", err)
	}
	got, _ = s.GetSweep("sweep-1")
	if got.Status != SweepDone {
		t.Errorf("status = %q, want %q", got.Status, SweepDone)
	}
	if got.LastStatus != "completed" {
		t.Errorf("last status = %q", got.LastStatus)
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{
		ID:    "sec-1",
		Name:  "anthropic_key",
		Value: []byte{1, 2, 3},
		Nonce: []byte{4, 5, 6},
	}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("anthropic_key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || string(got.Value) != string([]byte{1, 2, 3}) {
		t.Fatalf("got %+v", got)
	}

	// Upsert by name keeps the id
	sec.Value = []byte{9}
	sec.Nonce = []byte{8}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("update secret: %v", err)
	}
	got, _ = s.GetSecret("anthropic_key")
	if string(got.Value) != string([]byte{9}) {
		t.Error("value not updated")
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(list))
	}
	if len(list[0].Value) != 0 {
		t.Error("list must not expose ciphertext")
	}

	if err := s.DeleteSecret("anthropic_key"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecret("anthropic_key")
	if got != nil {
		t.Error("expected nil after delete")
	}
}
