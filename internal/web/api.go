package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/launcher"
	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/schedule"
	"github.com/msoulis/agora/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Sweeps
	mux.HandleFunc("GET /api/sweeps", s.listSweeps)
	mux.HandleFunc("POST /api/sweeps", s.createSweep)
	mux.HandleFunc("GET /api/sweeps/{id}", s.getSweep)
	mux.HandleFunc("PUT /api/sweeps/{id}", s.updateSweep)
	mux.HandleFunc("DELETE /api/sweeps/{id}", s.deleteSweep)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("GET /api/secrets/{name}", s.getSecret)
	mux.HandleFunc("PUT /api/secrets/{name}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// Configured agents and engines (read-only)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/engines", s.listEngines)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// runRequest is the wire form of a launch. Timeout is a duration string
// such as "10m".
type runRequest struct {
	Task         string                 `json:"task"`
	Engine       string                 `json:"engine"`
	Architecture string                 `json:"architecture"`
	Agents       []string               `json:"agents"`
	MaxTurns     int                    `json:"max_turns"`
	Timeout      string                 `json:"timeout"`
	Assessment   []string               `json:"assessment"`
	Detector     *launcher.DetectorSpec `json:"detector"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Task == "" {
		jsonError(w, "task is required", http.StatusBadRequest)
		return
	}

	req := launcher.Request{
		Task:         body.Task,
		Engine:       body.Engine,
		Architecture: body.Architecture,
		Agents:       body.Agents,
		MaxTurns:     body.MaxTurns,
		Assessment:   body.Assessment,
		Detector:     body.Detector,
	}
	if body.Timeout != "" {
		timeout, err := time.ParseDuration(body.Timeout)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid timeout: %v", err), http.StatusBadRequest)
			return
		}
		req.Timeout = timeout
	}

	run, err := s.launcher.Launch(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.store.ListSweeps()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sweeps == nil {
		sweeps = []store.Sweep{}
	}
	jsonResponse(w, sweeps)
}

func (s *Server) createSweep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Task         string `json:"task"`
		Engine       string `json:"engine"`
		Architecture string `json:"architecture"`
		Schedule     string `json:"schedule"`
		Enabled      *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Task == "" || body.Schedule == "" {
		jsonError(w, "name, task, and schedule are required", http.StatusBadRequest)
		return
	}

	// Normalize schedule (handles plain cron strings)
	normalized, err := schedule.NormalizeSchedule(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := store.SweepActive
	if body.Enabled != nil && !*body.Enabled {
		status = store.SweepPaused
	}

	sw := store.Sweep{
		ID:           uuid.New().String(),
		Name:         body.Name,
		Task:         body.Task,
		Engine:       body.Engine,
		Architecture: body.Architecture,
		Schedule:     normalized,
		Status:       status,
	}
	if status == store.SweepActive {
		sw.NextRunAt = schedule.CalculateNextRun(normalized)
	}

	if err := s.store.SaveSweep(&sw); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSweepEvent(sw.ID, "sweep_created")
	jsonResponse(w, sw)
}

func (s *Server) getSweep(w http.ResponseWriter, r *http.Request) {
	sw, err := s.store.GetSweep(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sw == nil {
		jsonError(w, "sweep not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) updateSweep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetSweep(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "sweep not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name         *string `json:"name"`
		Task         *string `json:"task"`
		Engine       *string `json:"engine"`
		Architecture *string `json:"architecture"`
		Schedule     *string `json:"schedule"`
		Enabled      *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Task != nil {
		existing.Task = *body.Task
	}
	if body.Engine != nil {
		existing.Engine = *body.Engine
	}
	if body.Architecture != nil {
		existing.Architecture = *body.Architecture
	}

	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = store.SweepActive
		} else if existing.Status != store.SweepDone {
			existing.Status = store.SweepPaused
		}
	}

	if body.Schedule != nil {
		normalized, err := schedule.NormalizeSchedule(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	// Reschedule after any change that can move the next firing.
	if existing.Status == store.SweepActive {
		existing.NextRunAt = schedule.CalculateNextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSweep(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSweepEvent(id, "sweep_updated")
	jsonResponse(w, existing)
}

func (s *Server) deleteSweep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSweep(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSweepEvent(id, "sweep_deleted")
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// liveConfig prefers the launcher's view, which follows config reloads.
func (s *Server) liveConfig() *config.Config {
	if s.launcher != nil {
		return s.launcher.Config()
	}
	return &s.cfg
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	cfg := s.liveConfig()
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		ac := cfg.Agents[name]
		out = append(out, map[string]any{
			"name":         name,
			"description":  ac.Description,
			"special_role": ac.SpecialRole,
			"handoffs":     ac.Handoffs,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listEngines(w http.ResponseWriter, r *http.Request) {
	cfg := s.liveConfig()
	names := make([]string, 0, len(cfg.Engines))
	for name := range cfg.Engines {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		ec := cfg.Engines[name]
		out = append(out, map[string]any{
			"name":   name,
			"engine": ec.Engine,
			"model":  ec.Model,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns(0)
	running := 0
	for _, run := range runs {
		if run.Status == store.RunRunning {
			running++
		}
	}
	sweeps, _ := s.store.ListSweeps()

	cfg := s.liveConfig()
	jsonResponse(w, map[string]any{
		"version":      s.version,
		"uptime":       formatUptime(time.Since(s.startedAt)),
		"engines":      len(cfg.Engines),
		"agents":       len(cfg.Agents),
		"runs":         len(runs),
		"runs_running": running,
		"sweeps":       len(sweeps),
	})
}

func (s *Server) publishSweepEvent(sweepID, eventType string) {
	if s.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"sweep_id":  sweepID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	_ = s.events.PublishJSON(natsbus.TopicSweepEvents(sweepID), event)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
