// Package launcher turns launch requests into persisted, observable runs.
// It resolves configured agents and engines into a validated runner,
// executes the run in the background and records the outcome.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/msoulis/agora/internal/assess"
	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/detect"
	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/notify"
	"github.com/msoulis/agora/internal/orchestra"
	"github.com/msoulis/agora/internal/sandbox"
	"github.com/msoulis/agora/internal/store"
	"github.com/msoulis/agora/internal/team"
	"github.com/msoulis/agora/internal/trace"
	"github.com/msoulis/agora/internal/vault"
)

const secretPrefix = "secret:"

// Request describes one run to launch. Zero fields fall back to the
// configured defaults.
type Request struct {
	ID           string `json:"id,omitempty"`
	Task         string `json:"task"`
	Engine       string `json:"engine,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	// Agents selects a subset of the configured agents by name. Empty
	// means all of them.
	Agents     []string      `json:"agents,omitempty"`
	MaxTurns   int           `json:"max_turns,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Assessment []string      `json:"assessment,omitempty"`
	Detector   *DetectorSpec `json:"detector,omitempty"`
	SweepID    string        `json:"sweep_id,omitempty"`
}

// DetectorSpec is the declarative form of an attack detector. Clauses are
// combined with OR so any match flags the run.
type DetectorSpec struct {
	ToolsCalled    []string      `json:"tools_called,omitempty"`
	Command        string        `json:"command,omitempty"`
	CommandTimeout time.Duration `json:"command_timeout,omitempty"`
}

func (s *DetectorSpec) build() detect.Detector {
	if s == nil {
		return nil
	}
	var parts []detect.Detector
	if len(s.ToolsCalled) > 0 {
		parts = append(parts, detect.ToolsCalled(s.ToolsCalled...))
	}
	if s.Command != "" {
		timeout := s.CommandTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		parts = append(parts, detect.CommandSucceeds(s.Command, timeout))
	}
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return detect.AnyOf(parts...)
}

// Launcher owns the shared services a run needs. Safe for concurrent use.
type Launcher struct {
	mu       sync.RWMutex
	cfg      *config.Config
	store    *store.Store
	events   *natsbus.Client
	vault    *vault.Vault
	notifier *notify.Notifier
}

func New(cfg *config.Config, s *store.Store, events *natsbus.Client, v *vault.Vault, n *notify.Notifier) *Launcher {
	return &Launcher{cfg: cfg, store: s, events: events, vault: v, notifier: n}
}

// UpdateConfig swaps the agent, engine and defaults view. Runs already in
// flight keep the config they were launched with.
func (l *Launcher) UpdateConfig(cfg *config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Config returns the current config view.
func (l *Launcher) Config() *config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Launch validates the request, persists the run as running and executes
// it in the background. The returned record reflects the initial state.
func (l *Launcher) Launch(ctx context.Context, req Request) (*store.Run, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	// One config snapshot per run. A reload between here and the finish
	// does not affect this run.
	cfg := l.Config()
	applyDefaults(cfg, &req)

	arch, err := orchestra.ParseArchitecture(req.Architecture)
	if err != nil {
		return nil, err
	}

	engCfg, ok := cfg.Engines[req.Engine]
	if !ok {
		return nil, fmt.Errorf("engine %q is not configured", req.Engine)
	}
	engCfg.APIKey, err = l.resolveSecret(engCfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", req.Engine, err)
	}
	adapter, err := engine.New(engCfg)
	if err != nil {
		return nil, err
	}

	rec := trace.NewRecorder(engCfg.Engine, req.Task)
	defs, sb, err := resolveAgents(cfg, req.Agents, rec)
	if err != nil {
		return nil, err
	}

	runner, err := orchestra.New(adapter, defs, arch)
	if err != nil {
		if sb != nil {
			_ = sb.Close(ctx)
		}
		return nil, err
	}

	run := &store.Run{
		ID:           req.ID,
		Task:         req.Task,
		Engine:       req.Engine,
		Architecture: string(arch),
		Status:       store.RunRunning,
		SweepID:      req.SweepID,
		StartedAt:    time.Now().UTC(),
	}
	if err := l.store.SaveRun(run); err != nil {
		if sb != nil {
			_ = sb.Close(ctx)
		}
		return nil, fmt.Errorf("save run: %w", err)
	}

	l.publishEvent(req.ID, orchestra.Event{Type: "run_started", Content: req.Task})

	// Detached context so the run outlives the HTTP request that
	// triggered it. The wall-clock budget still applies via Options.
	go l.execute(context.Background(), req, adapter, runner, rec, sb, run)

	return run, nil
}

// LaunchSweep starts one run for a due sweep.
func (l *Launcher) LaunchSweep(ctx context.Context, sweep store.Sweep) (string, error) {
	run, err := l.Launch(ctx, Request{
		Task:         sweep.Task,
		Engine:       sweep.Engine,
		Architecture: sweep.Architecture,
		SweepID:      sweep.ID,
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func applyDefaults(cfg *config.Config, req *Request) {
	d := cfg.Defaults
	if req.Engine == "" {
		req.Engine = d.Engine
	}
	if req.Architecture == "" {
		req.Architecture = d.Architecture
	}
	if req.MaxTurns <= 0 {
		req.MaxTurns = d.MaxTurns
	}
	if req.Timeout <= 0 {
		req.Timeout = d.Timeout
	}
	if len(req.Assessment) == 0 {
		req.Assessment = d.Assessment
	}
}

// resolveAgents turns the configured agents into runnable descriptors. A
// sandbox is created only when some selected agent executes code; the
// caller owns its lifecycle.
func resolveAgents(cfg *config.Config, names []string, rec *trace.Recorder) ([]team.AgentDef, *sandbox.Sandbox, error) {
	if len(names) == 0 {
		names = make([]string, 0, len(cfg.Agents))
		for name := range cfg.Agents {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var sb *sandbox.Sandbox
	defs := make([]team.AgentDef, 0, len(names))
	for _, name := range names {
		ac, ok := cfg.Agents[name]
		if !ok {
			return nil, nil, fmt.Errorf("agent %q is not configured", name)
		}
		def := team.AgentDef{
			Name:         name,
			Description:  ac.Description,
			Instructions: ac.Instructions,
			Handoffs:     ac.Handoffs,
		}
		switch ac.SpecialRole {
		case "":
		case team.RoleCodeExecutor:
			if sb == nil {
				var err error
				sb, err = sandbox.New(cfg.Sandbox)
				if err != nil {
					return nil, nil, fmt.Errorf("agent %q: %w", name, err)
				}
			}
			def.Tools = sandbox.Tools(sb, rec)
		case team.RoleFileSurfer:
			def.Tools = team.FileSurferTools(cfg.Defaults.Workspace)
		case team.RoleWebSurfer:
			def.Tools = team.WebSurferTools(nil)
		default:
			return nil, nil, fmt.Errorf("agent %q has unknown special role %q", name, ac.SpecialRole)
		}
		defs = append(defs, def)
	}
	return defs, sb, nil
}

func (l *Launcher) execute(ctx context.Context, req Request, adapter engine.Adapter, runner *orchestra.Runner, rec *trace.Recorder, sb *sandbox.Sandbox, run *store.Run) {
	if sb != nil {
		defer func() {
			if err := sb.Close(context.Background()); err != nil {
				slog.Warn("sandbox close failed", "run", req.ID, "error", err)
			}
		}()
	}

	slog.Info("run started", "run", req.ID, "engine", req.Engine, "architecture", req.Architecture)

	evaluators := assess.NewRegistry()
	evaluators.Register(assess.RiskMethod, assess.ARIA(adapter))
	evaluators.Register(assess.HarmMethod, assess.DHARMA(adapter))

	opts := orchestra.Options{
		MaxTurns:       req.MaxTurns,
		Timeout:        req.Timeout,
		Assessment:     req.Assessment,
		Evaluators:     evaluators,
		AttackDetector: req.Detector.build(),
		Recorder:       rec,
		Observer: func(ev orchestra.Event) {
			l.publishEvent(req.ID, ev)
		},
	}

	res, err := runner.Run(ctx, req.Task, opts)
	if err != nil {
		l.finish(run, store.RunFailed, &orchestra.RunResult{StopReason: orchestra.StopErrors})
		slog.Error("run failed", "run", req.ID, "error", err)
		l.alert(ctx, req.ID, req.Task, orchestra.StopErrors, nil)
		return
	}

	status := store.RunCompleted
	if res.StopReason != orchestra.StopCompleted {
		status = store.RunFailed
	}
	l.finish(run, status, res)
	slog.Info("run finished", "run", req.ID, "status", status, "stop_reason", res.StopReason)
	l.alert(ctx, req.ID, req.Task, res.StopReason, res.AttackDetected)
}

func (l *Launcher) finish(run *store.Run, status string, res *orchestra.RunResult) {
	run.Status = status
	run.StopReason = res.StopReason
	run.FinalOutput = res.FinalOutput
	run.AttackDetected = res.AttackDetected
	run.DetectorError = res.DetectorError
	if len(res.Assessment) > 0 {
		run.Assessment = marshal(res.Assessment)
	}
	if res.Trace != nil {
		run.Trace = marshal(res.Trace)
	}
	if len(res.Messages) > 0 {
		run.Messages = marshal(res.Messages)
	}
	if err := l.store.SaveRun(run); err != nil {
		slog.Error("run not persisted", "run", run.ID, "error", err)
	}
	l.publishEvent(run.ID, orchestra.Event{Type: "run_finished", Content: run.StopReason})
}

func (l *Launcher) alert(ctx context.Context, runID, task, stopReason string, attack *bool) {
	if attack != nil && *attack {
		l.publishAlert(runID, "attack_detected", task)
		if err := l.notifier.AttackDetected(ctx, runID, task); err != nil {
			slog.Warn("attack alert not sent", "run", runID, "error", err)
		}
	}
	if stopReason != orchestra.StopCompleted {
		l.publishAlert(runID, "run_failed", stopReason)
		if err := l.notifier.RunFailed(ctx, runID, stopReason); err != nil {
			slog.Warn("failure alert not sent", "run", runID, "error", err)
		}
	}
}

// publishAlert mirrors operator alerts onto the bus so WebSocket clients
// see them alongside run events.
func (l *Launcher) publishAlert(runID, alertType, detail string) {
	if l.events == nil {
		return
	}
	payload := map[string]any{
		"type":      alertType,
		"run_id":    runID,
		"detail":    detail,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := l.events.PublishJSON(natsbus.TopicEventsAlerts, payload); err != nil {
		slog.Warn("alert not published", "run", runID, "type", alertType, "error", err)
	}
}

func (l *Launcher) publishEvent(runID string, ev orchestra.Event) {
	if l.events == nil {
		return
	}
	payload := map[string]any{
		"type":      ev.Type,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if ev.Agent != "" {
		payload["agent"] = ev.Agent
	}
	if ev.Target != "" {
		payload["target"] = ev.Target
	}
	if ev.Content != "" {
		payload["content"] = ev.Content
	}
	if ev.Round != 0 {
		payload["round"] = ev.Round
	}
	if err := l.events.PublishJSON(natsbus.TopicRunEvents(runID), payload); err != nil {
		slog.Warn("run event not published", "run", runID, "type", ev.Type, "error", err)
	}
}

// resolveSecret expands a secret:name reference through the vault. Plain
// values pass through unchanged.
func (l *Launcher) resolveSecret(value string) (string, error) {
	if !strings.HasPrefix(value, secretPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, secretPrefix)
	if l.vault == nil {
		return "", fmt.Errorf("secret %q referenced but no vault is configured", name)
	}
	sec, err := l.store.GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("load secret %q: %w", name, err)
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := l.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
