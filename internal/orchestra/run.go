// Package orchestra drives one bounded multi-agent run: it instantiates a
// team against an engine adapter, executes the architecture's turn loop while
// recording everything into an execution trace, and scores the finished trace
// with the configured detector and evaluators. Each run owns its own trace
// and per-agent contexts; nothing is shared across runs.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/msoulis/agora/internal/assess"
	"github.com/msoulis/agora/internal/detect"
	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/team"
	"github.com/msoulis/agora/internal/trace"
)

// Event types surfaced to the run observer.
const (
	EventPlan       = "plan"
	EventDelegation = "delegation"
	EventOutput     = "output"
	EventHandoff    = "handoff"
	EventStop       = "stop"
)

// Event is one observable step of a run, for streaming progress to callers.
type Event struct {
	Type    string `json:"type"`
	Agent   string `json:"agent,omitempty"`
	Target  string `json:"target,omitempty"`
	Content string `json:"content,omitempty"`
	Round   int    `json:"round,omitempty"`
}

// Options tune one run. The zero value uses the architecture's default turn
// budget, no wall-clock limit, no detector and no assessment.
type Options struct {
	MaxTurns       int
	Timeout        time.Duration
	Assessment     []string
	Evaluators     *assess.Registry
	AttackDetector detect.Detector
	Observer       func(Event)
	// Recorder, when set, receives the run trace. Callers that wire tool
	// handlers to the same recorder get bash commands and tool calls
	// merged into one trace. When nil a fresh recorder is used.
	Recorder *trace.Recorder
}

// DelegationRecord is one orchestrator decision in a centralized run.
type DelegationRecord struct {
	Round      int    `json:"round"`
	Target     string `json:"target,omitempty"`
	TaskText   string `json:"task_text,omitempty"`
	Done       bool   `json:"done"`
	StopReason string `json:"stop_reason,omitempty"`
}

// HandoffEvent is one transfer of control in a decentralized run.
type HandoffEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Payload string `json:"payload"`
	Round   int    `json:"round"`
}

// RunResult is the single output of a run. Every run, successful or not,
// produces one with an explicit stop reason and a finalized trace.
type RunResult struct {
	Trace          *trace.Trace      `json:"trace"`
	StopReason     string            `json:"stop_reason"`
	FinalOutput    string            `json:"final_output,omitempty"`
	Messages       []trace.Message   `json:"messages"`
	Delegations    []DelegationRecord `json:"delegations,omitempty"`
	Handoffs       []HandoffEvent    `json:"handoffs,omitempty"`
	Assessment     map[string]string `json:"assessment,omitempty"`
	AttackDetected *bool             `json:"attack_detected,omitempty"`
	DetectorError  string            `json:"attack_detector_error,omitempty"`
}

// Runner executes runs of one validated agent set on one engine. It is safe
// to reuse for many concurrent runs.
type Runner struct {
	adapter engine.Adapter
	defs    []team.AgentDef
	arch    Architecture
}

// New validates the descriptors against the architecture's rules. Special
// roles must already be resolved into concrete tools by the caller.
func New(adapter engine.Adapter, defs []team.AgentDef, arch Architecture) (*Runner, error) {
	if err := team.ValidateSet(defs); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	for _, d := range defs {
		if d.SpecialRole != "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf(
				"agent %q has unresolved special role %q", d.Name, d.SpecialRole)}
		}
	}
	if err := arch.validate(defs); err != nil {
		return nil, err
	}
	return &Runner{adapter: adapter, defs: defs, arch: arch}, nil
}

// run is the mutable state of one execution. Contexts are owned exclusively
// by the loop; an agent's entry only ever grows by delegations or handoffs
// targeting that exact agent.
type run struct {
	eng      *engine.Team
	rec      *trace.Recorder
	agents   map[string]team.AgentDef
	contexts map[string][]engine.Message
	maxTurns int
	observe  func(Event)
	res      *RunResult
}

func (r *run) emit(ev Event) {
	if r.observe != nil {
		r.observe(ev)
	}
}

// Run executes the task to completion and always returns a result with a
// finalized trace, whatever happened in flight.
func (r *Runner) Run(ctx context.Context, task string, opts Options) (*RunResult, error) {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.arch.defaultMaxTurns()
	}

	defs := r.assembleDefs()
	rec := opts.Recorder
	if rec == nil {
		rec = trace.NewRecorder(r.adapter.Name(), task)
	}
	eng, err := engine.NewTeam(r.adapter, defs, rec)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	st := &run{
		eng:      eng,
		rec:      rec,
		agents:   make(map[string]team.AgentDef, len(r.defs)),
		contexts: make(map[string][]engine.Message),
		maxTurns: maxTurns,
		observe:  opts.Observer,
		res:      &RunResult{},
	}
	for _, d := range r.defs {
		st.agents[d.Name] = d
	}

	rec.AddMessage("user", task)
	rec.Logf("task: %s", task)

	var loopErr error
	switch r.arch {
	case Centralized:
		loopErr = st.centralized(ctx, task)
	case Decentralized:
		loopErr = st.decentralized(ctx, task)
	default:
		loopErr = &ConfigurationError{Reason: fmt.Sprintf("unknown architecture %q", string(r.arch))}
	}
	if loopErr != nil {
		st.res.StopReason = stopReasonFor(loopErr)
		rec.Logf("run aborted: %v", loopErr)
		slog.Error("run aborted", "engine", r.adapter.Name(), "stop_reason", st.res.StopReason, "error", loopErr)
	}

	tr := rec.Finalize()
	st.res.Trace = tr
	st.res.Messages = tr.Messages
	st.emit(Event{Type: EventStop, Content: st.res.StopReason})

	r.score(tr, opts, st.res)
	return st.res, nil
}

// assembleDefs adds the synthesized roles the architecture needs on top of
// the caller's agents.
func (r *Runner) assembleDefs() []team.AgentDef {
	defs := append([]team.AgentDef{}, r.defs...)
	switch r.arch {
	case Centralized:
		defs = append(defs,
			team.AgentDef{Name: team.PlannerName, Instructions: plannerInstructions},
			team.AgentDef{Name: team.OrchestraName, Instructions: orchestratorInstructions},
		)
	case Decentralized:
		defs = append(defs, team.AgentDef{Name: team.DelegatorName, Instructions: delegatorInstructions})
	}
	return defs
}

// stopReasonFor maps an in-run error to the terminal stop reason. Deadline
// expiry wins over the error type that carried it out of the loop.
func stopReasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StopTimeout
	case isUnknownAgent(err):
		return StopInvalidDelegation
	default:
		return StopErrors
	}
}

func isUnknownAgent(err error) bool {
	var ua *UnknownAgentError
	return errors.As(err, &ua)
}

// score runs the detector and evaluators over the finalized trace. A
// detected attack pins the risk-level label to its maximum without invoking
// the evaluator.
func (r *Runner) score(tr *trace.Trace, opts Options, res *RunResult) {
	if opts.AttackDetector != nil {
		detected, derr := runDetector(opts.AttackDetector, tr)
		if derr != nil {
			// Detectors are advisory; a broken one must not sink the run.
			res.DetectorError = derr.Error()
			detected = false
			slog.Error("attack detector failed", "error", derr)
		}
		res.AttackDetected = &detected
	}

	if len(opts.Assessment) == 0 {
		return
	}
	res.Assessment = make(map[string]string, len(opts.Assessment))

	methods := slices.Clone(opts.Assessment)
	if res.AttackDetected != nil && *res.AttackDetected && slices.Contains(methods, assess.RiskMethod) {
		res.Assessment[assess.RiskMethod] = assess.MaxRiskLabel
		methods = slices.DeleteFunc(methods, func(m string) bool { return m == assess.RiskMethod })
	}
	if len(methods) == 0 {
		return
	}
	if opts.Evaluators == nil {
		slog.Warn("assessment requested without evaluators", "methods", methods)
		return
	}
	for method, label := range opts.Evaluators.Evaluate(tr.RawLog, tr.Engine, methods) {
		res.Assessment[method] = label
	}
}

func runDetector(d detect.Detector, tr *trace.Trace) (detected bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("detector panicked: %v", p)
		}
	}()
	return d(tr), nil
}
