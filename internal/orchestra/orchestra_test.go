package orchestra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msoulis/agora/internal/assess"
	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/team"
	"github.com/msoulis/agora/internal/trace"
)

// stubAdapter scripts engine replies by the system prompt of the incoming
// request, which identifies the agent being invoked.
type stubAdapter struct {
	mu      sync.Mutex
	handler func(ctx context.Context, req *engine.ChatRequest) (*engine.Message, error)
	calls   []*engine.ChatRequest
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Chat(ctx context.Context, req *engine.ChatRequest) (*engine.Message, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.handler(ctx, req)
}

// callsFor returns the requests addressed to the agent with the given
// instructions, in order.
func (s *stubAdapter) callsFor(instructions string) []*engine.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.ChatRequest
	for _, c := range s.calls {
		if c.System == instructions {
			out = append(out, c)
		}
	}
	return out
}

func reply(text string) (*engine.Message, error) {
	return &engine.Message{Role: engine.RoleAssistant, Text: text}, nil
}

func toolCall(name string, args map[string]any) (*engine.Message, error) {
	return &engine.Message{
		Role:      engine.RoleAssistant,
		ToolCalls: []engine.ToolCall{{ID: "c1", Name: name, Args: args}},
	}, nil
}

func transfer(target, payload string) (*engine.Message, error) {
	return toolCall(engine.HandoffPrefix+target, map[string]any{"payload": payload})
}

func noopTool(name string) team.Tool {
	return team.Tool{
		Name:        name,
		Description: "test tool",
		Handler: func(context.Context, map[string]any) (any, error) {
			return "ok", nil
		},
	}
}

func decisionJSON(target, task string) string {
	return fmt.Sprintf(`{"delegate_to": %q, "delegate_task": %q, "done": false, "stop_reason": ""}`, target, task)
}

const (
	instrA = "you are agent a"
	instrB = "you are agent b"
	instrC = "you are agent c"
)

func centralizedDefs() []team.AgentDef {
	return []team.AgentDef{
		{Name: "agent_a", Description: "does step one", Instructions: instrA, Tools: []team.Tool{noopTool("tool_a")}},
		{Name: "agent_b", Description: "does step two", Instructions: instrB, Tools: []team.Tool{noopTool("tool_b")}},
		{Name: "agent_c", Description: "never needed", Instructions: instrC, Tools: []team.Tool{noopTool("tool_c")}},
	}
}

// workerReply makes an agent call its tool once and then state its output.
func workerReply(req *engine.ChatRequest, tool, output string) (*engine.Message, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == engine.RoleTool {
		return reply(output)
	}
	return toolCall(tool, map[string]any{"step": "go"})
}

func TestCentralizedScenario(t *testing.T) {
	var orchTurns int
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("1. step1 (agent_a)\n2. step2 (agent_b)")
		case orchestratorInstructions:
			orchTurns++
			switch orchTurns {
			case 1:
				return reply(decisionJSON("agent_a", "step1"))
			case 2:
				return reply(decisionJSON("agent_b", "step2"))
			default:
				return reply(`{"delegate_to": "", "delegate_task": "", "done": true, "stop_reason": "all steps complete"}`)
			}
		case instrA:
			return workerReply(req, "tool_a", "a finished step1")
		case instrB:
			return workerReply(req, "tool_b", "b finished step2")
		}
		t.Errorf("unexpected invocation with instructions %q", req.System)
		return reply("")
	}}

	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "do both steps", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StopReason != "all steps complete" {
		t.Errorf("stop reason = %q, want orchestrator's own text", res.StopReason)
	}
	if len(res.Delegations) != 3 {
		t.Fatalf("delegations = %d, want 3", len(res.Delegations))
	}
	if !res.Delegations[2].Done {
		t.Error("third delegation record must carry done")
	}

	var names []string
	for _, tc := range res.Trace.ToolCalls {
		names = append(names, tc.Name)
		if tc.Agent == "agent_c" {
			t.Errorf("tool call from agent_c: %+v", tc)
		}
	}
	if len(names) != 2 || names[0] != "tool_a" || names[1] != "tool_b" {
		t.Errorf("trace tool calls = %v, want [tool_a tool_b]", names)
	}
	if calls := stub.callsFor(instrC); len(calls) != 0 {
		t.Errorf("agent_c was invoked %d times, its context must stay empty", len(calls))
	}
	if res.Trace.EndTime.IsZero() {
		t.Error("trace not finalized")
	}
}

func TestCentralizedMessageLocality(t *testing.T) {
	var orchTurns int
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("secret plan mentioning everything")
		case orchestratorInstructions:
			orchTurns++
			if orchTurns == 1 {
				return reply(decisionJSON("agent_a", "only this text"))
			}
			return reply(`{"done": true, "stop_reason": "done"}`)
		case instrA:
			return reply("done it")
		}
		return reply("")
	}}

	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := runner.Run(context.Background(), "the raw task", Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := stub.callsFor(instrA)
	if len(calls) != 1 {
		t.Fatalf("agent_a invoked %d times, want 1", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 1 || msgs[0].Text != "only this text" {
		t.Fatalf("agent_a context = %+v, want exactly the delegated text", msgs)
	}
	for _, m := range msgs {
		if strings.Contains(m.Text, "the raw task") || strings.Contains(m.Text, "secret plan") {
			t.Errorf("delegated context leaked non-delegated text: %q", m.Text)
		}
	}
	if calls := stub.callsFor(instrB); len(calls) != 0 {
		t.Errorf("agent_b context changed without a delegation targeting it")
	}
}

func TestCentralizedTurnBudget(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("loop forever")
		case orchestratorInstructions:
			return reply(decisionJSON("agent_a", "again"))
		case instrA:
			return reply("did it again")
		}
		return reply("")
	}}

	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "task", Options{MaxTurns: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopMaxTurns {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopMaxTurns)
	}
	if len(res.Delegations) != 4 {
		t.Errorf("delegations = %d, want exactly the budget", len(res.Delegations))
	}
}

func TestCentralizedUnknownTargetIsFatal(t *testing.T) {
	var orchTurns int
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("plan")
		case orchestratorInstructions:
			orchTurns++
			if orchTurns == 1 {
				return reply(decisionJSON("agent_a", "step1"))
			}
			return reply(decisionJSON("ghost", "step2"))
		case instrA:
			return workerReply(req, "tool_a", "a done")
		}
		return reply("")
	}}

	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "task", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopInvalidDelegation {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopInvalidDelegation)
	}
	if len(res.Delegations) != 2 {
		t.Errorf("delegations = %d, want rounds completed before the failure", len(res.Delegations))
	}
	if len(res.Trace.ToolCalls) != 1 || res.Trace.ToolCalls[0].Name != "tool_a" {
		t.Errorf("trace must keep prior rounds, got %+v", res.Trace.ToolCalls)
	}
	if res.Trace.EndTime.IsZero() {
		t.Error("trace not finalized after fatal delegation")
	}
}

func TestCentralizedUnparseableDecision(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("plan")
		case orchestratorInstructions:
			return reply("I am not sure what to do next.")
		}
		return reply("")
	}}

	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "task", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopErrors {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopErrors)
	}
	if res.Trace.EndTime.IsZero() {
		t.Error("trace not finalized")
	}
}

func decentralizedDefs() []team.AgentDef {
	return []team.AgentDef{
		{Name: "agent_a", Instructions: instrA, Tools: []team.Tool{noopTool("tool_a")}, Handoffs: []string{"agent_b"}},
		{Name: "agent_b", Instructions: instrB, Tools: []team.Tool{noopTool("tool_b")}, Handoffs: []string{"agent_a"}},
	}
}

func TestDecentralizedTurnBudget(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case delegatorInstructions:
			return transfer("agent_a", "start with this")
		case instrA:
			return transfer("agent_b", "your turn")
		case instrB:
			return transfer("agent_a", "back to you")
		}
		return reply("")
	}}

	runner, err := New(stub, decentralizedDefs(), Decentralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "negotiate", Options{MaxTurns: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopMaxTurns {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopMaxTurns)
	}
	if len(res.Handoffs) != 5 {
		t.Fatalf("handoffs = %d, want exactly 5", len(res.Handoffs))
	}
	if res.Handoffs[0].From != team.DelegatorName || res.Handoffs[0].To != "agent_a" {
		t.Errorf("first handoff = %+v, want delegator -> agent_a", res.Handoffs[0])
	}
	for i, h := range res.Handoffs {
		if h.Round != i+1 {
			t.Errorf("handoff %d has round %d", i, h.Round)
		}
	}
}

func TestDecentralizedPresenterEndsRun(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case delegatorInstructions:
			return transfer("agent_a", "solve it")
		case instrA:
			return transfer(team.PresenterName, "the final answer")
		}
		return reply("")
	}}

	runner, err := New(stub, decentralizedDefs(), Decentralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "solve", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopCompleted {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopCompleted)
	}
	if res.FinalOutput != "the final answer" {
		t.Errorf("final output = %q, want the presenter payload", res.FinalOutput)
	}
	if len(res.Handoffs) != 2 {
		t.Errorf("handoffs = %d, want 2", len(res.Handoffs))
	}
}

func TestDecentralizedLocality(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case delegatorInstructions:
			return transfer("agent_a", "only the payload")
		case instrA:
			return transfer(team.PresenterName, "done")
		}
		return reply("")
	}}

	runner, err := New(stub, decentralizedDefs(), Decentralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := runner.Run(context.Background(), "the raw task", Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := stub.callsFor(instrA)
	if len(calls) != 1 {
		t.Fatalf("agent_a invoked %d times, want 1", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 1 || msgs[0].Text != "only the payload" {
		t.Fatalf("agent_a context = %+v, want exactly the handoff payload", msgs)
	}
	if calls := stub.callsFor(instrB); len(calls) != 0 {
		t.Error("agent_b was invoked without a handoff targeting it")
	}
}

func TestDecentralizedNudgeThenError(t *testing.T) {
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case delegatorInstructions:
			return transfer("agent_a", "go")
		case instrA:
			return reply("I refuse to transfer.")
		}
		return reply("")
	}}

	runner, err := New(stub, decentralizedDefs(), Decentralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "task", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopErrors {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopErrors)
	}
	if calls := stub.callsFor(instrA); len(calls) != 2 {
		t.Errorf("agent_a invoked %d times, want a single nudge retry", len(calls))
	}
}

func quickDoneRunner(t *testing.T) *Runner {
	t.Helper()
	stub := &stubAdapter{handler: func(_ context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		switch req.System {
		case plannerInstructions:
			return reply("plan")
		case orchestratorInstructions:
			return reply(`{"done": true, "stop_reason": "nothing to do"}`)
		}
		return reply("")
	}}
	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return runner
}

func TestAttackShortCircuitsRiskEvaluator(t *testing.T) {
	var ariaCalls int
	reg := assess.NewRegistry()
	reg.Register(assess.RiskMethod, func(string, string) (string, error) {
		ariaCalls++
		return "0", nil
	})
	reg.Register(assess.HarmMethod, assess.Static("none"))

	res, err := quickDoneRunner(t).Run(context.Background(), "task", Options{
		AttackDetector: func(*trace.Trace) bool { return true },
		Assessment:     []string{assess.RiskMethod, assess.HarmMethod},
		Evaluators:     reg,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AttackDetected == nil || !*res.AttackDetected {
		t.Fatal("attack not reported")
	}
	if got := res.Assessment[assess.RiskMethod]; got != assess.MaxRiskLabel {
		t.Errorf("risk label = %q, want %q", got, assess.MaxRiskLabel)
	}
	if ariaCalls != 0 {
		t.Errorf("risk evaluator invoked %d times despite detected attack", ariaCalls)
	}
	if got := res.Assessment[assess.HarmMethod]; got != "none" {
		t.Errorf("harm label = %q, want none", got)
	}
}

func TestDetectorFailOpen(t *testing.T) {
	res, err := quickDoneRunner(t).Run(context.Background(), "task", Options{
		AttackDetector: func(*trace.Trace) bool { panic("broken detector") },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AttackDetected == nil || *res.AttackDetected {
		t.Error("detector failure must read as no attack")
	}
	if res.DetectorError == "" {
		t.Error("detector error not captured")
	}
	if res.StopReason != "nothing to do" {
		t.Errorf("stop reason = %q, detector failure must not change it", res.StopReason)
	}
}

func TestRunTimeout(t *testing.T) {
	stub := &stubAdapter{handler: func(ctx context.Context, req *engine.ChatRequest) (*engine.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	runner, err := New(stub, centralizedDefs(), Centralized)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := runner.Run(context.Background(), "task", Options{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopTimeout {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopTimeout)
	}
	if res.Trace.EndTime.IsZero() {
		t.Error("trace not finalized after timeout")
	}
}

func TestNewConfigurationErrors(t *testing.T) {
	adapter := &stubAdapter{handler: func(_ context.Context, _ *engine.ChatRequest) (*engine.Message, error) {
		return reply("")
	}}
	tests := []struct {
		name string
		defs []team.AgentDef
		arch Architecture
	}{
		{"empty set", nil, Centralized},
		{"peers in centralized", []team.AgentDef{
			{Name: "a", Instructions: "x", Handoffs: []string{"b"}},
			{Name: "b", Instructions: "x"},
		}, Centralized},
		{"missing peers in decentralized", []team.AgentDef{
			{Name: "a", Instructions: "x"},
		}, Decentralized},
		{"unknown peer", []team.AgentDef{
			{Name: "a", Instructions: "x", Handoffs: []string{"ghost"}},
		}, Decentralized},
		{"reserved name", []team.AgentDef{
			{Name: team.PresenterName, Instructions: "x"},
		}, Centralized},
		{"unresolved special role", []team.AgentDef{
			{Name: "a", Instructions: "x", SpecialRole: team.RoleFileSurfer},
		}, Centralized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(adapter, tt.defs, tt.arch)
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("New() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestParseArchitecture(t *testing.T) {
	if a, err := ParseArchitecture("centralized"); err != nil || a != Centralized {
		t.Errorf("ParseArchitecture(centralized) = %v, %v", a, err)
	}
	if a, err := ParseArchitecture("decentralized"); err != nil || a != Decentralized {
		t.Errorf("ParseArchitecture(decentralized) = %v, %v", a, err)
	}
	if _, err := ParseArchitecture("federated"); err == nil {
		t.Error("ParseArchitecture(federated) succeeded")
	}
}

func TestParseDecision(t *testing.T) {
	dec, err := parseDecision("Sure, here it is:\n```json\n{\"delegate_to\": \"a\", \"delegate_task\": \"t\", \"done\": false}\n```")
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.DelegateTo != "a" || dec.DelegateTask != "t" || dec.Done {
		t.Errorf("decision = %+v", dec)
	}
	if _, err := parseDecision("no json here"); err == nil {
		t.Error("expected error for non-JSON reply")
	}
}
