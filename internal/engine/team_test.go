package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/msoulis/agora/internal/team"
	"github.com/msoulis/agora/internal/trace"
)

// scriptedAdapter replays canned replies in order.
type scriptedAdapter struct {
	replies []Message
	calls   int
	lastReq *ChatRequest
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Chat(ctx context.Context, req *ChatRequest) (*Message, error) {
	s.lastReq = req
	if s.calls >= len(s.replies) {
		return &Message{Role: RoleAssistant, Text: "out of script"}, nil
	}
	reply := s.replies[s.calls]
	s.calls++
	return &reply, nil
}

func echoTool() team.Tool {
	return team.Tool{
		Name:        "echo",
		Description: "Echo the input.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestInvokeToolLoop(t *testing.T) {
	adapter := &scriptedAdapter{replies: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "echo", Args: map[string]any{"text": "ping"}}}},
		{Role: RoleAssistant, Text: "final answer"},
	}}
	rec := trace.NewRecorder("scripted", "t")
	tm, err := NewTeam(adapter, []team.AgentDef{{Name: "a", Instructions: "do it", Tools: []team.Tool{echoTool()}}}, rec)
	if err != nil {
		t.Fatal(err)
	}

	res, err := tm.Invoke(context.Background(), "a", []Message{{Role: RoleUser, Text: "go"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "final answer" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	// user, assistant tool call, tool response, assistant final
	if len(res.Messages) != 4 {
		t.Fatalf("expected 4 history messages, got %d", len(res.Messages))
	}
	tr := rec.Finalize()
	if len(tr.ToolCalls) != 1 || tr.ToolCalls[0].Agent != "a" || tr.ToolCalls[0].Result != "ping" {
		t.Fatalf("tool call not tracked: %+v", tr.ToolCalls)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	adapter := &scriptedAdapter{replies: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "nonexistent"}}},
		{Role: RoleAssistant, Text: "recovered"},
	}}
	rec := trace.NewRecorder("scripted", "t")
	tm, _ := NewTeam(adapter, []team.AgentDef{{Name: "a"}}, rec)

	res, err := tm.Invoke(context.Background(), "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "recovered" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	toolMsg := res.Messages[1]
	if toolMsg.ToolResponse == nil || !strings.Contains(toolMsg.ToolResponse.Result, "unknown tool") {
		t.Fatalf("expected unknown tool response, got %+v", toolMsg)
	}
}

func TestInvokeUnknownAgent(t *testing.T) {
	tm, _ := NewTeam(&scriptedAdapter{}, []team.AgentDef{{Name: "a"}}, trace.NewRecorder("scripted", "t"))
	if _, err := tm.Invoke(context.Background(), "ghost", nil); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestInvokeWithHandoffsInterceptsTransfer(t *testing.T) {
	adapter := &scriptedAdapter{replies: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:   "1",
			Name: HandoffPrefix + "b",
			Args: map[string]any{"payload": "take over"},
		}}},
	}}
	rec := trace.NewRecorder("scripted", "t")
	tm, _ := NewTeam(adapter, []team.AgentDef{{Name: "a"}, {Name: "b"}}, rec)

	res, err := tm.InvokeWithHandoffs(context.Background(), "a", nil, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Handoff == nil || res.Handoff.Target != "b" || res.Handoff.Payload != "take over" {
		t.Fatalf("unexpected handoff: %+v", res.Handoff)
	}
	// Transfer tools must be declared to the model.
	found := false
	for _, decl := range adapter.lastReq.Tools {
		if decl.Name == HandoffPrefix+"b" {
			found = true
		}
	}
	if !found {
		t.Fatal("transfer tool not declared")
	}
	// The transfer itself is not a tracked tool call.
	if tr := rec.Finalize(); len(tr.ToolCalls) != 0 {
		t.Fatalf("handoff leaked into tool calls: %+v", tr.ToolCalls)
	}
}

func TestInvokeToolRoundBudget(t *testing.T) {
	replies := make([]Message, maxToolRounds+1)
	for i := range replies {
		replies[i] = Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "echo", Args: map[string]any{"text": "x"}}}}
	}
	tm, _ := NewTeam(&scriptedAdapter{replies: replies},
		[]team.AgentDef{{Name: "a", Tools: []team.Tool{echoTool()}}},
		trace.NewRecorder("scripted", "t"))

	if _, err := tm.Invoke(context.Background(), "a", nil); err == nil || !strings.Contains(err.Error(), "tool rounds") {
		t.Fatalf("expected tool round budget error, got %v", err)
	}
}
