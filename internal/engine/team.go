package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/msoulis/agora/internal/team"
)

// HandoffPrefix names the synthetic transfer tools exposed to agents in the
// decentralized architecture.
const HandoffPrefix = "transfer_to_"

// maxToolRounds bounds the internal tool loop of a single agent turn.
const maxToolRounds = 16

// Team is the engine-native instantiation of one agent set. It owns the
// tracked tool wrappers; the per-agent conversation state stays with the
// orchestration core.
type Team struct {
	adapter Adapter
	agents  map[string]*nativeAgent
}

type nativeAgent struct {
	def   team.AgentDef
	tools map[string]*team.TrackedTool
	decls []ToolDecl
}

// NewTeam instantiates defs against the adapter, wrapping every tool for
// trace tracking.
func NewTeam(adapter Adapter, defs []team.AgentDef, sink team.TraceSink) (*Team, error) {
	t := &Team{adapter: adapter, agents: make(map[string]*nativeAgent, len(defs))}
	for _, def := range defs {
		if _, ok := t.agents[def.Name]; ok {
			return nil, fmt.Errorf("engine: duplicate agent %q", def.Name)
		}
		na := &nativeAgent{
			def:   def,
			tools: make(map[string]*team.TrackedTool, len(def.Tools)),
			decls: make([]ToolDecl, 0, len(def.Tools)),
		}
		for _, tool := range def.Tools {
			tracked := team.Track(tool, def.Name, sink)
			na.tools[tool.Name] = tracked
			na.decls = append(na.decls, ToolDecl{Name: tool.Name, Description: tool.Description, Params: tool.Params})
		}
		t.agents[def.Name] = na
	}
	return t, nil
}

// Has reports whether the team contains the named agent.
func (t *Team) Has(name string) bool {
	_, ok := t.agents[name]
	return ok
}

// Handoff is an agent's decision to transfer control to a peer, carrying
// only the payload it chose to pass along.
type Handoff struct {
	Target  string
	Payload string
}

// InvokeResult is the outcome of one agent turn.
type InvokeResult struct {
	// Output is the agent's final stated output for this turn.
	Output string
	// Messages is the updated private history, including intermediate
	// tool turns. It must only ever be appended back to the same agent's
	// context.
	Messages []Message
	// Handoff is set when the turn ended with a control transfer.
	Handoff *Handoff
}

// Invoke runs one turn of the named agent over its private history,
// executing any tool calls through the tracked wrappers until the agent
// produces plain output.
func (t *Team) Invoke(ctx context.Context, name string, history []Message) (*InvokeResult, error) {
	return t.invoke(ctx, name, history, nil)
}

// InvokeWithHandoffs is Invoke plus synthetic transfer tools for each peer.
// A transfer call ends the turn immediately.
func (t *Team) InvokeWithHandoffs(ctx context.Context, name string, history []Message, peers []string) (*InvokeResult, error) {
	return t.invoke(ctx, name, history, peers)
}

func (t *Team) invoke(ctx context.Context, name string, history []Message, peers []string) (*InvokeResult, error) {
	na, ok := t.agents[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown agent %q", name)
	}

	decls := na.decls
	if len(peers) > 0 {
		decls = append(append([]ToolDecl{}, na.decls...), handoffDecls(peers)...)
	}

	messages := append([]Message{}, history...)
	for round := 0; round < maxToolRounds; round++ {
		reply, err := t.adapter.Chat(ctx, &ChatRequest{
			System:   na.def.Instructions,
			Messages: messages,
			Tools:    decls,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: invoke %q: %w", name, err)
		}
		messages = append(messages, *reply)

		if handoff := firstHandoff(reply.ToolCalls); handoff != nil {
			return &InvokeResult{Output: reply.Text, Messages: messages, Handoff: handoff}, nil
		}
		if len(reply.ToolCalls) == 0 {
			return &InvokeResult{Output: reply.Text, Messages: messages}, nil
		}

		// One model turn may fan out several tool calls; run them
		// concurrently, the recorder serializes the appends.
		responses := make([]Message, len(reply.ToolCalls))
		var wg sync.WaitGroup
		for i, call := range reply.ToolCalls {
			wg.Add(1)
			go func(i int, call ToolCall) {
				defer wg.Done()
				responses[i] = Message{Role: RoleTool, ToolResponse: na.execute(ctx, call)}
			}(i, call)
		}
		wg.Wait()
		messages = append(messages, responses...)
	}

	return nil, fmt.Errorf("engine: agent %q exceeded %d tool rounds", name, maxToolRounds)
}

func (na *nativeAgent) execute(ctx context.Context, call ToolCall) *ToolResponse {
	resp := &ToolResponse{ID: call.ID, Name: call.Name}
	tool, ok := na.tools[call.Name]
	if !ok {
		resp.Result = fmt.Sprintf("ERROR: unknown tool %q", call.Name)
		return resp
	}
	result, err := tool.Call(ctx, call.Args)
	if err != nil {
		resp.Result = fmt.Sprintf("ERROR: %v", err)
		return resp
	}
	resp.Result = fmt.Sprintf("%v", result)
	return resp
}

func handoffDecls(peers []string) []ToolDecl {
	out := make([]ToolDecl, 0, len(peers))
	for _, peer := range peers {
		out = append(out, ToolDecl{
			Name:        HandoffPrefix + peer,
			Description: fmt.Sprintf("Transfer control to %s. Include everything they need in the payload; they cannot see this conversation.", peer),
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"payload": map[string]any{"type": "string", "description": "Information to pass along with the transfer."},
				},
				"required": []any{"payload"},
			},
		})
	}
	return out
}

func firstHandoff(calls []ToolCall) *Handoff {
	for _, call := range calls {
		if !strings.HasPrefix(call.Name, HandoffPrefix) {
			continue
		}
		payload, _ := call.Args["payload"].(string)
		return &Handoff{Target: strings.TrimPrefix(call.Name, HandoffPrefix), Payload: payload}
	}
	return nil
}
