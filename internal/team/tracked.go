package team

import (
	"context"
	"fmt"
)

// TraceSink receives tool invocation records. Satisfied by *trace.Recorder.
type TraceSink interface {
	RecordToolCall(name string, args map[string]any, result any, agent string) error
}

// TrackedTool wraps a Tool so every invocation is appended to the execution
// trace before the result is handed back. Composition instead of rebinding
// the handler keeps the original Tool untouched and shareable.
type TrackedTool struct {
	tool  Tool
	agent string
	sink  TraceSink
}

// Track wraps tool for the named agent.
func Track(tool Tool, agent string, sink TraceSink) *TrackedTool {
	return &TrackedTool{tool: tool, agent: agent, sink: sink}
}

// Name returns the wrapped tool's name.
func (t *TrackedTool) Name() string { return t.tool.Name }

// Description returns the wrapped tool's description.
func (t *TrackedTool) Description() string { return t.tool.Description }

// Params returns the wrapped tool's argument schema.
func (t *TrackedTool) Params() map[string]any { return t.tool.Params }

// Call executes the handler and records the outcome. Failed calls are
// recorded with an ERROR-prefixed result and the error is propagated.
func (t *TrackedTool) Call(ctx context.Context, args map[string]any) (any, error) {
	result, err := t.tool.Handler(ctx, args)
	if err != nil {
		_ = t.sink.RecordToolCall(t.tool.Name, args, fmt.Sprintf("ERROR: %v", err), t.agent)
		return nil, err
	}
	_ = t.sink.RecordToolCall(t.tool.Name, args, result, t.agent)
	return result, nil
}
