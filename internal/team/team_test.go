package team

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noop(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }

func TestValidateSet(t *testing.T) {
	tests := []struct {
		name    string
		defs    []AgentDef
		wantErr string
	}{
		{"empty", nil, "at least one agent"},
		{"reserved name", []AgentDef{{Name: PresenterName}}, "reserved"},
		{"duplicate", []AgentDef{{Name: "a"}, {Name: "a"}}, "duplicate"},
		{"special with tools", []AgentDef{{Name: "a", SpecialRole: RoleCodeExecutor, Tools: []Tool{{Name: "t", Handler: noop}}}}, "special role"},
		{"unknown role", []AgentDef{{Name: "a", SpecialRole: "web_wizard"}}, "unknown special role"},
		{"tool without handler", []AgentDef{{Name: "a", Tools: []Tool{{Name: "t"}}}}, "no handler"},
		{"ok", []AgentDef{{Name: "a", Tools: []Tool{{Name: "t", Handler: noop}}}, {Name: "b"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSet(tt.defs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

type sinkCall struct {
	name   string
	result any
	agent  string
}

type fakeSink struct {
	calls []sinkCall
}

func (s *fakeSink) RecordToolCall(name string, args map[string]any, result any, agent string) error {
	s.calls = append(s.calls, sinkCall{name, result, agent})
	return nil
}

func TestTrackedToolRecordsSuccess(t *testing.T) {
	sink := &fakeSink{}
	tracked := Track(Tool{Name: "echo", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}}, "worker", sink)

	out, err := tracked.Call(context.Background(), map[string]any{"text": "hi"})
	if err != nil || out != "hi" {
		t.Fatalf("unexpected result: %v, %v", out, err)
	}
	if len(sink.calls) != 1 || sink.calls[0].agent != "worker" || sink.calls[0].result != "hi" {
		t.Fatalf("unexpected recorded calls: %+v", sink.calls)
	}
}

func TestTrackedToolRecordsFailure(t *testing.T) {
	sink := &fakeSink{}
	boom := errors.New("boom")
	tracked := Track(Tool{Name: "bad", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, boom
	}}, "worker", sink)

	if _, err := tracked.Call(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("failed call not recorded")
	}
	if got, ok := sink.calls[0].result.(string); !ok || !strings.HasPrefix(got, "ERROR:") {
		t.Fatalf("expected ERROR result, got %v", sink.calls[0].result)
	}
}

func TestFileSurferConfinement(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tools := FileSurferTools(root)
	byName := map[string]Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	out, err := byName["read_file"].Handler(context.Background(), map[string]any{"path": "notes.txt"})
	if err != nil || out != "hello" {
		t.Fatalf("read_file: %v, %v", out, err)
	}

	listing, err := byName["list_directory"].Handler(context.Background(), map[string]any{"path": "."})
	if err != nil || !strings.Contains(listing.(string), "notes.txt") {
		t.Fatalf("list_directory: %v, %v", listing, err)
	}

	// Traversal is clamped to the root, so this resolves inside it and
	// simply fails to exist rather than escaping.
	if _, err := byName["read_file"].Handler(context.Background(), map[string]any{"path": "../../etc/passwd"}); err == nil {
		t.Fatal("expected traversal read to fail")
	}
}
