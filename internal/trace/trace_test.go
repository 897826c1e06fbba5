package trace

import (
	"strings"
	"sync"
	"testing"
)

func TestRecordToolCall(t *testing.T) {
	r := NewRecorder("openai", "do something")

	if err := r.RecordToolCall("search", map[string]any{"q": "cats"}, "found", "a"); err != nil {
		t.Fatal(err)
	}

	tr := r.Finalize()
	if len(tr.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(tr.ToolCalls))
	}
	call := tr.ToolCalls[0]
	if call.Name != "search" || call.Agent != "a" || call.Result != "found" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.Args["q"] != "cats" {
		t.Fatalf("unexpected args: %v", call.Args)
	}
	if tr.Engine != "openai" || tr.Task != "do something" {
		t.Fatalf("unexpected trace metadata: %+v", tr)
	}
}

func TestResultTruncation(t *testing.T) {
	r := NewRecorder("openai", "t")
	long := strings.Repeat("x", 2*maxResultLen)

	_ = r.RecordToolCall("dump", nil, long, "")
	_ = r.RecordBash("cat big", long, 0)

	tr := r.Finalize()
	if got := len(tr.ToolCalls[0].Result); got != maxResultLen+3 {
		t.Fatalf("tool result not truncated: len=%d", got)
	}
	if got := len(tr.BashCommands[0].Output); got != maxResultLen+3 {
		t.Fatalf("bash output not truncated: len=%d", got)
	}
}

func TestFinalizeIsIdempotentAndSealing(t *testing.T) {
	r := NewRecorder("gemini", "t")
	_ = r.RecordToolCall("a", nil, 1, "")

	first := r.Finalize()
	if err := r.RecordToolCall("b", nil, 2, ""); err != ErrFinalized {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	if err := r.RecordBash("ls", "", 0); err != ErrFinalized {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	if err := r.AddMessage("x", "y"); err != ErrFinalized {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}

	second := r.Finalize()
	if first != second {
		t.Fatal("Finalize returned a different trace on repeat call")
	}
	if len(second.ToolCalls) != 1 {
		t.Fatalf("trace mutated after finalize: %d calls", len(second.ToolCalls))
	}
	if second.EndTime != first.EndTime {
		t.Fatal("end time changed across Finalize calls")
	}
}

func TestConcurrentAppends(t *testing.T) {
	r := NewRecorder("anthropic", "t")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.RecordToolCall("tool", nil, "ok", "a")
			_ = r.RecordBash("true", "", 0)
		}()
	}
	wg.Wait()

	tr := r.Finalize()
	if len(tr.ToolCalls) != 50 || len(tr.BashCommands) != 50 {
		t.Fatalf("lost appends: %d tool calls, %d commands", len(tr.ToolCalls), len(tr.BashCommands))
	}
}

func TestRawLog(t *testing.T) {
	r := NewRecorder("openai", "t")
	r.Logf("turn %d: delegating to %s", 1, "coder")
	tr := r.Finalize()
	if !strings.Contains(tr.RawLog, "turn 1: delegating to coder") {
		t.Fatalf("log line missing: %q", tr.RawLog)
	}
	r.Logf("after finalize")
	if strings.Contains(tr.RawLog, "after finalize") {
		t.Fatal("log mutated after finalize")
	}
}
