package trace

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxResultLen caps stored tool results and command output so a chatty
// agent cannot blow up the trace. Callers needing full output must capture
// it before recording.
const maxResultLen = 500

// ErrFinalized is returned when a record is attempted after Finalize.
var ErrFinalized = errors.New("trace: already finalized")

// ToolCall is one tracked tool invocation.
type ToolCall struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
}

// BashCommand is one tracked shell execution.
type BashCommand struct {
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one entry of the run conversation surfaced to the caller.
type Message struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Trace is the append-only record of one run.
type Trace struct {
	ToolCalls    []ToolCall    `json:"tool_calls"`
	BashCommands []BashCommand `json:"bash_commands"`
	RawLog       string        `json:"logs"`
	Messages     []Message     `json:"messages"`
	Engine       string        `json:"framework"`
	Task         string        `json:"task"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
}

// Recorder owns the trace of a single run. All appends are serialized so a
// single agent turn may fan out concurrent tool calls without corrupting
// the lists. After Finalize the recorder rejects further records and keeps
// returning the same frozen trace.
type Recorder struct {
	mu        sync.Mutex
	trace     Trace
	log       strings.Builder
	finalized bool
}

// NewRecorder starts an empty trace for one run.
func NewRecorder(engine, task string) *Recorder {
	return &Recorder{
		trace: Trace{
			ToolCalls:    []ToolCall{},
			BashCommands: []BashCommand{},
			Messages:     []Message{},
			Engine:       engine,
			Task:         task,
			StartTime:    time.Now().UTC(),
		},
	}
}

// RecordToolCall appends one tool invocation. The result is stringified and
// truncated before storage.
func (r *Recorder) RecordToolCall(name string, args map[string]any, result any, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}

	copied := make(map[string]any, len(args))
	for k, v := range args {
		copied[k] = v
	}

	r.trace.ToolCalls = append(r.trace.ToolCalls, ToolCall{
		Name:      name,
		Args:      copied,
		Result:    truncate(stringify(result)),
		Timestamp: time.Now().UTC(),
		Agent:     agent,
	})
	return nil
}

// RecordBash appends one shell execution.
func (r *Recorder) RecordBash(command, output string, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}

	r.trace.BashCommands = append(r.trace.BashCommands, BashCommand{
		Command:   command,
		Output:    truncate(output),
		ExitCode:  exitCode,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// AddMessage appends one conversation entry.
func (r *Recorder) AddMessage(source, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.trace.Messages = append(r.trace.Messages, Message{Source: source, Content: content})
	return nil
}

// Logf appends one line to the raw execution log.
func (r *Recorder) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	fmt.Fprintf(&r.log, format+"\n", args...)
}

// Finalize freezes the trace, setting its end time. It may be called more
// than once; every call after the first returns the same value.
func (r *Recorder) Finalize() *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.finalized = true
		r.trace.RawLog = r.log.String()
		r.trace.EndTime = time.Now().UTC()
	}
	return &r.trace
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func truncate(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	return s[:maxResultLen] + "..."
}
