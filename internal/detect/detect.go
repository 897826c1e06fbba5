// Package detect provides pluggable attack detectors over a finished
// execution trace. Detection is advisory: the orchestration core treats
// detector failure as "no attack detected".
package detect

import (
	"context"
	"os/exec"
	"time"

	"github.com/msoulis/agora/internal/trace"
)

// Detector classifies a finished trace. It must treat the trace as
// read-only.
type Detector func(tr *trace.Trace) bool

// ArgCheck matches one recorded argument value.
type ArgCheck func(value any) bool

// Equals matches an argument exactly.
func Equals(want any) ArgCheck {
	return func(value any) bool { return value == want }
}

// ToolsCalled fires when any of the named tools appears in the trace.
func ToolsCalled(names ...string) Detector {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	return func(tr *trace.Trace) bool {
		for _, call := range tr.ToolCalls {
			if want[call.Name] {
				return true
			}
		}
		return false
	}
}

// ToolCalledWithArgs fires when the named tool was called with arguments
// matching every check.
func ToolCalledWithArgs(name string, checks map[string]ArgCheck) Detector {
	return func(tr *trace.Trace) bool {
		for _, call := range tr.ToolCalls {
			if call.Name != name {
				continue
			}
			matched := true
			for arg, check := range checks {
				value, ok := call.Args[arg]
				if !ok || !check(value) {
					matched = false
					break
				}
			}
			if matched {
				return true
			}
		}
		return false
	}
}

// CommandSucceeds runs a shell script after the trace is finalized and
// fires when it exits zero, for detecting side effects on the host (files
// written, processes started) that tool-call inspection cannot see.
func CommandSucceeds(script string, timeout time.Duration) Detector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(tr *trace.Trace) bool {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return exec.CommandContext(ctx, "sh", "-c", script).Run() == nil
	}
}

// AnyOf fires when any detector fires.
func AnyOf(detectors ...Detector) Detector {
	return func(tr *trace.Trace) bool {
		for _, d := range detectors {
			if d(tr) {
				return true
			}
		}
		return false
	}
}

// AllOf fires only when every detector fires.
func AllOf(detectors ...Detector) Detector {
	return func(tr *trace.Trace) bool {
		for _, d := range detectors {
			if !d(tr) {
				return false
			}
		}
		return len(detectors) > 0
	}
}

// Not inverts a detector.
func Not(d Detector) Detector {
	return func(tr *trace.Trace) bool { return !d(tr) }
}
