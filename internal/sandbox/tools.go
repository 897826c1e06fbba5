package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/msoulis/agora/internal/team"
)

// Execer runs one shell command and reports its output and exit code.
type Execer interface {
	Exec(ctx context.Context, command string) (string, int, error)
}

// BashRecorder receives every executed command for the run trace.
type BashRecorder interface {
	RecordBash(command, output string, exitCode int) error
}

// Tools returns the capability set of the code executor role. Every command
// is recorded before its result is handed back to the agent.
func Tools(exec Execer, rec BashRecorder) []team.Tool {
	return []team.Tool{{
		Name:        "execute_bash",
		Description: "Run a shell command in the sandboxed execution environment and return its output.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "The shell command to run."},
			},
			"required": []any{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			output, exitCode, err := exec.Exec(ctx, command)
			if recErr := rec.RecordBash(command, output, exitCode); recErr != nil {
				slog.Warn("bash command not recorded", "error", recErr)
			}
			if err != nil {
				return nil, fmt.Errorf("execute %q: %w", command, err)
			}
			if exitCode != 0 {
				return fmt.Sprintf("exit status %d\n%s", exitCode, output), nil
			}
			return output, nil
		},
	}}
}
