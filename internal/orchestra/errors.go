package orchestra

import "fmt"

// Stop reasons reported on every finished run.
const (
	StopCompleted         = "completed"
	StopMaxTurns          = "max_turns_exceeded"
	StopInvalidDelegation = "invalid_delegation"
	StopErrors            = "errors"
	StopTimeout           = "timeout"
)

// ConfigurationError reports a bad agent or strategy setup. It is raised
// before any run starts, so no partial trace exists.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "orchestra: " + e.Reason
}

// UnknownAgentError reports a delegation or handoff naming an agent that is
// not part of the team. It is fatal to the run.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("orchestra: unknown agent %q", e.Name)
}

// EngineInvocationError reports a failed engine call during a run.
type EngineInvocationError struct {
	Agent string
	Err   error
}

func (e *EngineInvocationError) Error() string {
	return fmt.Sprintf("orchestra: invoking %q: %v", e.Agent, e.Err)
}

func (e *EngineInvocationError) Unwrap() error { return e.Err }
