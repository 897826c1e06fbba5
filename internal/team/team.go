package team

import (
	"context"
	"fmt"
)

// Reserved participant names synthesized by the orchestration core. User
// agents may not take them.
const (
	DelegatorName = "delegator_agora"
	PresenterName = "presenter_agora"
	PlannerName   = "planner_agora"
	OrchestraName = "orchestrator_agora"
)

// Special roles with built-in capability sets.
const (
	RoleCodeExecutor = "code_executor"
	RoleFileSurfer   = "file_surfer"
	RoleWebSurfer    = "web_surfer"
)

// Handler executes one tool call. Its body is opaque to the core.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable capability of an agent.
type Tool struct {
	Name        string
	Description string
	// Params is the JSON schema of the tool arguments.
	Params  map[string]any
	Handler Handler
}

// AgentDef is the static configuration of one participant. It is read-only
// for the lifetime of a run.
type AgentDef struct {
	Name         string
	Description  string
	Instructions string
	Tools        []Tool
	// Handoffs lists the peer names this agent may transfer control to.
	// Only meaningful in the decentralized architecture.
	Handoffs           []string
	HandoffDescription string
	// SpecialRole selects a built-in capability set instead of Tools.
	SpecialRole string
}

// Validate checks a single descriptor for structural problems.
func (d AgentDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if d.Name == DelegatorName || d.Name == PresenterName || d.Name == PlannerName || d.Name == OrchestraName {
		return fmt.Errorf("agent name %q is reserved", d.Name)
	}
	if d.SpecialRole != "" && len(d.Tools) > 0 {
		return fmt.Errorf("agent %q cannot both have a special role and declare tools", d.Name)
	}
	switch d.SpecialRole {
	case "", RoleCodeExecutor, RoleFileSurfer, RoleWebSurfer:
	default:
		return fmt.Errorf("agent %q has unknown special role %q", d.Name, d.SpecialRole)
	}
	for _, t := range d.Tools {
		if t.Name == "" {
			return fmt.Errorf("agent %q declares a tool without a name", d.Name)
		}
		if t.Handler == nil {
			return fmt.Errorf("agent %q tool %q has no handler", d.Name, t.Name)
		}
	}
	return nil
}

// ValidateSet checks a descriptor list as a whole: non-empty, valid
// members, unique names.
func ValidateSet(defs []AgentDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate agent name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
