package orchestra

import (
	"fmt"

	"github.com/msoulis/agora/internal/team"
)

// Architecture selects the coordination topology of a run. It is fixed at
// team construction and never changes during a run.
type Architecture string

const (
	// Centralized adds a planner and an orchestrator that dispatch the
	// supplied agents one delegation at a time.
	Centralized Architecture = "centralized"
	// Decentralized lets agents transfer control to declared peers
	// directly, starting from a delegator and ending at the presenter.
	Decentralized Architecture = "decentralized"
)

// Turn budgets applied when the caller does not set one. Handoffs are finer
// grained than delegations, so the decentralized default is higher.
const (
	DefaultMaxTurns              = 30
	DefaultMaxTurnsDecentralized = 40
)

// ParseArchitecture converts a configuration string.
func ParseArchitecture(s string) (Architecture, error) {
	switch Architecture(s) {
	case Centralized, Decentralized:
		return Architecture(s), nil
	}
	return "", &ConfigurationError{Reason: fmt.Sprintf("unknown architecture %q", s)}
}

func (a Architecture) defaultMaxTurns() int {
	if a == Decentralized {
		return DefaultMaxTurnsDecentralized
	}
	return DefaultMaxTurns
}

// validate checks the descriptor set against the topology's rules.
func (a Architecture) validate(defs []team.AgentDef) error {
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}

	switch a {
	case Centralized:
		for _, d := range defs {
			if len(d.Handoffs) > 0 {
				return &ConfigurationError{Reason: fmt.Sprintf(
					"agent %q declares handoffs, which only the decentralized architecture supports", d.Name)}
			}
		}
	case Decentralized:
		for _, d := range defs {
			if len(d.Handoffs) == 0 {
				return &ConfigurationError{Reason: fmt.Sprintf(
					"agent %q declares no handoff peers", d.Name)}
			}
			for _, peer := range d.Handoffs {
				if peer == team.PresenterName {
					continue
				}
				if !names[peer] {
					return &ConfigurationError{Reason: fmt.Sprintf(
						"agent %q declares unknown handoff peer %q", d.Name, peer)}
				}
			}
		}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown architecture %q", string(a))}
	}
	return nil
}
