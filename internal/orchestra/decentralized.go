package orchestra

import (
	"context"
	"fmt"
	"sort"

	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/team"
)

const delegatorInstructions = `You receive a task for a multi-agent team.
Pick the agent best suited to start and transfer control to it. Put the full
task and anything else the agent needs into the transfer payload; the agent
cannot see this conversation.`

const handoffNudge = `You must end your turn with a transfer. Hand off to a
peer to continue the work, or to ` + team.PresenterName + ` with your final
answer as the payload.`

// decentralized runs the peer-to-peer handoff loop. Control moves only along
// explicit transfers, each carrying the payload the sender chose to pass.
// Cycles between peers are legitimate; the turn budget is the only brake.
func (r *run) decentralized(ctx context.Context, task string) error {
	first, err := r.delegate(ctx, task)
	if err != nil {
		return err
	}

	active, payload := first.Target, first.Payload
	for {
		if active == team.PresenterName {
			r.res.FinalOutput = payload
			r.res.StopReason = StopCompleted
			r.rec.AddMessage(team.PresenterName, payload)
			r.rec.Logf("%s: %s", team.PresenterName, payload)
			return nil
		}
		if len(r.res.Handoffs) >= r.maxTurns {
			r.res.StopReason = StopMaxTurns
			return nil
		}

		def, ok := r.agents[active]
		if !ok {
			return &UnknownAgentError{Name: active}
		}

		handoff, output, err := r.turn(ctx, active, payload, peersOf(def))
		if err != nil {
			return err
		}
		r.res.FinalOutput = output
		r.record(active, handoff)
		active, payload = handoff.Target, handoff.Payload
	}
}

// delegate runs the delegator once to pick the first active agent. Its pick
// is the run's first handoff.
func (r *run) delegate(ctx context.Context, task string) (*engine.Handoff, error) {
	peers := make([]string, 0, len(r.agents))
	for name := range r.agents {
		peers = append(peers, name)
	}
	sort.Strings(peers)

	handoff, _, err := r.turn(ctx, team.DelegatorName, task, peers)
	if err != nil {
		return nil, err
	}
	r.record(team.DelegatorName, handoff)
	return handoff, nil
}

// turn appends the payload to the agent's context and runs it until it hands
// off. An agent that stops without transferring gets one nudge; a second
// plain reply fails the run.
func (r *run) turn(ctx context.Context, name, payload string, peers []string) (*engine.Handoff, string, error) {
	r.contexts[name] = append(r.contexts[name], engine.Message{Role: engine.RoleUser, Text: payload})

	var output string
	for attempt := 0; attempt < 2; attempt++ {
		out, err := r.eng.InvokeWithHandoffs(ctx, name, r.contexts[name], peers)
		if err != nil {
			return nil, "", &EngineInvocationError{Agent: name, Err: err}
		}
		r.contexts[name] = out.Messages
		if out.Output != "" {
			output = out.Output
			r.rec.AddMessage(name, out.Output)
			r.rec.Logf("%s: %s", name, out.Output)
			r.emit(Event{Type: EventOutput, Agent: name, Content: out.Output})
		}
		if out.Handoff != nil {
			return out.Handoff, output, nil
		}
		r.contexts[name] = append(r.contexts[name], engine.Message{Role: engine.RoleUser, Text: handoffNudge})
	}
	return nil, "", &EngineInvocationError{
		Agent: name,
		Err:   fmt.Errorf("turn ended without a transfer"),
	}
}

func (r *run) record(from string, handoff *engine.Handoff) {
	round := len(r.res.Handoffs) + 1
	r.res.Handoffs = append(r.res.Handoffs, HandoffEvent{
		From:    from,
		To:      handoff.Target,
		Payload: handoff.Payload,
		Round:   round,
	})
	r.rec.Logf("[handoff %d] %s -> %s", round, from, handoff.Target)
	r.emit(Event{Type: EventHandoff, Agent: from, Target: handoff.Target, Content: handoff.Payload, Round: round})
}

// peersOf returns the transfer targets offered to an agent. The presenter is
// always reachable so any agent can end the run with a final answer.
func peersOf(def team.AgentDef) []string {
	peers := make([]string, 0, len(def.Handoffs)+1)
	seen := make(map[string]bool, len(def.Handoffs)+1)
	for _, p := range def.Handoffs {
		if !seen[p] {
			peers = append(peers, p)
			seen[p] = true
		}
	}
	if !seen[team.PresenterName] {
		peers = append(peers, team.PresenterName)
	}
	return peers
}
