package orchestra

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/team"
)

const plannerInstructions = `You are the planning assistant of a multi-agent
team. You receive a task and a roster of agents with their capabilities.
Produce an ordered, numbered breakdown of sub-goals, each with a suggested
responsible agent from the roster. The plan is advice for the coordinator,
not a contract. Output only the plan.`

const orchestratorInstructions = `You are the coordinator of a multi-agent
team. Each turn you receive the task, the plan, and the outputs of agents
dispatched so far. Decide the single next step and reply with exactly one
JSON object, no other text:

{"delegate_to": "<agent name>", "delegate_task": "<what that agent must do>", "done": false, "stop_reason": ""}

The delegated agent sees only delegate_task, nothing else, so write
everything it needs into that text. When the task is complete, reply with
done set to true and a short stop_reason instead of a delegation.`

// decision is the orchestrator's per-round output.
type decision struct {
	DelegateTo   string `json:"delegate_to"`
	DelegateTask string `json:"delegate_task"`
	Done         bool   `json:"done"`
	StopReason   string `json:"stop_reason"`
}

// centralized runs the planner once and then the bounded delegation loop.
// Delegated agents see exactly the delegate_task text, never the plan, the
// raw task or each other's contexts.
func (r *run) centralized(ctx context.Context, task string) error {
	roster := r.rosterText()

	plan, err := r.plan(ctx, task, roster)
	if err != nil {
		return err
	}

	r.contexts[team.OrchestraName] = []engine.Message{{
		Role: engine.RoleUser,
		Text: fmt.Sprintf("Task: %s\n\nAgents:\n%s\nPlan:\n%s\n\nDecide the first delegation.", task, roster, plan),
	}}

	for round := 1; round <= r.maxTurns; round++ {
		dec, err := r.decide(ctx)
		if err != nil {
			return err
		}

		record := DelegationRecord{
			Round:      round,
			Target:     dec.DelegateTo,
			TaskText:   dec.DelegateTask,
			Done:       dec.Done,
			StopReason: dec.StopReason,
		}
		r.res.Delegations = append(r.res.Delegations, record)
		r.emit(Event{Type: EventDelegation, Agent: team.OrchestraName, Target: dec.DelegateTo, Content: dec.DelegateTask, Round: round})

		if dec.Done {
			r.res.StopReason = dec.StopReason
			if r.res.StopReason == "" {
				r.res.StopReason = StopCompleted
			}
			r.rec.Logf("[round %d] orchestrator done: %s", round, r.res.StopReason)
			return nil
		}

		if _, ok := r.agents[dec.DelegateTo]; !ok {
			return &UnknownAgentError{Name: dec.DelegateTo}
		}

		r.rec.Logf("[round %d] orchestrator -> %s: %s", round, dec.DelegateTo, dec.DelegateTask)
		output, err := r.dispatch(ctx, dec.DelegateTo, dec.DelegateTask)
		if err != nil {
			return err
		}
		r.res.FinalOutput = output

		// Only the agent's stated output flows back, never its private
		// tool turns.
		r.contexts[team.OrchestraName] = append(r.contexts[team.OrchestraName], engine.Message{
			Role: engine.RoleUser,
			Text: fmt.Sprintf("The output of %s: %s", dec.DelegateTo, output),
		})
	}

	r.res.StopReason = StopMaxTurns
	return nil
}

func (r *run) plan(ctx context.Context, task, roster string) (string, error) {
	r.contexts[team.PlannerName] = []engine.Message{{
		Role: engine.RoleUser,
		Text: fmt.Sprintf("Task: %s\n\nAgents:\n%s", task, roster),
	}}
	out, err := r.eng.Invoke(ctx, team.PlannerName, r.contexts[team.PlannerName])
	if err != nil {
		return "", &EngineInvocationError{Agent: team.PlannerName, Err: err}
	}
	r.contexts[team.PlannerName] = out.Messages
	r.rec.AddMessage(team.PlannerName, out.Output)
	r.rec.Logf("plan:\n%s", out.Output)
	r.emit(Event{Type: EventPlan, Agent: team.PlannerName, Content: out.Output})
	return out.Output, nil
}

func (r *run) decide(ctx context.Context) (*decision, error) {
	out, err := r.eng.Invoke(ctx, team.OrchestraName, r.contexts[team.OrchestraName])
	if err != nil {
		return nil, &EngineInvocationError{Agent: team.OrchestraName, Err: err}
	}
	r.contexts[team.OrchestraName] = out.Messages
	dec, err := parseDecision(out.Output)
	if err != nil {
		return nil, &EngineInvocationError{Agent: team.OrchestraName, Err: err}
	}
	return dec, nil
}

// dispatch appends the task text to the target's context, runs one turn and
// returns the agent's stated output.
func (r *run) dispatch(ctx context.Context, target, taskText string) (string, error) {
	r.contexts[target] = append(r.contexts[target], engine.Message{Role: engine.RoleUser, Text: taskText})
	out, err := r.eng.Invoke(ctx, target, r.contexts[target])
	if err != nil {
		return "", &EngineInvocationError{Agent: target, Err: err}
	}
	r.contexts[target] = out.Messages
	r.rec.AddMessage(target, out.Output)
	r.rec.Logf("%s: %s", target, out.Output)
	r.emit(Event{Type: EventOutput, Agent: target, Content: out.Output})
	return out.Output, nil
}

func (r *run) rosterText() string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		desc := r.agents[name].Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	return b.String()
}

// parseDecision extracts the JSON decision object from the orchestrator's
// reply, tolerating surrounding prose and code fences.
func parseDecision(text string) (*decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no decision object in orchestrator reply %q", clip(text))
	}
	var dec decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &dec); err != nil {
		return nil, fmt.Errorf("decoding orchestrator decision: %w", err)
	}
	return &dec, nil
}

func clip(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
