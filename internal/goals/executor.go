package goals

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/ashureev/kazicore/internal/agentrt"
	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/orchestrator"
	"github.com/ashureev/kazicore/internal/store"
)

const replanPrompt = `You are a plan evaluator. A step in a multi-step career plan just completed. Decide whether the plan should continue as-is or be adjusted. ` +
	`Actions: continue, modify_step, add_step, skip_next. Respond as JSON only: ` +
	`{"action":"continue|modify_step|add_step|skip_next","reason":"...","new_title":"...","new_description":"...","agent_name":"..."}`

// ExecutorConfig holds the Goal Executor's bounds (§4.H).
type ExecutorConfig struct {
	StepRetryBudget int
	MaxTotalSteps   int // safety cap including dynamically added steps
	KnownAgents     map[string]bool
}

// DefaultExecutorConfig matches spec.md §4.H's stated default retry budget.
func DefaultExecutorConfig(knownAgents map[string]bool) ExecutorConfig {
	return ExecutorConfig{StepRetryBudget: 1, MaxTotalSteps: 10, KnownAgents: knownAgents}
}

// Executor runs a Goal's Steps, single-step or autonomously, grounded
// on planner.py's execute_next_step/auto_execute.
type Executor struct {
	repo     store.Repository
	provider llmprovider.Provider
	rt       *agentrt.Runtime
	agents   orchestrator.AgentRegistry
	cfg      ExecutorConfig
}

// NewExecutor builds an Executor.
func NewExecutor(repo store.Repository, provider llmprovider.Provider, rt *agentrt.Runtime, agents orchestrator.AgentRegistry, cfg ExecutorConfig) *Executor {
	return &Executor{repo: repo, provider: provider, rt: rt, agents: agents, cfg: cfg}
}

// ExecuteStep runs the lowest-ordinal pending Step of goalID (§4.H
// single-step mode). The per-goal exclusive hold (Invariant I2) is
// acquired via store.GoalStore.AcquireStepHold's compare-and-swap.
func (e *Executor) ExecuteStep(ctx context.Context, goalID string) iter.Seq2[orchestrator.Event, error] {
	return func(yield func(orchestrator.Event, error) bool) {
		step, ok, err := e.nextPendingStep(ctx, goalID)
		if err != nil {
			yield(orchestrator.Event{}, err)
			return
		}
		if !ok {
			yield(orchestrator.Event{Kind: orchestrator.EventDone}, nil)
			return
		}
		e.runOneStep(ctx, goalID, step, yield)
		yield(orchestrator.Event{Kind: orchestrator.EventDone}, nil)
	}
}

// AutoExecute streams Steps in order until a terminal condition (§4.H
// autonomous mode): retry-budget exhaustion, external cancellation,
// re-plan, or full completion.
func (e *Executor) AutoExecute(ctx context.Context, goalID string) iter.Seq2[orchestrator.Event, error] {
	return func(yield func(orchestrator.Event, error) bool) {
		maxSteps := e.cfg.MaxTotalSteps
		if maxSteps <= 0 {
			maxSteps = 10
		}

		for i := 0; i < maxSteps; i++ {
			select {
			case <-ctx.Done():
				_ = e.repo.UpdateGoalStatus(ctx, goalID, domain.GoalPaused)
				yield(orchestrator.Event{Kind: orchestrator.EventDone}, nil)
				return
			default:
			}

			step, ok, err := e.nextPendingStep(ctx, goalID)
			if err != nil {
				yield(orchestrator.Event{}, err)
				return
			}
			if !ok {
				break
			}

			if !yield(orchestrator.Event{Kind: orchestrator.EventGoalStepStart, StepID: step.ID, StepOrdinal: step.Ordinal, StepTitle: step.Title, AgentName: step.AssignedAgent}, nil) {
				return
			}

			status := e.runOneStep(ctx, goalID, step, yield)

			if !yield(orchestrator.Event{Kind: orchestrator.EventGoalStepComplete, StepID: step.ID, StepOrdinal: step.Ordinal, StepStatus: status}, nil) {
				return
			}

			if status == domain.StepFailed {
				_ = e.repo.UpdateGoalStatus(ctx, goalID, domain.GoalPaused)
				yield(orchestrator.Event{Kind: orchestrator.EventDone}, nil)
				return
			}

			if status == domain.StepCompleted {
				if replanned := e.maybeReplan(ctx, goalID, step, yield); !replanned {
					return
				}
			}
		}

		steps, err := e.repo.ListSteps(ctx, goalID)
		if err == nil && allTerminal(steps) {
			_ = e.repo.UpdateGoalStatus(ctx, goalID, domain.GoalCompleted)
		}
		yield(orchestrator.Event{Kind: orchestrator.EventDone}, nil)
	}
}

func (e *Executor) nextPendingStep(ctx context.Context, goalID string) (domain.Step, bool, error) {
	steps, err := e.repo.ListSteps(ctx, goalID)
	if err != nil {
		return domain.Step{}, false, err
	}
	for _, s := range steps {
		if s.Status == domain.StepPending {
			return s, true, nil
		}
	}
	return domain.Step{}, false, nil
}

// runOneStep acquires the Step's exclusive hold, invokes the Agent
// Runtime with a synthetic turn carrying the step title as intent and
// prior step outputs as context, and transitions the Step to its
// terminal status. A failed attempt retries immediately up to
// cfg.StepRetryBudget times before the Step is marked failed (§4.H
// "retry budget (default 1) is exhausted").
func (e *Executor) runOneStep(ctx context.Context, goalID string, step domain.Step, yield func(orchestrator.Event, error) bool) domain.StepStatus {
	acquired, err := e.repo.AcquireStepHold(ctx, step.ID)
	if err != nil || !acquired {
		return domain.StepPending
	}

	priorOutputs := e.priorStepOutputs(ctx, goalID, step.Ordinal)
	trace := &domain.Trace{StepID: step.ID, AgentName: step.AssignedAgent}

	attempts := e.cfg.StepRetryBudget + 1
	var status domain.StepStatus
	var output string
	for i := 0; i < attempts; i++ {
		report, runErr := e.rt.Run(ctx, agentrt.Input{
			AgentName:    step.AssignedAgent,
			SystemPrompt: e.agents[step.AssignedAgent],
			Brief:        fmt.Sprintf("%s: %s", step.Title, step.Rationale),
			PriorReports: priorOutputs,
		}, trace, nil)
		if runErr == nil {
			status, output = domain.StepCompleted, report.Content
			break
		}
		status, output = domain.StepFailed, runErr.Error()
	}

	_ = e.repo.ReleaseStepHold(ctx, step.ID, status, output, trace.ID)
	return status
}

func (e *Executor) priorStepOutputs(ctx context.Context, goalID string, beforeOrdinal int) []domain.AgentReport {
	steps, err := e.repo.ListSteps(ctx, goalID)
	if err != nil {
		return nil
	}
	var reports []domain.AgentReport
	for _, s := range steps {
		if s.Ordinal >= beforeOrdinal || s.Status != domain.StepCompleted {
			continue
		}
		reports = append(reports, domain.AgentReport{AgentName: s.AssignedAgent, Content: s.Output})
	}
	return reports
}

type llmReplanPayload struct {
	Action          string `json:"action"`
	Reason          string `json:"reason"`
	NewTitle        string `json:"new_title"`
	NewDescription  string `json:"new_description"`
	AgentName       string `json:"agent_name"`
}

// maybeReplan re-invokes a lightweight evaluation after a completed
// step, grounded on planner.py's _re_evaluate_plan / REPLAN_PROMPT.
// Returns false if the caller should stop streaming (subscriber gone).
func (e *Executor) maybeReplan(ctx context.Context, goalID string, completed domain.Step, yield func(orchestrator.Event, error) bool) bool {
	steps, err := e.repo.ListSteps(ctx, goalID)
	if err != nil {
		return true
	}
	var pending []domain.Step
	for _, s := range steps {
		if s.Status == domain.StepPending {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return true
	}

	adjustment := e.reEvaluatePlan(ctx, completed, pending)
	if adjustment.Action == "continue" {
		return true
	}

	if !yield(orchestrator.Event{Kind: orchestrator.EventGoalReplan, ReplanAction: adjustment.Action, ReplanReason: adjustment.Reason}, nil) {
		return false
	}

	next := pending[0]
	switch adjustment.Action {
	case "skip_next":
		_ = e.repo.ReplaceTailSteps(ctx, goalID, next.Ordinal, append([]domain.Step{{
			ID: next.ID, GoalID: goalID, Ordinal: next.Ordinal, Title: next.Title,
			Rationale: next.Rationale, AssignedAgent: next.AssignedAgent, Status: domain.StepSkipped,
			Output: fmt.Sprintf("Skipped: %s", adjustment.Reason),
		}}, pending[1:]...))
	case "modify_step":
		if adjustment.NewDescription == "" {
			return true
		}
		_ = e.repo.ReplaceTailSteps(ctx, goalID, next.Ordinal, append([]domain.Step{{
			ID: next.ID, GoalID: goalID, Ordinal: next.Ordinal, Title: next.Title,
			Rationale: adjustment.NewDescription, AssignedAgent: next.AssignedAgent, Status: domain.StepPending,
		}}, pending[1:]...))
	case "add_step":
		if adjustment.NewTitle == "" || !e.cfg.KnownAgents[adjustment.AgentName] {
			return true
		}
		inserted := domain.Step{
			Ordinal: next.Ordinal, Title: adjustment.NewTitle, Rationale: adjustment.NewDescription,
			AssignedAgent: adjustment.AgentName, Status: domain.StepPending,
		}
		tail := append([]domain.Step{inserted}, shiftOrdinals(pending, 1)...)
		_ = e.repo.ReplaceTailSteps(ctx, goalID, next.Ordinal, tail)
	}
	return true
}

func (e *Executor) reEvaluatePlan(ctx context.Context, completed domain.Step, pending []domain.Step) replanAdjustment {
	var remaining string
	for _, s := range pending {
		remaining += fmt.Sprintf("- Step %d: %s (%s)\n", s.Ordinal, s.Title, s.AssignedAgent)
	}
	userMsg := fmt.Sprintf("Completed step: %s (%s)\nOutput preview: %s\n\nRemaining steps:\n%s",
		completed.Title, completed.AssignedAgent, truncate(completed.Output, 800), remaining)

	resp, err := e.provider.CompleteStructured(ctx, llmprovider.Request{Messages: []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: replanPrompt},
		{Role: llmprovider.RoleUser, Content: userMsg},
	}})
	if err != nil || resp.FinalAnswer == "" {
		return replanAdjustment{Action: "continue", Reason: "re-plan fallback"}
	}

	var payload llmReplanPayload
	if err := json.Unmarshal([]byte(stripFences(resp.FinalAnswer)), &payload); err != nil {
		return replanAdjustment{Action: "continue", Reason: "re-plan fallback"}
	}

	switch payload.Action {
	case "continue", "modify_step", "add_step", "skip_next":
	default:
		payload.Action = "continue"
	}
	if payload.AgentName != "" && !e.cfg.KnownAgents[payload.AgentName] {
		payload.AgentName = ""
	}

	return replanAdjustment{
		Action: payload.Action, Reason: truncate(payload.Reason, 200),
		NewTitle: truncate(payload.NewTitle, 60), NewDescription: payload.NewDescription, AgentName: payload.AgentName,
	}
}

type replanAdjustment struct {
	Action         string
	Reason         string
	NewTitle       string
	NewDescription string
	AgentName      string
}

func shiftOrdinals(steps []domain.Step, by int) []domain.Step {
	out := make([]domain.Step, len(steps))
	for i, s := range steps {
		s.Ordinal += by
		out[i] = s
	}
	return out
}

func allTerminal(steps []domain.Step) bool {
	for _, s := range steps {
		switch s.Status {
		case domain.StepCompleted, domain.StepSkipped, domain.StepFailed:
		default:
			return false
		}
	}
	return true
}

