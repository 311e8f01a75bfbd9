// Package evaluator implements the Evaluator (spec.md §4.D), grounded
// on original_source/src/agents/evaluator.py's PipelineEvaluator:
// an LLM call that classifies the next pipeline action, with the
// "invalid decision degrades to continue" safety net generalized into
// the Turn-scoped loop_back/add_agent bounds of spec.md §4.D.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
)

const evalPrompt = `You are a pipeline evaluator for a multi-agent career assistant. ` +
	`After an agent produces output, decide what happens next: continue, skip_next, loop_back, stop, or add_agent. ` +
	`Default to continue if unsure. Respond as JSON: {"action":"...","reason":"...","target_agent":"..."}`

// Config bounds the Evaluator's decisions (§4.D safety bounds).
type Config struct {
	KnownAgents           map[string]bool
	MaxLoopBacksPerTarget int
}

// DefaultConfig matches spec.md §4.D's stated default of 2.
func DefaultConfig(knownAgents map[string]bool) Config {
	return Config{KnownAgents: knownAgents, MaxLoopBacksPerTarget: 2}
}

// Input is everything the Evaluator needs after one step finished.
type Input struct {
	FinishedAgent    string
	Report           domain.AgentReport
	StepFailed       bool
	RemainingAgents  []string
	Intent           string
	LoopBackCounts   map[string]int // per-target counts already used this Turn
	PendingAgents    map[string]bool
}

// Evaluator emits a decision after each step.
type Evaluator struct {
	provider llmprovider.Provider
	cfg      Config
}

// New builds an Evaluator.
func New(provider llmprovider.Provider, cfg Config) *Evaluator {
	return &Evaluator{provider: provider, cfg: cfg}
}

type llmDecisionPayload struct {
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	TargetAgent  string `json:"target_agent"`
}

// Evaluate asks the provider for a decision and normalizes it against
// the safety bounds. Any invalid decision — unknown action, missing
// target for loop_back/add_agent, loop_back over its per-target cap, or
// add_agent naming an already-pending agent — degrades to continue.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (domain.EvaluatorDecision, error) {
	preview := in.Report.Content
	if len(preview) > 1500 {
		preview = preview[:1500]
	}
	remaining := "none"
	if len(in.RemainingAgents) > 0 {
		remaining = strings.Join(in.RemainingAgents, ", ")
	}

	userMsg := fmt.Sprintf("Agent: %s\nIntent: %s\nRemaining agents: %s\nAgent output (preview):\n%s",
		in.FinishedAgent, in.Intent, remaining, preview)

	resp, err := e.provider.CompleteStructured(ctx, llmprovider.Request{Messages: []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: evalPrompt},
		{Role: llmprovider.RoleUser, Content: userMsg},
	}})
	if err != nil || resp.FinalAnswer == "" {
		return continueDecision("evaluator fallback"), nil
	}

	var payload llmDecisionPayload
	if err := json.Unmarshal([]byte(stripFences(resp.FinalAnswer)), &payload); err != nil {
		return continueDecision("evaluator fallback"), nil
	}

	return e.normalize(payload, in), nil
}

func (e *Evaluator) normalize(p llmDecisionPayload, in Input) domain.EvaluatorDecision {
	action := domain.EvaluatorAction(p.Action)
	switch action {
	case domain.ActionContinue, domain.ActionSkipNext, domain.ActionLoopBack, domain.ActionStop, domain.ActionAddAgent:
	default:
		return continueDecision("invalid decision, logged and degraded")
	}

	target := p.TargetAgent
	if target != "" && !e.cfg.KnownAgents[target] {
		target = ""
	}

	if (action == domain.ActionLoopBack || action == domain.ActionAddAgent) && target == "" {
		return continueDecision("no target agent specified, continuing")
	}

	if action == domain.ActionLoopBack && in.LoopBackCounts[target] >= e.cfg.MaxLoopBacksPerTarget {
		return continueDecision(fmt.Sprintf("loop_back bound reached for %s, continuing", target))
	}

	if action == domain.ActionAddAgent && in.PendingAgents[target] {
		return continueDecision(fmt.Sprintf("%s already pending, continuing", target))
	}

	return domain.EvaluatorDecision{Action: action, TargetAgent: target, Reason: p.Reason}
}

func continueDecision(reason string) domain.EvaluatorDecision {
	return domain.EvaluatorDecision{Action: domain.ActionContinue, Reason: reason}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
