// Package goals implements the Goal Planner and Goal Executor
// (spec.md §4.G, §4.H), grounded on
// original_source/src/agents/planner.py's GoalPlanner: the
// PLANNING_PROMPT decomposition, its generic-plan fallback, and the
// REPLAN_PROMPT mid-run adjustment that becomes this package's
// re-plan event.
package goals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
)

const planningPrompt = `You are a career goal planner. Given a user's career goal, decompose it into 3-6 concrete, actionable steps, each assigned to exactly one agent from the known Agent Registry. Order steps logically. ` +
	`Respond as JSON only: {"title":"...","steps":[{"title":"...","rationale":"...","agent_name":"..."}]}`

// Objective is one create-plan request (§4.G).
type Objective struct {
	UserID      string
	GoalText    string
	UserContext string
}

// Config holds the Planner's known-agent bound.
type Config struct {
	KnownAgents map[string]bool
}

// Planner decomposes a free-text objective into an ordered Step plan.
type Planner struct {
	provider llmprovider.Provider
	cfg      Config
}

// NewPlanner builds a Planner.
func NewPlanner(provider llmprovider.Provider, cfg Config) *Planner {
	return &Planner{provider: provider, cfg: cfg}
}

type llmPlanPayload struct {
	Title string `json:"title"`
	Steps []struct {
		Title     string `json:"title"`
		Rationale string `json:"rationale"`
		AgentName string `json:"agent_name"`
	} `json:"steps"`
	ClarifyingQuestion string `json:"clarifying_question"`
}

// CreatePlan decomposes obj.GoalText into a Goal with ordered Steps. An
// underspecified objective MAY come back as a single clarifying-question
// step (§4.G); the Planner never emits an unknown agent name.
func (p *Planner) CreatePlan(ctx context.Context, obj Objective) (domain.Goal, []domain.Step, error) {
	userMsg := fmt.Sprintf("Goal: %s\n\n%s", obj.GoalText, obj.UserContext)
	resp, err := p.provider.CompleteStructured(ctx, llmprovider.Request{Messages: []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: planningPrompt},
		{Role: llmprovider.RoleUser, Content: userMsg},
	}})
	if err != nil || resp.FinalAnswer == "" {
		return p.fallbackPlan(obj)
	}

	var payload llmPlanPayload
	if err := json.Unmarshal([]byte(stripFences(resp.FinalAnswer)), &payload); err != nil {
		return p.fallbackPlan(obj)
	}

	if payload.ClarifyingQuestion != "" {
		return p.clarifyingPlan(obj, payload.ClarifyingQuestion), p.clarifyingSteps(payload.ClarifyingQuestion), nil
	}

	title := payload.Title
	if title == "" {
		title = truncate(obj.GoalText, 60)
	}

	var steps []domain.Step
	for i, s := range payload.Steps {
		if i >= 6 || s.Title == "" {
			continue
		}
		agent := s.AgentName
		if !p.cfg.KnownAgents[agent] {
			continue // the Planner MUST NOT produce unknown agents (§4.G)
		}
		steps = append(steps, domain.Step{
			ID:            uuid.NewString(),
			Ordinal:       len(steps),
			Title:         truncate(s.Title, 60),
			Rationale:     s.Rationale,
			AssignedAgent: agent,
			Status:        domain.StepPending,
		})
	}

	if len(steps) == 0 {
		return p.fallbackPlan(obj)
	}

	goal := domain.Goal{ID: uuid.NewString(), UserID: obj.UserID, Title: title, Description: obj.GoalText, Status: domain.GoalActive}
	return goal, steps, nil
}

func (p *Planner) fallbackPlan(obj Objective) (domain.Goal, []domain.Step, error) {
	goal := domain.Goal{ID: uuid.NewString(), UserID: obj.UserID, Title: truncate(obj.GoalText, 60), Description: obj.GoalText, Status: domain.GoalActive}
	steps := genericSteps(obj.GoalText, p.cfg.KnownAgents)
	return goal, steps, nil
}

// genericSteps mirrors planner.py's hard-coded fallback plan, trimmed
// to whichever of its four agents are actually registered.
func genericSteps(goalText string, known map[string]bool) []domain.Step {
	candidates := []struct{ title, rationale, agent string }{
		{"Research opportunities", "Search for relevant positions: " + goalText, "scout"},
		{"Analyze fit", "Compare background against requirements", "match"},
		{"Prepare materials", "Write tailored cover letter and resume", "forge"},
		{"Prep for interviews", "Practice likely interview questions", "coach"},
	}
	var steps []domain.Step
	for _, c := range candidates {
		if !known[c.agent] {
			continue
		}
		steps = append(steps, domain.Step{
			ID: uuid.NewString(), Ordinal: len(steps), Title: c.title, Rationale: c.rationale,
			AssignedAgent: c.agent, Status: domain.StepPending,
		})
	}
	return steps
}

func (p *Planner) clarifyingPlan(obj Objective, question string) domain.Goal {
	return domain.Goal{ID: uuid.NewString(), UserID: obj.UserID, Title: truncate(obj.GoalText, 60), Description: obj.GoalText, Status: domain.GoalSuggested}
}

func (p *Planner) clarifyingSteps(question string) []domain.Step {
	return []domain.Step{{ID: uuid.NewString(), Ordinal: 0, Title: "Clarify objective", Rationale: question, Status: domain.StepPending}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
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
