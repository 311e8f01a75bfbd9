// Package router implements the Intent Router (spec.md §4.C), grounded
// on original_source/src/agents/router.py's AgentRouter: an LLM
// classification call, JSON-decode, then validate-and-normalize against
// a known agent set — generalized here so intents and their default
// agent sequences are router.Config data rather than the original's
// hard-coded ROUTING_RULES dict.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/kazicore/internal/llmprovider"
)

// Config is the Router's tunable policy: the intent→default-agents
// table, the known agent set, and the confidence floor below which the
// Router prefers a direct_response.
type Config struct {
	KnownAgents       map[string]bool
	IntentDefaults    map[string][]string
	ConfidenceFloor   float64
	HistoryWindow     int
}

// DefaultConfig mirrors original_source/src/agents/router.py's
// ROUTING_RULES table.
func DefaultConfig() Config {
	return Config{
		KnownAgents: map[string]bool{"scout": true, "match": true, "forge": true, "coach": true},
		IntentDefaults: map[string][]string{
			"job_search":      {"scout"},
			"analyze_match":   {"match"},
			"write_materials": {"match", "forge"},
			"interview_prep":  {"coach"},
			"multi_step":      {"scout", "match", "forge", "coach"},
		},
		ConfidenceFloor: 0.5,
		HistoryWindow:   6,
	}
}

// Input is one routing request: the latest user message, recent
// history (trimmed to Config.HistoryWindow by the caller), and user
// profile hints.
type Input struct {
	Message      string
	RecentTurns  []string
	HasResume    bool
	HasProfile   bool
}

// Decision is the Router's output: the classified intent, the ordered
// agent pipeline, a confidence score, and — when confidence is below
// the floor or the intent is general_chat — the "direct_response" marker
// in DirectResponse instead of any agent list.
type Decision struct {
	Intent         string
	Agents         []string
	Confidence     float64
	DirectResponse string
	Reasoning      string
}

// Router classifies a user message into an intent + ordered agent list.
type Router struct {
	provider llmprovider.Provider
	cfg      Config
}

// New builds a Router.
func New(provider llmprovider.Provider, cfg Config) *Router {
	return &Router{provider: provider, cfg: cfg}
}

type llmRoutingPayload struct {
	Intent     string   `json:"intent"`
	Agents     []string `json:"agents"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Route classifies in.Message. On any provider or parse failure it
// falls back to general_chat/direct_response, matching the original's
// "on any failure, fall back to general chat" behavior.
func (r *Router) Route(ctx context.Context, in Input) (Decision, error) {
	systemPrompt := routingSystemPrompt(r.cfg)
	userContent := in.Message
	if in.HasResume {
		userContent += " The user has a resume on file."
	}
	if in.HasProfile {
		userContent += " The user has a profile set up."
	}

	messages := []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: systemPrompt},
	}
	for _, t := range trimHistory(in.RecentTurns, r.cfg.HistoryWindow) {
		messages = append(messages, llmprovider.Message{Role: llmprovider.RoleUser, Content: t})
	}
	messages = append(messages, llmprovider.Message{Role: llmprovider.RoleUser, Content: userContent})

	resp, err := r.provider.CompleteStructured(ctx, llmprovider.Request{Messages: messages})
	if err != nil || resp.FinalAnswer == "" {
		return fallback(), nil
	}

	var payload llmRoutingPayload
	if err := json.Unmarshal([]byte(stripFences(resp.FinalAnswer)), &payload); err != nil {
		return fallback(), nil
	}

	return r.normalize(payload), nil
}

func (r *Router) normalize(p llmRoutingPayload) Decision {
	intent := p.Intent
	if _, ok := r.cfg.IntentDefaults[intent]; !ok && intent != "general_chat" {
		intent = "general_chat"
	}

	agents := dedupeValid(p.Agents, r.cfg.KnownAgents)

	if intent == "general_chat" {
		agents = nil
	} else if len(agents) == 0 {
		agents = append([]string{}, r.cfg.IntentDefaults[intent]...)
	}

	d := Decision{Intent: intent, Agents: agents, Confidence: p.Confidence, Reasoning: p.Reasoning}

	if p.Confidence < r.cfg.ConfidenceFloor || (intent == "general_chat" && len(agents) == 0) {
		d.Agents = nil
		if d.DirectResponse == "" {
			d.DirectResponse = "direct_response"
		}
	}
	return d
}

func fallback() Decision {
	return Decision{Intent: "general_chat", Agents: nil, Reasoning: "router fallback due to classification error", DirectResponse: "direct_response"}
}

// dedupeValid filters p.Agents to the known set, deduplicating while
// preserving first occurrence (§4.C).
func dedupeValid(candidates []string, known map[string]bool) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, a := range candidates {
		if !known[a] || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func trimHistory(turns []string, window int) []string {
	if window <= 0 || len(turns) <= window {
		return turns
	}
	return turns[len(turns)-window:]
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

func routingSystemPrompt(cfg Config) string {
	var sb strings.Builder
	sb.WriteString("Classify the user's message into an intent and ordered agent list. Known agents: ")
	for name := range cfg.KnownAgents {
		fmt.Fprintf(&sb, "%s ", name)
	}
	return sb.String()
}
