// Package negotiator implements the Negotiator (spec.md §4.E), grounded
// on original_source/src/agents/negotiation.py's NegotiationSession:
// a bounded multi-round structured debate with the same consensus rules
// (all-concede, confidence-convergence within 0.15, one-concedes-vs-rest)
// and the same run_with_events generator shape, reimplemented as an
// iter.Seq2 event stream. Each round's agents are queried in parallel
// with a plain sync.WaitGroup, following the teacher's bounded-fan-out
// idiom (no errgroup anywhere in the pack's go.mod).
package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/ashureev/kazicore/internal/llmprovider"
)

// ResponseType is one agent's stance within a negotiation round.
type ResponseType string

const (
	ResponseMaintain  ResponseType = "maintain"
	ResponseRefine    ResponseType = "refine"
	ResponseConcede   ResponseType = "concede"
	ResponseChallenge ResponseType = "challenge"
)

// Position is one agent's stance in one round.
type Position struct {
	AgentName    string
	ResponseType ResponseType
	Statement    string
	Evidence     string
	Confidence   float64
}

// Config tunes the Negotiator's bounds (§4.E).
type Config struct {
	MaxRounds          int
	ConsensusThreshold float64 // mean confidence required alongside confidence convergence; statements are not compared
	ConvergenceBand    float64 // confidence spread considered converged
}

// DefaultConfig matches spec.md §4.E's stated defaults.
func DefaultConfig() Config {
	return Config{MaxRounds: 3, ConsensusThreshold: 0.7, ConvergenceBand: 0.15}
}

// Input is one negotiation request: the disputed topic and each
// participating agent's latest output.
type Input struct {
	Topic         string
	AgentOutputs  map[string]string // agent name -> output preview
	AgentOrder    []string          // stable iteration order
}

// EventKind distinguishes the two event kinds the Negotiator streams.
type EventKind string

const (
	EventRound  EventKind = "negotiation_round"
	EventResult EventKind = "negotiation_result"
)

// Event is one streamed negotiation_round or negotiation_result.
type Event struct {
	Kind   EventKind
	Round  int
	Agent  string
	Result *ConsensusResult
	Position *Position
}

// ConsensusResult is the negotiation's final outcome.
type ConsensusResult struct {
	Reached         bool
	Position        string
	Confidence      float64
	DissentingViews []string
	RoundsTaken     int
}

// Negotiator runs a bounded multi-round debate across N agents.
type Negotiator struct {
	provider llmprovider.Provider
	cfg      Config
}

// New builds a Negotiator.
func New(provider llmprovider.Provider, cfg Config) *Negotiator {
	return &Negotiator{provider: provider, cfg: cfg}
}

// Run streams negotiation_round events for each round and a terminal
// negotiation_result event.
func (n *Negotiator) Run(ctx context.Context, in Input) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var history [][]Position

		for round := 1; round <= n.cfg.MaxRounds; round++ {
			select {
			case <-ctx.Done():
				yield(Event{}, ctx.Err())
				return
			default:
			}

			positions := n.runRound(ctx, round, in, history)
			history = append(history, positions)

			for _, p := range positions {
				pp := p
				if !yield(Event{Kind: EventRound, Round: round, Agent: p.AgentName, Position: &pp}, nil) {
					return
				}
			}

			if consensus, ok := checkConsensus(positions, len(history), n.cfg); ok {
				if !yield(Event{Kind: EventResult, Result: &consensus}, nil) {
					return
				}
				return
			}
		}

		result := resolveNoConsensus(history)
		yield(Event{Kind: EventResult, Result: &result}, nil)
	}
}

// runRound queries every participating agent in parallel, following the
// teacher's sync.WaitGroup bounded-fan-out idiom.
func (n *Negotiator) runRound(ctx context.Context, round int, in Input, history [][]Position) []Position {
	positions := make([]Position, len(in.AgentOrder))
	var wg sync.WaitGroup
	for i, agent := range in.AgentOrder {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			positions[i] = n.getAgentPosition(ctx, agent, in.AgentOutputs[agent], round, in.Topic, history)
		}(i, agent)
	}
	wg.Wait()
	return positions
}

type llmPositionPayload struct {
	ResponseType string  `json:"response_type"`
	Position     string  `json:"position"`
	Evidence     string  `json:"evidence"`
	Confidence   float64 `json:"confidence"`
}

func (n *Negotiator) getAgentPosition(ctx context.Context, agent, output string, round int, topic string, history [][]Position) Position {
	roundLabel := map[int]string{1: "Opening", 2: "Rebuttal", 3: "Final Position"}[round]
	if roundLabel == "" {
		roundLabel = "Position"
	}

	var prevContext strings.Builder
	for roundIdx, roundPositions := range history {
		for _, p := range roundPositions {
			if p.AgentName == agent {
				continue
			}
			fmt.Fprintf(&prevContext, "\nRound %d - %s: [%s] %s", roundIdx+1, p.AgentName, p.ResponseType, truncate(p.Statement, 300))
		}
	}

	prompt := fmt.Sprintf("You are the %s agent in a structured debate about: %s\n\nYour analysis output was:\n%s\n\n%s\n\nThis is Round %d (%s). Respond as JSON: {\"response_type\":\"maintain|refine|concede|challenge\",\"position\":\"...\",\"evidence\":\"...\",\"confidence\":0.0-1.0}",
		agent, topic, truncate(output, 1500), prevContext.String(), round, roundLabel)

	resp, err := n.provider.CompleteStructured(ctx, llmprovider.Request{Messages: []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: "You are an agent in a structured debate. Respond with valid JSON only."},
		{Role: llmprovider.RoleUser, Content: prompt},
	}})
	if err != nil || resp.FinalAnswer == "" {
		return Position{AgentName: agent, ResponseType: ResponseMaintain, Statement: truncate(output, 500), Confidence: 0.5}
	}

	var payload llmPositionPayload
	if err := json.Unmarshal([]byte(stripFences(resp.FinalAnswer)), &payload); err != nil {
		return Position{AgentName: agent, ResponseType: ResponseMaintain, Statement: truncate(output, 500), Confidence: 0.5}
	}

	rt := ResponseType(payload.ResponseType)
	switch rt {
	case ResponseMaintain, ResponseConcede, ResponseChallenge, ResponseRefine:
	default:
		rt = ResponseMaintain
	}

	return Position{AgentName: agent, ResponseType: rt, Statement: payload.Position, Evidence: payload.Evidence, Confidence: payload.Confidence}
}

func checkConsensus(positions []Position, roundsTaken int, cfg Config) (ConsensusResult, bool) {
	if len(positions) == 0 {
		return ConsensusResult{}, false
	}

	allConcede := true
	for _, p := range positions {
		if p.ResponseType != ResponseConcede {
			allConcede = false
			break
		}
	}
	if allConcede {
		winner := highestConfidence(positions)
		return ConsensusResult{Reached: true, Position: winner.Statement, Confidence: winner.Confidence, RoundsTaken: roundsTaken}, true
	}

	minC, maxC, sum := positions[0].Confidence, positions[0].Confidence, 0.0
	for _, p := range positions {
		if p.Confidence < minC {
			minC = p.Confidence
		}
		if p.Confidence > maxC {
			maxC = p.Confidence
		}
		sum += p.Confidence
	}
	mean := sum / float64(len(positions))
	if maxC-minC <= cfg.ConvergenceBand && mean >= cfg.ConsensusThreshold {
		winner := highestConfidence(positions)
		return ConsensusResult{Reached: true, Position: winner.Statement, Confidence: mean, RoundsTaken: roundsTaken}, true
	}

	var conceding, nonConceding []Position
	for _, p := range positions {
		if p.ResponseType == ResponseConcede {
			conceding = append(conceding, p)
		} else {
			nonConceding = append(nonConceding, p)
		}
	}
	if len(conceding) > 0 && len(nonConceding) > 0 {
		winner := highestConfidence(nonConceding)
		var dissenting []string
		for _, p := range conceding {
			dissenting = append(dissenting, fmt.Sprintf("%s conceded: %s", p.AgentName, truncate(p.Statement, 200)))
		}
		return ConsensusResult{Reached: true, Position: winner.Statement, Confidence: winner.Confidence, DissentingViews: dissenting, RoundsTaken: roundsTaken}, true
	}

	return ConsensusResult{}, false
}

func resolveNoConsensus(history [][]Position) ConsensusResult {
	if len(history) == 0 {
		return ConsensusResult{Reached: false, Position: "no positions recorded", Confidence: 0.5}
	}
	lastRound := history[len(history)-1]
	winner := highestConfidence(lastRound)
	var dissenters []string
	for _, p := range lastRound {
		if p.AgentName == winner.AgentName {
			continue
		}
		dissenters = append(dissenters, fmt.Sprintf("%s: %s", p.AgentName, truncate(p.Statement, 200)))
	}
	return ConsensusResult{Reached: false, Position: winner.Statement, Confidence: winner.Confidence, DissentingViews: dissenters, RoundsTaken: len(history)}
}

func highestConfidence(positions []Position) Position {
	best := positions[0]
	for _, p := range positions[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return best
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
