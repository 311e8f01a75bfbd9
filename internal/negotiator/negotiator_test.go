package negotiator

import (
	"context"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/kazicore/internal/llmprovider"
)

func testInput() Input {
	return Input{
		Topic: "best next step",
		AgentOutputs: map[string]string{
			"scout": "apply to these 5 roles",
			"match": "these 3 roles fit better",
		},
		AgentOrder: []string{"scout", "match"},
	}
}

func collect(t *testing.T, n *Negotiator, in Input) []Event {
	t.Helper()
	var events []Event
	for ev, err := range n.Run(context.Background(), in) {
		if err != nil {
			t.Fatalf("Run() yielded error = %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestRunReachesConsensusWhenAllConcede(t *testing.T) {
	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: `{"response_type":"concede","position":"defer to match","evidence":"","confidence":0.6}`},
	}}
	n := New(fake, DefaultConfig())

	events := collect(t, n, testInput())
	last := events[len(events)-1]
	if last.Kind != EventResult {
		t.Fatalf("last event kind = %q, want %q", last.Kind, EventResult)
	}
	if !last.Result.Reached {
		t.Error("Result.Reached = false, want true when all agents concede")
	}
}

func TestRunReachesConsensusOnConvergence(t *testing.T) {
	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: `{"response_type":"maintain","position":"apply broadly","evidence":"","confidence":0.7}`},
	}}
	n := New(fake, DefaultConfig())

	events := collect(t, n, testInput())
	last := events[len(events)-1]
	if last.Kind != EventResult || !last.Result.Reached {
		t.Fatalf("Result = %+v, want reached consensus on confidence convergence", last.Result)
	}
}

func TestRunExhaustsRoundsWithoutConsensus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRounds = 2
	fake := &fencedSequence{
		byAgent: map[string][]string{
			"scout": {`{"response_type":"challenge","position":"apply broadly","evidence":"","confidence":0.9}`, `{"response_type":"challenge","position":"apply broadly","evidence":"","confidence":0.9}`},
			"match": {`{"response_type":"challenge","position":"be selective","evidence":"","confidence":0.2}`, `{"response_type":"challenge","position":"be selective","evidence":"","confidence":0.2}`},
		},
	}
	n := New(fake, cfg)

	events := collect(t, n, testInput())
	last := events[len(events)-1]
	if last.Kind != EventResult {
		t.Fatalf("last event kind = %q, want %q", last.Kind, EventResult)
	}
	if last.Result.Reached {
		t.Error("Result.Reached = true, want false after exhausting rounds with no agreement")
	}
	if last.Result.RoundsTaken != cfg.MaxRounds {
		t.Errorf("RoundsTaken = %d, want %d", last.Result.RoundsTaken, cfg.MaxRounds)
	}
}

func TestRunEmitsOneRoundEventPerAgent(t *testing.T) {
	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: `{"response_type":"concede","position":"ok","evidence":"","confidence":0.6}`},
	}}
	n := New(fake, DefaultConfig())

	events := collect(t, n, testInput())
	roundEvents := 0
	for _, ev := range events {
		if ev.Kind == EventRound {
			roundEvents++
		}
	}
	if roundEvents != 2 {
		t.Errorf("round events = %d, want 2 (one per agent)", roundEvents)
	}
}

func TestRunMalformedJSONFallsBackToMaintain(t *testing.T) {
	fake := llmprovider.NewFake("not valid json", 0)
	n := New(fake, DefaultConfig())

	events := collect(t, n, testInput())
	for _, ev := range events {
		if ev.Kind == EventRound && ev.Position.ResponseType != ResponseMaintain {
			t.Errorf("ResponseType = %q, want %q on parse failure", ev.Position.ResponseType, ResponseMaintain)
		}
	}
}

// fencedSequence is a Provider stub that serves each agent its own
// pre-scripted answer sequence, keyed by the agent name embedded in the
// prompt (getAgentPosition always opens with "You are the <agent>
// agent...") — needed because runRound fans every agent out
// concurrently against one shared Provider.
type fencedSequence struct {
	byAgent map[string][]string

	mu    sync.Mutex
	calls map[string]int
}

func (f *fencedSequence) CompleteStructured(_ context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	agent := agentFromPrompt(req)
	seq := f.byAgent[agent]
	if len(seq) == 0 {
		return llmprovider.Response{FinalAnswer: "ok"}, nil
	}
	idx := f.calls[agent]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	f.calls[agent]++
	return llmprovider.Response{FinalAnswer: seq[idx]}, nil
}

func (f *fencedSequence) CompleteStream(_ context.Context, _ llmprovider.Request) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) { yield(llmprovider.StreamChunk{Done: true}, nil) }
}

func agentFromPrompt(req llmprovider.Request) string {
	for _, m := range req.Messages {
		if m.Role != llmprovider.RoleUser {
			continue
		}
		for _, name := range []string{"scout", "match", "forge", "coach"} {
			if strings.Contains(m.Content, "You are the "+name+" agent") {
				return name
			}
		}
	}
	return ""
}
