package agentrt

import (
	"context"
	"iter"
	"testing"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/orcherrors"
	"github.com/ashureev/kazicore/internal/tools"
)

func TestRunReturnsFinalAnswerDirectly(t *testing.T) {
	fake := llmprovider.NewFake("here are five roles that match", 0.8)
	rt := New(fake, tools.NewRegistry(), DefaultConfig(), nil)

	report, err := rt.Run(context.Background(), Input{AgentName: "scout", SystemPrompt: "you are scout", Brief: "find jobs"}, nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Content != "here are five roles that match" {
		t.Errorf("Content = %q, want passthrough final answer", report.Content)
	}
	if report.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", report.Confidence)
	}
}

func TestRunInvokesToolThenFinalizes(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&stubEchoTool{name: "echo"})

	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{ToolCall: &llmprovider.ToolCall{Tool: "echo", Args: map[string]string{"x": "1"}}},
		{FinalAnswer: "done after tool call", Confidence: 0.7},
	}}
	rt := New(fake, registry, DefaultConfig(), nil)

	var events []ReasoningEvent
	trace := &domain.Trace{}
	report, err := rt.Run(context.Background(), Input{AgentName: "scout", SystemPrompt: "p", Brief: "b"}, trace, func(ev ReasoningEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Content != "done after tool call" {
		t.Errorf("Content = %q, want final answer after tool round", report.Content)
	}
	if len(events) != 1 {
		t.Fatalf("reasoning events = %d, want 1", len(events))
	}
	if len(trace.Entries) != 1 {
		t.Errorf("trace entries = %d, want 1", len(trace.Entries))
	}
}

func TestRunExhaustsToolRoundsThenForcesFinalAnswer(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&stubEchoTool{name: "echo"})

	fake := &loopingToolFake{toolCalls: 2}
	cfg := DefaultConfig()
	cfg.MaxToolRounds = 2
	rt := New(fake, registry, cfg, nil)

	report, err := rt.Run(context.Background(), Input{AgentName: "scout", SystemPrompt: "p", Brief: "b"}, nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Content == "" {
		t.Error("Content = \"\", want forced final answer after round budget exhausted")
	}
}

func TestRunProviderErrorSurfacesLLMUnavailable(t *testing.T) {
	rt := New(&failingProvider{}, tools.NewRegistry(), DefaultConfig(), nil)
	_, err := rt.Run(context.Background(), Input{AgentName: "scout"}, nil, nil)
	if orcherrors.KindOf(err) != orcherrors.KindLLMUnavailable {
		t.Errorf("KindOf(err) = %q, want llm_unavailable", orcherrors.KindOf(err))
	}
}

func TestRunCancelledContextReturnsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := New(llmprovider.NewFake("x", 1), tools.NewRegistry(), DefaultConfig(), nil)

	_, err := rt.Run(ctx, Input{AgentName: "scout"}, nil, nil)
	if orcherrors.KindOf(err) != orcherrors.KindCancelled {
		t.Errorf("KindOf(err) = %q, want cancelled", orcherrors.KindOf(err))
	}
}

func TestFinalizeEmptyAnswerAttemptsRepair(t *testing.T) {
	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: ""},
		{FinalAnswer: "repaired answer", Confidence: 0.6},
	}}
	rt := New(fake, tools.NewRegistry(), DefaultConfig(), nil)

	report, err := rt.Run(context.Background(), Input{AgentName: "scout"}, nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Content != "repaired answer" {
		t.Errorf("Content = %q, want repaired answer", report.Content)
	}
}

func TestFinalizeRepairStillEmptyReturnsParseFailed(t *testing.T) {
	fake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: ""},
		{FinalAnswer: ""},
	}}
	rt := New(fake, tools.NewRegistry(), DefaultConfig(), nil)

	_, err := rt.Run(context.Background(), Input{AgentName: "scout"}, nil, nil)
	if orcherrors.KindOf(err) != orcherrors.KindAgentParseFailed {
		t.Errorf("KindOf(err) = %q, want agent_parse_failed", orcherrors.KindOf(err))
	}
}

type stubEchoTool struct{ name string }

func (s *stubEchoTool) Name() string          { return s.name }
func (s *stubEchoTool) Schema() tools.ArgSchema { return nil }
func (s *stubEchoTool) Effect() tools.Effect  { return tools.ReadOnly }
func (s *stubEchoTool) Invoke(_ context.Context, args tools.Args) tools.Result {
	return tools.Result{OK: true, Data: map[string]any{"echo": args}}
}

// failingProvider always errors, used to exercise the llm_unavailable path.
type failingProvider struct{}

func (f *failingProvider) CompleteStructured(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	return llmprovider.Response{}, errNoConnection
}

func (f *failingProvider) CompleteStream(_ context.Context, _ llmprovider.Request) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) {}
}

var errNoConnection = &providerError{"no connection"}

type providerError struct{ msg string }

func (e *providerError) Error() string { return e.msg }

// loopingToolFake always requests the same tool call, forcing the
// runtime to exhaust its tool-round budget and fall back to a forced
// final-answer prompt.
type loopingToolFake struct {
	toolCalls int
	calls     int
}

func (f *loopingToolFake) CompleteStructured(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	f.calls++
	if f.calls <= f.toolCalls {
		return llmprovider.Response{ToolCall: &llmprovider.ToolCall{Tool: "echo", Args: map[string]string{}}}, nil
	}
	return llmprovider.Response{FinalAnswer: "forced final answer"}, nil
}

func (f *loopingToolFake) CompleteStream(_ context.Context, _ llmprovider.Request) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) {}
}
