// Package agentrt implements the Agent Runtime (spec.md §4.B): a bounded
// reason/act/observe loop over the Tool Registry that produces one
// domain.AgentReport per run. Grounded on
// original_source/src/agents/base_agent.py's run() loop (step counter,
// _execute_tool, FINAL_ANSWER sentinel) and the teacher's
// agent.GrpcClient.Chat iter.Seq2 streaming shape for the
// reasoning/tool round trip.
package agentrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/orcherrors"
	"github.com/ashureev/kazicore/internal/tools"
)

// ReasoningEvent is emitted once per (thought, tool, result) round so
// the Orchestrator can forward it as an agent_reasoning event.
type ReasoningEvent struct {
	AgentName string
	Thought   string
	Tool      string
	Summary   string
}

// Input is what one agent execution needs: the conversation/step brief,
// prior reports from earlier pipeline steps (the "shared context"), and
// the system prompt identifying the agent's role.
type Input struct {
	AgentName    string
	SystemPrompt string
	Brief        string
	PriorReports []domain.AgentReport
}

// Config holds the Agent Runtime's bounds (§4.B policies).
type Config struct {
	MaxToolRounds int
	ToolTimeout   time.Duration
	RetryAttempts int
}

// DefaultConfig matches spec.md §4.B's stated defaults.
func DefaultConfig() Config {
	return Config{MaxToolRounds: 3, ToolTimeout: 30 * time.Second, RetryAttempts: 1}
}

// Runtime executes a single agent's bounded reason/act/observe loop.
type Runtime struct {
	provider llmprovider.Provider
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger
}

// New builds a Runtime.
func New(provider llmprovider.Provider, registry *tools.Registry, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{provider: provider, registry: registry, cfg: cfg, logger: logger}
}

// Run executes one bounded reason/act/observe loop. onEvent, if
// non-nil, is called synchronously for each reasoning round so the
// caller can stream agent_reasoning events without agentrt depending on
// the event/streaming types of the orchestrator package.
func (r *Runtime) Run(ctx context.Context, in Input, trace *domain.Trace, onEvent func(ReasoningEvent)) (domain.AgentReport, error) {
	history := buildHistory(in)
	toolSpecs := toolSpecs(r.registry)

	for round := 0; round < r.cfg.MaxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return domain.AgentReport{}, orcherrors.ErrCancelled
		default:
		}

		req := llmprovider.Request{Messages: history, Tools: toolSpecs}
		resp, err := r.provider.CompleteStructured(ctx, req)
		if err != nil {
			return domain.AgentReport{}, fmt.Errorf("%w: %v", orcherrors.ErrLLMUnavailable, err)
		}

		if resp.IsFinal() {
			report, err := r.finalize(ctx, in.AgentName, resp, history, toolSpecs)
			return report, err
		}

		result, toolName := r.invokeToolWithRetry(ctx, resp.ToolCall)
		digest := digestResult(result)

		entry := domain.TraceEntry{
			Thought:      fmt.Sprintf("calling %s", toolName),
			Tool:         toolName,
			ResultDigest: digest,
			RecordedAt:   time.Now(),
		}
		if trace != nil {
			trace.Entries = append(trace.Entries, entry)
		}
		if onEvent != nil {
			onEvent(ReasoningEvent{AgentName: in.AgentName, Thought: entry.Thought, Tool: toolName, Summary: digest})
		}

		history = append(history,
			llmprovider.Message{Role: llmprovider.RoleAssistant, Content: fmt.Sprintf("tool_call:%s", toolName)},
			llmprovider.Message{Role: llmprovider.RoleTool, Content: digest},
		)
	}

	// Exceeding the round cap forces a final-answer prompt on the next turn.
	history = append(history, llmprovider.Message{
		Role:    llmprovider.RoleSystem,
		Content: "tool round budget exhausted; answer now with your best available information",
	})
	resp, err := r.provider.CompleteStructured(ctx, llmprovider.Request{Messages: history})
	if err != nil {
		return domain.AgentReport{}, fmt.Errorf("%w: %v", orcherrors.ErrLLMUnavailable, err)
	}
	return r.finalize(ctx, in.AgentName, resp, history, toolSpecs)
}

func (r *Runtime) finalize(ctx context.Context, agentName string, resp llmprovider.Response, history []llmprovider.Message, toolSpecs []llmprovider.ToolSpec) (domain.AgentReport, error) {
	if resp.FinalAnswer == "" {
		// Parse failure -> one repair attempt with a schema-corrective prompt.
		repairReq := llmprovider.Request{
			Messages: append(history, llmprovider.Message{
				Role:    llmprovider.RoleSystem,
				Content: "your previous response did not parse as a final answer; respond with a non-empty final_answer",
			}),
			Tools: toolSpecs,
		}
		repaired, err := r.provider.CompleteStructured(ctx, repairReq)
		if err != nil || repaired.FinalAnswer == "" {
			return domain.AgentReport{}, orcherrors.ErrAgentParseFailed
		}
		resp = repaired
	}

	return domain.AgentReport{
		AgentName:  agentName,
		Content:    resp.FinalAnswer,
		Confidence: resp.Confidence,
		Rationale:  resp.FinalAnswer,
	}, nil
}

// invokeToolWithRetry applies the per-tool timeout and single retry
// policy (§4.B): a timeout retries once with identical args; a second
// failure returns tool_timeout to the agent as a tool result rather
// than aborting the loop.
func (r *Runtime) invokeToolWithRetry(ctx context.Context, call *llmprovider.ToolCall) (tools.Result, string) {
	if call == nil {
		return tools.Result{OK: false, ErrorKind: orcherrors.KindInvalidArgs}, ""
	}
	args := make(tools.Args, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}

	attempts := r.cfg.RetryAttempts + 1
	var last tools.Result
	for i := 0; i < attempts; i++ {
		toolCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
		last = r.registry.Invoke(toolCtx, call.Tool, args)
		cancel()
		if last.OK || last.ErrorKind != orcherrors.KindToolTimeout {
			return last, call.Tool
		}
	}
	return last, call.Tool
}

func buildHistory(in Input) []llmprovider.Message {
	history := []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: in.SystemPrompt},
		{Role: llmprovider.RoleUser, Content: in.Brief},
	}
	for _, report := range in.PriorReports {
		history = append(history, llmprovider.Message{
			Role:    llmprovider.RoleAssistant,
			Content: fmt.Sprintf("[%s] %s", report.AgentName, report.Content),
		})
	}
	return history
}

func toolSpecs(registry *tools.Registry) []llmprovider.ToolSpec {
	if registry == nil {
		return nil
	}
	names := registry.Names()
	specs := make([]llmprovider.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, llmprovider.ToolSpec{Name: name})
	}
	return specs
}

func digestResult(res tools.Result) string {
	h := sha256.New()
	fmt.Fprintf(h, "%v:%v:%v", res.OK, res.ErrorKind, res.Data)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewTraceID returns a fresh Trace identifier.
func NewTraceID() string { return uuid.NewString() }
