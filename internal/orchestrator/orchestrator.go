// Package orchestrator implements the Conversation Orchestrator
// (spec.md §4.F), grounded on original_source/src/agents/orchestrator.py's
// pipeline shape and the teacher's agent.Handler.HandleChat/broadcastLoop
// streaming and fan-out plumbing, generalized from SSE-specific code into
// a transport-agnostic iter.Seq2 event iterator.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/kazicore/internal/agentrt"
	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/evaluator"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/negotiator"
	"github.com/ashureev/kazicore/internal/orcherrors"
	"github.com/ashureev/kazicore/internal/router"
	"github.com/ashureev/kazicore/internal/store"
)

// EventKind distinguishes the Orchestrator's streamed event types.
type EventKind string

const (
	EventConversationID EventKind = "conversation_id"
	EventRouting         EventKind = "routing"
	EventAgentStatus     EventKind = "agent_status"
	EventAgentReasoning  EventKind = "agent_reasoning"
	EventToolStatus      EventKind = "tool_status"
	EventEvaluator       EventKind = "evaluator"
	EventNegotiationRound EventKind = "negotiation_round"
	EventNegotiationResult EventKind = "negotiation_result"
	EventContent         EventKind = "content"
	EventTraceIDs        EventKind = "trace_ids"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"

	// Goal Executor events (§4.H).
	EventGoalStepStart    EventKind = "goal_step_start"
	EventGoalStepComplete EventKind = "goal_step_complete"
	EventGoalReplan       EventKind = "goal_replan"

	// Background Task Runner / Push Fabric events (§4.I, §4.J).
	EventNotification EventKind = "notification"
	EventTaskUpdate   EventKind = "task_update"
	EventPong         EventKind = "pong"
)

// AgentStatusValue is the state carried by an agent_status event.
type AgentStatusValue string

const (
	AgentRunning  AgentStatusValue = "running"
	AgentComplete AgentStatusValue = "complete"
	AgentFailed   AgentStatusValue = "failed"
)

// Event is one streamed Turn-execution event.
type Event struct {
	Kind           EventKind
	ConversationID string
	Intent         string
	Agents         []string
	AgentName      string
	AgentStatus    AgentStatusValue
	Decision       *domain.EvaluatorDecision
	NegotiationPosition *negotiator.Position
	NegotiationResult   *negotiator.ConsensusResult
	Content        string
	TraceIDs       []string
	ErrorKind      orcherrors.Kind

	// Goal Executor fields.
	StepID         string
	StepOrdinal    int
	StepTitle      string
	StepStatus     domain.StepStatus
	OutputPreview  string
	ReplanAction   string
	ReplanReason   string

	// Background Task Runner / Push Fabric fields.
	Notification *domain.Notification
	TaskRunID    string
	TaskStatus   domain.TaskRunStatus
}

// TurnRequest is one run_turn invocation (spec.md §4.F, §6).
type TurnRequest struct {
	UserID         string
	ConversationID string // empty means "create a new Conversation"
	UserText       string
	Attachment     *domain.Attachment
}

// AgentExecutor is the subset of agentrt.Runtime the Orchestrator needs,
// factored out so tests can substitute a stub without a real Provider.
type AgentExecutor interface {
	Run(ctx context.Context, in agentrt.Input, trace *domain.Trace, onEvent func(agentrt.ReasoningEvent)) (domain.AgentReport, error)
}

// AgentRegistry resolves an agent name to its system prompt, following
// the Planner/Router's "known agent set" convention.
type AgentRegistry map[string]string

// Config holds the Orchestrator's pipeline bounds (§4.F).
type Config struct {
	TurnBudget            time.Duration
	PartialFailureRatio    float64
	NegotiationConfidenceSpread float64
}

// DefaultConfig matches spec.md §4.F's stated defaults.
func DefaultConfig() Config {
	return Config{TurnBudget: 120 * time.Second, PartialFailureRatio: 0.5, NegotiationConfidenceSpread: 0.3}
}

// Orchestrator composes the Intent Router, Agent Runtime, Evaluator, and
// Negotiator into the per-Turn pipeline.
type Orchestrator struct {
	repo       store.Repository
	lock       store.ConversationLock
	provider   llmprovider.Provider
	rt         AgentExecutor
	router     *router.Router
	eval       *evaluator.Evaluator
	neg        *negotiator.Negotiator
	agents     AgentRegistry
	cfg        Config
}

// New builds an Orchestrator.
func New(repo store.Repository, lock store.ConversationLock, provider llmprovider.Provider, rt AgentExecutor, r *router.Router, e *evaluator.Evaluator, n *negotiator.Negotiator, agents AgentRegistry, cfg Config) *Orchestrator {
	return &Orchestrator{repo: repo, lock: lock, provider: provider, rt: rt, router: r, eval: e, neg: n, agents: agents, cfg: cfg}
}

// RunTurn executes one Turn end to end, streaming its events (§4.F
// steps 1-7). The returned sequence always terminates with a `done` or
// `error` event (spec.md §7: "silent data loss is disallowed").
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnBudget)
		defer cancel()

		turn := &domain.Turn{ID: uuid.NewString(), UserID: req.UserID, InputText: req.UserText, Attachment: req.Attachment, CreatedAt: time.Now()}

		conv, convErr := o.ensureConversation(ctx, req)
		if convErr != nil {
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindInternal}, nil)
			yield(Event{Kind: EventDone}, nil)
			return
		}
		if conv == nil {
			// req.ConversationID pointed at a conversation that does not
			// exist (deleted, or never created) — a caller error, not an
			// internal one.
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindInvalidInput}, nil)
			yield(Event{Kind: EventDone}, nil)
			return
		}
		turn.ConversationID = conv.ID

		unlock, err := o.lock.Lock(ctx, conv.ID)
		if err != nil {
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindInternal}, nil)
			yield(Event{Kind: EventDone}, nil)
			return
		}
		defer unlock()

		if !yield(Event{Kind: EventConversationID, ConversationID: conv.ID}, nil) {
			return
		}

		if err := o.persistUserMessage(ctx, conv.ID, req); err != nil {
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindInternal}, nil)
			yield(Event{Kind: EventDone}, nil)
			return
		}

		decision, err := o.router.Route(ctx, router.Input{Message: req.UserText})
		if err != nil {
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindLLMUnavailable}, nil)
			yield(Event{Kind: EventDone}, nil)
			return
		}
		turn.Intent = decision.Intent
		turn.Agents = decision.Agents

		if !yield(Event{Kind: EventRouting, Intent: decision.Intent, Agents: decision.Agents}, nil) {
			return
		}

		if len(decision.Agents) == 0 {
			// direct_response path (§4.F step 2): an empty agent list at
			// high confidence means "respond directly" (§4.C), not an
			// absence of routing.
			final, ferr := o.streamDirect(ctx, req.UserText, yield)
			if ferr != nil {
				return
			}
			turn.FinalText = final
			o.persistAndFinish(ctx, turn, yield)
			return
		}

		failed, ok := o.runAgentPipeline(ctx, turn, decision.Agents, yield)
		if !ok {
			return
		}

		if negReports := divergentReports(turn.Reports, o.cfg.NegotiationConfidenceSpread); len(negReports) >= 2 && o.neg != nil {
			if !o.runNegotiation(ctx, turn, negReports, yield) {
				return
			}
		}

		select {
		case <-ctx.Done():
			turn.FinalText = "This request was cancelled or timed out before it could finish."
			o.persistAndFinish(ctx, turn, yield)
			return
		default:
		}

		final := o.synthesize(ctx, turn, len(decision.Agents), failed, yield)
		if final == "" {
			return
		}
		turn.FinalText = final
		o.persistAndFinish(ctx, turn, yield)
	}
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req TurnRequest) (*domain.Conversation, error) {
	if req.ConversationID != "" {
		return o.repo.GetConversation(ctx, req.ConversationID)
	}
	conv := &domain.Conversation{ID: uuid.NewString(), UserID: req.UserID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := o.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, conversationID string, req TurnRequest) error {
	msgs, err := o.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	msg := &domain.Message{ID: uuid.NewString(), ConversationID: conversationID, Ordinal: len(msgs), Role: domain.RoleUser, Content: req.UserText, CreatedAt: time.Now()}
	return o.repo.AppendMessage(ctx, msg)
}

func (o *Orchestrator) streamDirect(ctx context.Context, userText string, yield func(Event, error) bool) (string, error) {
	var final string
	req := llmprovider.Request{Messages: []llmprovider.Message{{Role: llmprovider.RoleUser, Content: userText}}}
	for chunk, err := range o.provider.CompleteStream(ctx, req) {
		if err != nil {
			yield(Event{Kind: EventError, ErrorKind: orcherrors.KindLLMUnavailable}, nil)
			yield(Event{Kind: EventDone}, nil)
			return "", err
		}
		final += chunk.Delta
		if !yield(Event{Kind: EventContent, Content: chunk.Delta}, nil) {
			return "", context.Canceled
		}
		if chunk.Done {
			break
		}
	}
	return final, nil
}

// runAgentPipeline executes the remaining-agents queue (§4.F step 4),
// applying Evaluator decisions (loop_back/skip_next/stop/add_agent) as it
// goes. It returns the count of failed agents.
func (o *Orchestrator) runAgentPipeline(ctx context.Context, turn *domain.Turn, initial []string, yield func(Event, error) bool) (failed int, ok bool) {
	queue := append([]string{}, initial...)
	pending := map[string]bool{}
	for _, a := range queue {
		pending[a] = true
	}
	loopBacks := map[string]int{}
	total := 0

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return failed, true
		default:
		}

		agentName := queue[0]
		queue = queue[1:]
		delete(pending, agentName)
		total++

		if !yield(Event{Kind: EventAgentStatus, AgentName: agentName, AgentStatus: AgentRunning}, nil) {
			return failed, false
		}

		trace := &domain.Trace{ID: uuid.NewString(), TurnID: turn.ID, AgentName: agentName, Status: domain.TraceRunning, CreatedAt: time.Now()}
		_ = o.repo.CreateTrace(ctx, trace)

		start := time.Now()
		aborted := false
		report, err := o.rt.Run(ctx, agentrt.Input{AgentName: agentName, SystemPrompt: o.agents[agentName], Brief: turn.InputText, PriorReports: turn.Reports}, trace, func(re agentrt.ReasoningEvent) {
			if aborted {
				return
			}
			if !yield(Event{Kind: EventAgentReasoning, AgentName: re.AgentName, Content: re.Summary}, nil) {
				aborted = true
			}
		})
		latency := time.Since(start).Milliseconds()
		if aborted {
			return failed, false
		}

		stepFailed := err != nil
		status := domain.TraceComplete
		agentStatus := AgentComplete
		if stepFailed {
			status = domain.TraceFailed
			agentStatus = AgentFailed
			failed++
		}
		_ = o.repo.FinishTrace(ctx, trace.ID, status, latency)
		turn.TraceIDs = append(turn.TraceIDs, trace.ID)

		if !yield(Event{Kind: EventAgentStatus, AgentName: agentName, AgentStatus: agentStatus}, nil) {
			return failed, false
		}

		if !stepFailed {
			turn.Reports = append(turn.Reports, report)
		}

		decision, evalErr := o.eval.Evaluate(ctx, evaluator.Input{
			FinishedAgent:   agentName,
			Report:          report,
			StepFailed:      stepFailed,
			RemainingAgents: queue,
			Intent:          turn.Intent,
			LoopBackCounts:  loopBacks,
			PendingAgents:   pending,
		})
		if evalErr != nil {
			decision = domain.EvaluatorDecision{Action: domain.ActionContinue}
		}
		decision.AfterAgent = agentName
		decision.SourceTurnID = turn.ID
		turn.Evaluations = append(turn.Evaluations, decision)

		if !yield(Event{Kind: EventEvaluator, Decision: &decision}, nil) {
			return failed, false
		}

		switch decision.Action {
		case domain.ActionStop:
			return failed, true
		case domain.ActionSkipNext:
			if len(queue) > 0 {
				queue = queue[1:]
			}
		case domain.ActionLoopBack:
			loopBacks[decision.TargetAgent]++
			queue = append([]string{decision.TargetAgent}, queue...)
			pending[decision.TargetAgent] = true
		case domain.ActionAddAgent:
			queue = append(queue, decision.TargetAgent)
			pending[decision.TargetAgent] = true
		}
	}
	return failed, true
}

// divergentReports returns all reports when their confidence spread
// exceeds the threshold, and nil otherwise — the Negotiator trigger per
// §4.E.
func divergentReports(reports []domain.AgentReport, spread float64) []domain.AgentReport {
	if len(reports) < 2 {
		return nil
	}
	minC, maxC := reports[0].Confidence, reports[0].Confidence
	for _, r := range reports[1:] {
		if r.Confidence < minC {
			minC = r.Confidence
		}
		if r.Confidence > maxC {
			maxC = r.Confidence
		}
	}
	if maxC-minC <= spread {
		return nil
	}
	return reports
}

func (o *Orchestrator) runNegotiation(ctx context.Context, turn *domain.Turn, reports []domain.AgentReport, yield func(Event, error) bool) bool {
	outputs := make(map[string]string, len(reports))
	order := make([]string, 0, len(reports))
	for _, r := range reports {
		outputs[r.AgentName] = r.Content
		order = append(order, r.AgentName)
	}

	for ev, err := range o.neg.Run(ctx, negotiator.Input{Topic: turn.InputText, AgentOutputs: outputs, AgentOrder: order}) {
		if err != nil {
			return true // negotiation failure degrades silently to synthesis, not a Turn error
		}
		switch ev.Kind {
		case negotiator.EventRound:
			if !yield(Event{Kind: EventNegotiationRound, AgentName: ev.Agent, NegotiationPosition: ev.Position}, nil) {
				return false
			}
		case negotiator.EventResult:
			if !yield(Event{Kind: EventNegotiationResult, NegotiationResult: ev.Result}, nil) {
				return false
			}
		}
	}
	return true
}

// synthesize composes the final assistant message (§4.F step 6),
// degrading to a templated apology when ≥ PartialFailureRatio of agents
// failed or the provider itself is unavailable.
func (o *Orchestrator) synthesize(ctx context.Context, turn *domain.Turn, totalAgents, failedAgents int, yield func(Event, error) bool) string {
	if totalAgents > 0 && float64(failedAgents)/float64(totalAgents) >= o.cfg.PartialFailureRatio {
		apology := "I wasn't able to complete this request fully — some of the agents working on it ran into trouble. Here is what I could gather."
		if !yield(Event{Kind: EventContent, Content: apology}, nil) {
			return ""
		}
		return apology
	}

	prompt := synthesisPrompt(turn)
	var final string
	for chunk, err := range o.provider.CompleteStream(ctx, llmprovider.Request{Messages: []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: "Integrate the following agent reports into one coherent reply for the user."},
		{Role: llmprovider.RoleUser, Content: prompt},
	}}) {
		if err != nil {
			apology := "I ran into a problem putting together a full answer, but here is what was found."
			yield(Event{Kind: EventContent, Content: apology}, nil)
			return apology
		}
		final += chunk.Delta
		if !yield(Event{Kind: EventContent, Content: chunk.Delta}, nil) {
			return ""
		}
		if chunk.Done {
			break
		}
	}
	return final
}

func synthesisPrompt(turn *domain.Turn) string {
	s := "User request: " + turn.InputText + "\n\nAgent reports:\n"
	for _, r := range turn.Reports {
		s += fmt.Sprintf("- [%s] (confidence %.2f) %s\n", r.AgentName, r.Confidence, r.Content)
	}
	return s
}

func (o *Orchestrator) persistAndFinish(ctx context.Context, turn *domain.Turn, yield func(Event, error) bool) {
	o.persistAssistantMessage(ctx, turn)
	o.finishTurn(ctx, turn, yield)
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, turn *domain.Turn) {
	msgs, err := o.repo.ListMessages(ctx, turn.ConversationID)
	ordinal := 0
	if err == nil {
		ordinal = len(msgs)
	}
	msg := &domain.Message{ID: uuid.NewString(), ConversationID: turn.ConversationID, Ordinal: ordinal, Role: domain.RoleAssistant, Content: turn.FinalText, CreatedAt: time.Now()}
	_ = o.repo.AppendMessage(ctx, msg)
}

func (o *Orchestrator) finishTurn(ctx context.Context, turn *domain.Turn, yield func(Event, error) bool) {
	if !yield(Event{Kind: EventTraceIDs, TraceIDs: turn.TraceIDs}, nil) {
		return
	}
	yield(Event{Kind: EventDone}, nil)
}
