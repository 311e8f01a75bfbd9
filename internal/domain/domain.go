// Package domain holds the semantic entities of the orchestration core:
// Conversations and Messages, the transient Turn, append-only Traces,
// AgentReports, Goals and their Steps, Notifications, Subscriptions, and
// TaskRuns. Persistence is an external collaborator (see internal/store);
// these are plain structs with no storage-specific tags.
package domain

import "time"

// Conversation owns an ordered list of Messages for one user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole distinguishes the author of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one ordered entry within a Conversation. Ordinal is
// strictly increasing within a Conversation (Invariant I1).
type Message struct {
	ID             string
	ConversationID string
	Ordinal        int
	Role           MessageRole
	Content        string
	CreatedAt      time.Time
}

// Attachment is the optional file payload carried by a Turn.
type Attachment struct {
	Name    string
	Content []byte
}

// TraceEntry is one (thought, tool, result) step recorded for an agent
// execution. Trace rows are append-only (Invariant I5): entries, once
// present, are never mutated.
type TraceEntry struct {
	Thought      string
	Tool         string
	ResultDigest string
	RecordedAt   time.Time
}

// FeedbackRating is the user's verdict on a Trace, set at most once.
type FeedbackRating string

const (
	FeedbackPositive FeedbackRating = "positive"
	FeedbackNegative FeedbackRating = "negative"
)

// TraceStatus is the terminal state of an agent execution captured in a Trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceComplete  TraceStatus = "complete"
	TraceFailed    TraceStatus = "failed"
	TraceCancelled TraceStatus = "cancelled"
)

// Trace is the durable record of one agent execution within a Turn or Step.
type Trace struct {
	ID           string
	TurnID       string
	StepID       string
	AgentName    string
	InputsDigest string
	Entries      []TraceEntry
	Status       TraceStatus
	LatencyMS    int64
	Feedback     *FeedbackRating
	CreatedAt    time.Time
}

// AgentReport is the structured output one agent produces: role-specific
// content plus a confidence and a free-form rationale.
type AgentReport struct {
	AgentName  string
	Content    string
	Fields     map[string]string
	Confidence float64
	Rationale  string
}

// Turn is the transient unit of orchestration for one user message. It is
// created on submission and discarded when streaming terminates.
type Turn struct {
	ID             string
	UserID         string
	ConversationID string
	InputText      string
	Attachment     *Attachment
	Cancelled      bool
	Intent         string
	Agents         []string
	Reports        []AgentReport
	Evaluations    []EvaluatorDecision
	FinalText      string
	TraceIDs       []string
	CreatedAt      time.Time
}

// EvaluatorAction is one of the five directives the Evaluator may return.
type EvaluatorAction string

const (
	ActionContinue EvaluatorAction = "continue"
	ActionSkipNext EvaluatorAction = "skip_next"
	ActionLoopBack EvaluatorAction = "loop_back"
	ActionStop     EvaluatorAction = "stop"
	ActionAddAgent EvaluatorAction = "add_agent"
)

// EvaluatorDecision is the record the Evaluator emits after one step.
type EvaluatorDecision struct {
	Action       EvaluatorAction
	TargetAgent  string
	Reason       string
	AfterAgent   string
	SourceTurnID string
}

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalSuggested GoalStatus = "suggested"
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal owns a totally-ordered list of Steps.
type Goal struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Status      GoalStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// Step is one ordinal unit of a Goal's plan.
type Step struct {
	ID             string
	GoalID         string
	Ordinal        int
	Title          string
	Rationale      string
	AssignedAgent  string
	Status         StepStatus
	Output         string
	TraceID        string
	RetriesUsed    int
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// NotificationSource traces which subsystem created a Notification.
type NotificationSource string

const (
	NotificationSourceTaskRunner    NotificationSource = "task_runner"
	NotificationSourceGoalTransition NotificationSource = "goal_transition"
)

// Notification is a one-way, user-facing event record.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Body      string
	Payload   map[string]string
	Source    NotificationSource
	Read      bool
	CreatedAt time.Time
}

// TaskRunStatus is the lifecycle state of a background TaskRun.
type TaskRunStatus string

const (
	TaskPending   TaskRunStatus = "pending"
	TaskRunning   TaskRunStatus = "running"
	TaskCompleted TaskRunStatus = "completed"
	TaskFailed    TaskRunStatus = "failed"
	TaskCancelled TaskRunStatus = "cancelled"
)

// TaskRun is one execution record of a scheduled or ad-hoc background task.
type TaskRun struct {
	ID            string
	UserID        string
	Type          string
	Configuration map[string]string
	Status        TaskRunStatus
	ResultSummary string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// PipelineSnapshot is the durable shared-context checkpoint an autonomous
// Goal run persists between Steps, so a crash mid-run can resume from the
// last completed Step. Grounded on the teacher's domain.AgentSession /
// the original's AutonomousTask.checkpoint-restore pattern.
type PipelineSnapshot struct {
	GoalID        string
	LastStepOrdinal int
	Context       map[string]string
	UpdatedAt     time.Time
}
