// Package store provides the persistence interfaces and a sqlite-backed
// reference implementation for the orchestration core's durable
// entities. The core depends only on the interfaces below; cmd/server
// is the only package that imports the concrete sqlite implementation.
package store

import (
	"context"

	"github.com/ashureev/kazicore/internal/domain"
)

// ConversationStore persists Conversations and their ordered Messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// TraceStore persists append-only agent execution Traces (Invariant I5).
type TraceStore interface {
	CreateTrace(ctx context.Context, t *domain.Trace) error
	AppendTraceEntry(ctx context.Context, traceID string, entry domain.TraceEntry) error
	FinishTrace(ctx context.Context, traceID string, status domain.TraceStatus, latencyMS int64) error
	GetTrace(ctx context.Context, traceID string) (*domain.Trace, error)
	// SetFeedback records a rating at most once; a second call is a no-op
	// and returns nil, matching the "submitting identical feedback twice
	// keeps only the first recording" idempotence law.
	SetFeedback(ctx context.Context, traceID string, rating domain.FeedbackRating) error
}

// GoalStore persists Goals and their ordinal Steps, plus the per-goal
// exclusive hold that enforces Invariant I2.
type GoalStore interface {
	CreateGoal(ctx context.Context, g *domain.Goal, steps []domain.Step) error
	GetGoal(ctx context.Context, id string) (*domain.Goal, error)
	ListSteps(ctx context.Context, goalID string) ([]domain.Step, error)
	UpdateGoalStatus(ctx context.Context, id string, status domain.GoalStatus) error
	ReplaceTailSteps(ctx context.Context, goalID string, fromOrdinal int, steps []domain.Step) error

	// AcquireStepHold transitions a pending Step to in_progress only if no
	// other Step of the same Goal currently holds in_progress, mirroring
	// the teacher's UpdateContainerID optimistic-lock compare-and-swap.
	// Returns false (no error) if the hold could not be acquired.
	AcquireStepHold(ctx context.Context, stepID string) (bool, error)
	ReleaseStepHold(ctx context.Context, stepID string, status domain.StepStatus, output string, traceID string) error

	SavePipelineSnapshot(ctx context.Context, snap *domain.PipelineSnapshot) error
	GetPipelineSnapshot(ctx context.Context, goalID string) (*domain.PipelineSnapshot, error)
}

// NotificationStore persists one-way Notification records keyed by user.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// TaskRunStore persists TaskRun execution records keyed by user and type.
type TaskRunStore interface {
	CreateTaskRun(ctx context.Context, t *domain.TaskRun) error
	UpdateTaskRunStatus(ctx context.Context, id string, status domain.TaskRunStatus, summary string) error
	GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error)
}

// Repository composes every aggregate's persistence surface, mirroring
// the teacher's single store.Repository — split into sub-interfaces here
// because the entity surface is materially larger than one user table.
type Repository interface {
	ConversationStore
	TraceStore
	GoalStore
	NotificationStore
	TaskRunStore

	Ping(ctx context.Context) error
	Close() error
}

// ConversationLock guards the per-conversation advisory lock the
// Orchestrator holds between persisting the user message and persisting
// the assistant message (§5 "Shared resources").
type ConversationLock interface {
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}
