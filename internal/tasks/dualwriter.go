package tasks

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/store"
)

// Publisher is the subset of pushfabric.Fabric a DualWriter needs,
// factored out so this package never imports pushfabric directly.
type Publisher interface {
	PublishTaskUpdate(userID string, status domain.TaskRunStatus, taskRunID string)
	PublishNotification(userID string, n domain.Notification)
}

// DualWriter fans a task's progress into both the durable store
// (Notification persistence) and the live pushfabric event sink
// simultaneously, adapted from the teacher's AsyncDualWriter (which
// fanned PTY output into both the WebSocket and a Monitor) — here the
// two sinks are the Notification table and a user's live Subscriptions
// rather than stdout and a log processor.
type DualWriter struct {
	repo      store.Repository
	publisher Publisher
	userID    string
	taskRunID string
	logger    *slog.Logger
}

// NewDualWriter builds a DualWriter for one task execution.
func NewDualWriter(repo store.Repository, publisher Publisher, userID, taskRunID string, logger *slog.Logger) *DualWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualWriter{repo: repo, publisher: publisher, userID: userID, taskRunID: taskRunID, logger: logger}
}

// Notify persists n and pushes it to the user's live Subscriptions.
// Persistence failures are logged, not returned, matching base_task.py's
// "notification creation never aborts the task" behavior.
func (dw *DualWriter) Notify(ctx context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.UserID = dw.userID
	n.Source = domain.NotificationSourceTaskRunner

	if err := dw.repo.CreateNotification(ctx, &n); err != nil {
		dw.logger.Warn("tasks: failed to persist notification", "user_id", dw.userID, "task_run_id", dw.taskRunID, "error", err)
	}
	if dw.publisher != nil {
		dw.publisher.PublishNotification(dw.userID, n)
	}
}

// Progress pushes a task_update event without persisting anything,
// following base_task.py's checkpoint() — intermediate progress, not a
// user-facing Notification.
func (dw *DualWriter) Progress(status domain.TaskRunStatus) {
	if dw.publisher != nil {
		dw.publisher.PublishTaskUpdate(dw.userID, status, dw.taskRunID)
	}
}
