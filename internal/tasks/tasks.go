// Package tasks implements the Background Task Runner (spec.md §4.I),
// grounded on original_source/src/tasks/base_task.py's AutonomousTask
// (checkpoint/restore, on_success/on_failure → Notification), and its
// three concrete task types (job_monitor.py, app_tracker.py,
// company_deep_dive.py), reimplemented without Celery: robfig/cron/v3
// drives interval schedules and a bounded worker pool runs one-shot
// tasks, following the teacher's goroutine-per-unit-of-work idiom
// (internal/container/manager.go's reaper loop).
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/store"
)

// Spec describes one task invocation: which Handler runs it, for which
// user, with what configuration.
type Spec struct {
	UserID        string
	Type          string
	Configuration map[string]string
}

// Handler executes one task type. Implementations call back through
// DualWriter to persist progress and notify the owning user, following
// base_task.py's checkpoint/on_success/on_failure triad.
type Handler interface {
	Run(ctx context.Context, spec Spec, dw *DualWriter) error
}

// Runner schedules and executes background tasks: robfig/cron for
// periodic types, a bounded worker pool for one-shot ones.
type Runner struct {
	repo     store.Repository
	dw       func(userID, taskRunID string) *DualWriter
	handlers map[string]Handler
	cron     *cron.Cron
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRunner builds a Runner with a bounded one-shot worker pool of the
// given size.
func NewRunner(repo store.Repository, dwFactory func(userID, taskRunID string) *DualWriter, poolSize int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Runner{
		repo:     repo,
		dw:       dwFactory,
		handlers: make(map[string]Handler),
		cron:     cron.New(),
		logger:   logger,
		sem:      make(chan struct{}, poolSize),
		entries:  make(map[string]cron.EntryID),
	}
}

// Register binds a task type name to its Handler. Duplicate
// registration is a programmer error, matching the Tool Registry's
// panic-on-duplicate convention (§4.A).
func (r *Runner) Register(taskType string, h Handler) {
	if _, exists := r.handlers[taskType]; exists {
		panic(fmt.Sprintf("tasks: duplicate handler registration for %q", taskType))
	}
	r.handlers[taskType] = h
}

// Start begins the cron scheduler's background goroutine.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler and waits for in-flight one-shot tasks.
func (r *Runner) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	r.wg.Wait()
}

// Submit runs spec once, on the bounded worker pool, and returns the
// created TaskRun's ID immediately (§4.I "Supplemented").
func (r *Runner) Submit(ctx context.Context, spec Spec) (string, error) {
	handler, ok := r.handlers[spec.Type]
	if !ok {
		return "", fmt.Errorf("tasks: no handler registered for type %q", spec.Type)
	}

	run := &domain.TaskRun{ID: uuid.NewString(), UserID: spec.UserID, Type: spec.Type, Configuration: spec.Configuration, Status: domain.TaskPending, CreatedAt: time.Now()}
	if err := r.repo.CreateTaskRun(ctx, run); err != nil {
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		r.execute(context.WithoutCancel(ctx), run, handler, spec)
	}()

	return run.ID, nil
}

// Schedule runs spec on the given interval via robfig/cron, returning
// an unschedule function.
func (r *Runner) Schedule(spec Spec, interval time.Duration) (func(), error) {
	handler, ok := r.handlers[spec.Type]
	if !ok {
		return nil, fmt.Errorf("tasks: no handler registered for type %q", spec.Type)
	}

	id, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx := context.Background()
		run := &domain.TaskRun{ID: uuid.NewString(), UserID: spec.UserID, Type: spec.Type, Configuration: spec.Configuration, Status: domain.TaskPending, CreatedAt: time.Now()}
		if err := r.repo.CreateTaskRun(ctx, run); err != nil {
			r.logger.Error("tasks: failed to create scheduled run", "type", spec.Type, "error", err)
			return
		}
		r.execute(ctx, run, handler, spec)
	})
	if err != nil {
		return nil, err
	}

	key := uuid.NewString()
	r.mu.Lock()
	r.entries[key] = id
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if eid, ok := r.entries[key]; ok {
			r.cron.Remove(eid)
			delete(r.entries, key)
		}
	}, nil
}

func (r *Runner) execute(ctx context.Context, run *domain.TaskRun, handler Handler, spec Spec) {
	now := time.Now()
	run.StartedAt = &now
	_ = r.repo.UpdateTaskRunStatus(ctx, run.ID, domain.TaskRunning, "")

	dw := r.dw(spec.UserID, run.ID)
	err := handler.Run(ctx, spec, dw)

	finished := time.Now()
	run.FinishedAt = &finished
	if err != nil {
		r.logger.Warn("tasks: run failed", "type", spec.Type, "user_id", spec.UserID, "error", err)
		_ = r.repo.UpdateTaskRunStatus(ctx, run.ID, domain.TaskFailed, err.Error())
		dw.Notify(ctx, domain.Notification{
			UserID: spec.UserID, Type: "task_failed", Title: "Background task failed",
			Body: fmt.Sprintf("Task failed: %.200s", err.Error()), Source: domain.NotificationSourceTaskRunner,
		})
		return
	}
	_ = r.repo.UpdateTaskRunStatus(ctx, run.ID, domain.TaskCompleted, "ok")
}
