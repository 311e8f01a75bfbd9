package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/kazicore/internal/domain"
)

type stubHandler struct {
	err  error
	done chan Spec
}

func (h *stubHandler) Run(_ context.Context, spec Spec, dw *DualWriter) error {
	dw.Progress(domain.TaskRunning)
	if h.done != nil {
		h.done <- spec
	}
	return h.err
}

func newRunnerFixture(h Handler) (*Runner, *fakeTaskRepo, *fakePublisher) {
	repo := newFakeTaskRepo()
	pub := &fakePublisher{}
	r := NewRunner(repo, func(userID, taskRunID string) *DualWriter {
		return NewDualWriter(repo, pub, userID, taskRunID, nil)
	}, 2, nil)
	r.Register("stub", h)
	return r, repo, pub
}

func TestRegisterDuplicateTaskTypePanics(t *testing.T) {
	r, _, _ := newRunnerFixture(&stubHandler{})
	defer func() {
		if recover() == nil {
			t.Error("Register() did not panic on a duplicate task type")
		}
	}()
	r.Register("stub", &stubHandler{})
}

func TestSubmitUnknownTypeErrors(t *testing.T) {
	r, _, _ := newRunnerFixture(&stubHandler{})
	_, err := r.Submit(context.Background(), Spec{Type: "unknown"})
	if err == nil {
		t.Error("Submit() error = nil, want an error for an unregistered type")
	}
}

func TestSubmitRunsHandlerAndMarksCompleted(t *testing.T) {
	done := make(chan Spec, 1)
	r, repo, _ := newRunnerFixture(&stubHandler{done: done})

	id, err := r.Submit(context.Background(), Spec{UserID: "u1", Type: "stub"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	r.Stop(context.Background())

	run, _ := repo.GetTaskRun(context.Background(), id)
	if run == nil || run.Status != domain.TaskCompleted {
		t.Fatalf("run = %+v, want completed", run)
	}
}

func TestSubmitHandlerFailureMarksFailedAndNotifies(t *testing.T) {
	done := make(chan Spec, 1)
	r, repo, pub := newRunnerFixture(&stubHandler{err: errors.New("boom"), done: done})

	id, err := r.Submit(context.Background(), Spec{UserID: "u1", Type: "stub"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	r.Stop(context.Background())

	run, _ := repo.GetTaskRun(context.Background(), id)
	if run == nil || run.Status != domain.TaskFailed {
		t.Fatalf("run = %+v, want failed", run)
	}
	if len(pub.notifications) != 1 || pub.notifications[0].Type != "task_failed" {
		t.Errorf("notifications = %+v, want a single task_failed notification", pub.notifications)
	}
}

func TestSubmitBoundsConcurrencyToPoolSize(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	blocking := &blockingHandler{started: started, release: release}

	repo := newFakeTaskRepo()
	r := NewRunner(repo, func(userID, taskRunID string) *DualWriter {
		return NewDualWriter(repo, nil, userID, taskRunID, nil)
	}, 2, nil)
	r.Register("block", blocking)

	for i := 0; i < 3; i++ {
		if _, err := r.Submit(context.Background(), Spec{UserID: "u1", Type: "block"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	// Only the pool-sized number of workers should be running at once.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("expected pool workers never started")
		}
	}
	select {
	case <-started:
		t.Fatal("a third task started concurrently despite a pool size of 2")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	r.Stop(context.Background())
}

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) Run(_ context.Context, _ Spec, _ *DualWriter) error {
	h.started <- struct{}{}
	<-h.release
	return nil
}
