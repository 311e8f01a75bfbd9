package goals

import (
	"context"
	"iter"
	"sync"
	"testing"

	"github.com/ashureev/kazicore/internal/agentrt"
	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/orchestrator"
	"github.com/ashureev/kazicore/internal/store"
)

// fakeGoalRepo is a minimal in-memory store.Repository exercising only
// the GoalStore surface the Executor calls.
type fakeGoalRepo struct {
	mu       sync.Mutex
	steps    map[string][]domain.Step // goalID -> ordered steps
	statuses map[string]domain.GoalStatus
	holds    map[string]bool // stepID -> held
}

func newFakeGoalRepo(goalID string, steps []domain.Step) *fakeGoalRepo {
	return &fakeGoalRepo{
		steps:    map[string][]domain.Step{goalID: steps},
		statuses: map[string]domain.GoalStatus{goalID: domain.GoalActive},
		holds:    map[string]bool{},
	}
}

func (f *fakeGoalRepo) CreateGoal(context.Context, *domain.Goal, []domain.Step) error { return nil }
func (f *fakeGoalRepo) GetGoal(context.Context, string) (*domain.Goal, error)         { return nil, nil }

func (f *fakeGoalRepo) ListSteps(_ context.Context, goalID string) ([]domain.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Step{}, f.steps[goalID]...), nil
}

func (f *fakeGoalRepo) UpdateGoalStatus(_ context.Context, goalID string, status domain.GoalStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[goalID] = status
	return nil
}

func (f *fakeGoalRepo) ReplaceTailSteps(_ context.Context, goalID string, fromOrdinal int, steps []domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := []domain.Step{}
	for _, s := range f.steps[goalID] {
		if s.Ordinal < fromOrdinal {
			kept = append(kept, s)
		}
	}
	f.steps[goalID] = append(kept, steps...)
	return nil
}

func (f *fakeGoalRepo) AcquireStepHold(_ context.Context, stepID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holds[stepID] {
		return false, nil
	}
	f.holds[stepID] = true
	return true, nil
}

func (f *fakeGoalRepo) ReleaseStepHold(_ context.Context, stepID string, status domain.StepStatus, output string, traceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for goalID, steps := range f.steps {
		for i := range steps {
			if steps[i].ID == stepID {
				steps[i].Status = status
				steps[i].Output = output
				steps[i].TraceID = traceID
			}
		}
		f.steps[goalID] = steps
	}
	delete(f.holds, stepID)
	return nil
}

func (f *fakeGoalRepo) SavePipelineSnapshot(context.Context, *domain.PipelineSnapshot) error { return nil }
func (f *fakeGoalRepo) GetPipelineSnapshot(context.Context, string) (*domain.PipelineSnapshot, error) {
	return nil, nil
}

func (f *fakeGoalRepo) CreateConversation(context.Context, *domain.Conversation) error { return nil }
func (f *fakeGoalRepo) GetConversation(context.Context, string) (*domain.Conversation, error) {
	return nil, nil
}
func (f *fakeGoalRepo) AppendMessage(context.Context, *domain.Message) error { return nil }
func (f *fakeGoalRepo) ListMessages(context.Context, string) ([]domain.Message, error) {
	return nil, nil
}
func (f *fakeGoalRepo) CreateTrace(context.Context, *domain.Trace) error { return nil }
func (f *fakeGoalRepo) AppendTraceEntry(context.Context, string, domain.TraceEntry) error {
	return nil
}
func (f *fakeGoalRepo) FinishTrace(context.Context, string, domain.TraceStatus, int64) error {
	return nil
}
func (f *fakeGoalRepo) GetTrace(context.Context, string) (*domain.Trace, error) { return nil, nil }
func (f *fakeGoalRepo) SetFeedback(context.Context, string, domain.FeedbackRating) error {
	return nil
}
func (f *fakeGoalRepo) CreateNotification(context.Context, *domain.Notification) error { return nil }
func (f *fakeGoalRepo) ListNotifications(context.Context, string, bool) ([]domain.Notification, error) {
	return nil, nil
}
func (f *fakeGoalRepo) MarkRead(context.Context, string) error                     { return nil }
func (f *fakeGoalRepo) CreateTaskRun(context.Context, *domain.TaskRun) error       { return nil }
func (f *fakeGoalRepo) UpdateTaskRunStatus(context.Context, string, domain.TaskRunStatus, string) error {
	return nil
}
func (f *fakeGoalRepo) GetTaskRun(context.Context, string) (*domain.TaskRun, error) { return nil, nil }
func (f *fakeGoalRepo) Ping(context.Context) error                                  { return nil }
func (f *fakeGoalRepo) Close() error                                                { return nil }

var _ store.Repository = (*fakeGoalRepo)(nil)

func newFakeStepSequence(goalID string, titles ...string) []domain.Step {
	steps := make([]domain.Step, len(titles))
	for i, title := range titles {
		steps[i] = domain.Step{ID: title + "-id", GoalID: goalID, Ordinal: i, Title: title, AssignedAgent: "scout", Status: domain.StepPending}
	}
	return steps
}

func TestExecuteStepRunsLowestOrdinalPending(t *testing.T) {
	steps := newFakeStepSequence("g1", "first", "second")
	repo := newFakeGoalRepo("g1", steps)
	fake := llmprovider.NewFake("did the first step", 0.9)
	rt := agentrt.New(fake, nil, agentrt.DefaultConfig(), nil)
	e := NewExecutor(repo, fake, rt, orchestrator.AgentRegistry{"scout": "you are scout"}, DefaultExecutorConfig(map[string]bool{"scout": true}))

	var events []orchestrator.Event
	for ev, err := range e.ExecuteStep(context.Background(), "g1") {
		if err != nil {
			t.Fatalf("ExecuteStep() error = %v", err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 || events[len(events)-1].Kind != orchestrator.EventDone {
		t.Fatalf("events = %+v, want a trailing done event", events)
	}

	got, _ := repo.ListSteps(context.Background(), "g1")
	if got[0].Status != domain.StepCompleted {
		t.Errorf("first step status = %v, want completed", got[0].Status)
	}
	if got[1].Status != domain.StepPending {
		t.Errorf("second step status = %v, want still pending", got[1].Status)
	}
}

func TestExecuteStepNoPendingStepsIsDoneImmediately(t *testing.T) {
	steps := newFakeStepSequence("g1", "only")
	steps[0].Status = domain.StepCompleted
	repo := newFakeGoalRepo("g1", steps)
	fake := llmprovider.NewFake("unused", 0.9)
	rt := agentrt.New(fake, nil, agentrt.DefaultConfig(), nil)
	e := NewExecutor(repo, fake, rt, orchestrator.AgentRegistry{}, DefaultExecutorConfig(map[string]bool{"scout": true}))

	var events []orchestrator.Event
	for ev, err := range e.ExecuteStep(context.Background(), "g1") {
		if err != nil {
			t.Fatalf("ExecuteStep() error = %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Kind != orchestrator.EventDone {
		t.Errorf("events = %+v, want a single done event", events)
	}
}

func TestAutoExecuteRunsAllStepsToCompletion(t *testing.T) {
	steps := newFakeStepSequence("g1", "first", "second")
	repo := newFakeGoalRepo("g1", steps)

	agentFake := llmprovider.NewFake("step output", 0.9)
	rt := agentrt.New(agentFake, nil, agentrt.DefaultConfig(), nil)

	replanFake := llmprovider.NewFake(`{"action":"continue"}`, 0)
	e := NewExecutor(repo, replanFake, rt, orchestrator.AgentRegistry{"scout": "you are scout"}, DefaultExecutorConfig(map[string]bool{"scout": true}))

	var kinds []orchestrator.EventKind
	for ev, err := range e.AutoExecute(context.Background(), "g1") {
		if err != nil {
			t.Fatalf("AutoExecute() error = %v", err)
		}
		kinds = append(kinds, ev.Kind)
	}
	if kinds[len(kinds)-1] != orchestrator.EventDone {
		t.Fatalf("last event = %v, want done", kinds[len(kinds)-1])
	}

	got, _ := repo.ListSteps(context.Background(), "g1")
	for _, s := range got {
		if s.Status != domain.StepCompleted {
			t.Errorf("step %s status = %v, want completed", s.Title, s.Status)
		}
	}
	if repo.statuses["g1"] != domain.GoalCompleted {
		t.Errorf("goal status = %v, want completed", repo.statuses["g1"])
	}
}

func TestAutoExecuteStepFailurePausesGoal(t *testing.T) {
	steps := newFakeStepSequence("g1", "first")
	repo := newFakeGoalRepo("g1", steps)

	rt := agentrt.New(&failingProviderStub{}, nil, agentrt.DefaultConfig(), nil)
	replanFake := llmprovider.NewFake(`{"action":"continue"}`, 0)
	e := NewExecutor(repo, replanFake, rt, orchestrator.AgentRegistry{"scout": "you are scout"}, DefaultExecutorConfig(map[string]bool{"scout": true}))

	var sawStepComplete bool
	for ev, err := range e.AutoExecute(context.Background(), "g1") {
		if err != nil {
			t.Fatalf("AutoExecute() error = %v", err)
		}
		if ev.Kind == orchestrator.EventGoalStepComplete && ev.StepStatus == domain.StepFailed {
			sawStepComplete = true
		}
	}
	if !sawStepComplete {
		t.Error("never saw a failed goal_step_complete event")
	}
	if repo.statuses["g1"] != domain.GoalPaused {
		t.Errorf("goal status = %v, want paused after a failed step", repo.statuses["g1"])
	}
}

func TestAutoExecuteReplanSkipsNextStep(t *testing.T) {
	steps := newFakeStepSequence("g1", "first", "second", "third")
	repo := newFakeGoalRepo("g1", steps)

	agentFake := llmprovider.NewFake("step output", 0.9)
	rt := agentrt.New(agentFake, nil, agentrt.DefaultConfig(), nil)

	replanFake := &llmprovider.Fake{StructuredResponses: []llmprovider.Response{
		{FinalAnswer: `{"action":"skip_next","reason":"redundant step"}`},
		{FinalAnswer: `{"action":"continue"}`},
	}}
	e := NewExecutor(repo, replanFake, rt, orchestrator.AgentRegistry{"scout": "you are scout"}, DefaultExecutorConfig(map[string]bool{"scout": true}))

	var sawReplan bool
	for ev, err := range e.AutoExecute(context.Background(), "g1") {
		if err != nil {
			t.Fatalf("AutoExecute() error = %v", err)
		}
		if ev.Kind == orchestrator.EventGoalReplan {
			sawReplan = true
		}
	}
	if !sawReplan {
		t.Fatal("expected a goal_replan event when the evaluator returns skip_next")
	}

	got, _ := repo.ListSteps(context.Background(), "g1")
	var second domain.Step
	for _, s := range got {
		if s.Title == "second" {
			second = s
		}
	}
	if second.Status != domain.StepSkipped {
		t.Errorf("second step status = %v, want skipped", second.Status)
	}
}

type failingProviderStub struct{}

func (failingProviderStub) CompleteStructured(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	return llmprovider.Response{}, errProviderDown
}

func (failingProviderStub) CompleteStream(_ context.Context, _ llmprovider.Request) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) { yield(llmprovider.StreamChunk{}, errProviderDown) }
}
