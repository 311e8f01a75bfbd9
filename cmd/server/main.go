// KaziCore - Career Assistant Orchestration Server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/kazicore/internal/agentrt"
	"github.com/ashureev/kazicore/internal/config"
	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/evaluator"
	"github.com/ashureev/kazicore/internal/goals"
	"github.com/ashureev/kazicore/internal/llmprovider"
	"github.com/ashureev/kazicore/internal/negotiator"
	"github.com/ashureev/kazicore/internal/orcherrors"
	"github.com/ashureev/kazicore/internal/orchestrator"
	"github.com/ashureev/kazicore/internal/pushfabric"
	"github.com/ashureev/kazicore/internal/router"
	"github.com/ashureev/kazicore/internal/sandbox"
	"github.com/ashureev/kazicore/internal/store"
	"github.com/ashureev/kazicore/internal/tasks"
	"github.com/ashureev/kazicore/internal/tools"
)

// knownAgents is the Agent Registry: names the Router, Evaluator,
// Planner and Executor all validate against (§5 "read-only after
// process start").
var knownAgents = map[string]bool{"scout": true, "match": true, "forge": true, "coach": true}

var agentSystemPrompts = orchestrator.AgentRegistry{
	"scout": "You are Scout, a career assistant agent that finds job openings matching the user's goals using the search_jobs tool.",
	"match": "You are Match, a career assistant agent that evaluates how well the user's background fits a role, using the salary_lookup tool where useful.",
	"forge": "You are Forge, a career assistant agent that drafts outreach emails and application materials using the draft_email tool.",
	"coach": "You are Coach, a career assistant agent that prepares the user for interviews for roles already identified.",
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}

	provider, err := llmprovider.NewGRPCProvider(cfg.LLMProviderAddr, logger)
	if err != nil {
		slog.Error("failed to connect to llm provider", "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	// Sandbox is an optional dependency: external-effect tools degrade
	// to running on the host (local-dev path) if no Docker daemon is
	// reachable, mirroring the teacher's optional Python-Agent wiring.
	var sandboxMgr *sandbox.Manager
	sandboxMgr, err = sandbox.NewManager(cfg.SandboxDockerHost, cfg.SandboxIdleTTL, logger)
	if err != nil {
		slog.Warn("sandbox unavailable, external-effect tools will run unsandboxed", "error", err)
		sandboxMgr = nil
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewSearchJobsTool(getEnv("JOB_BOARD_ENDPOINT", "https://jobs.example.com/api/search")))
	registry.Register(tools.NewSalaryLookupTool(defaultSalaryBands()))

	pushCfg := pushfabric.DefaultConfig(cfg.JWTSigningKey)
	pushCfg.QueueSize = cfg.SubscriptionQueueSize
	pushCfg.HeartbeatInterval = cfg.HeartbeatInterval
	pushCfg.AuthGracePeriod = cfg.AuthGracePeriod
	fabric := pushfabric.New(pushCfg, logger)
	registry.Register(tools.NewDraftEmailTool(&notificationEmailNotifier{fabric: fabric}))

	var companyTool *tools.CompanyResearchTool
	if sandboxMgr != nil {
		companyTool = tools.NewSandboxedCompanyResearchTool(sandboxMgr)
	} else {
		companyTool = tools.NewCompanyResearchTool()
	}
	registry.Register(companyTool)

	rt := agentrt.New(provider, registry, agentrt.Config{
		MaxToolRounds: cfg.MaxToolRounds, ToolTimeout: cfg.ToolTimeout, RetryAttempts: cfg.ToolRetryAttempts,
	}, logger)

	routerCfg := router.DefaultConfig()
	routerCfg.KnownAgents = knownAgents
	routerCfg.ConfidenceFloor = cfg.RouterConfidenceFloor
	routerCfg.HistoryWindow = cfg.RouterHistoryWindow
	intentRouter := router.New(provider, routerCfg)

	evalCfg := evaluator.DefaultConfig(knownAgents)
	evalCfg.MaxLoopBacksPerTarget = cfg.MaxLoopBacksPerTarget
	eval := evaluator.New(provider, evalCfg)

	negCfg := negotiator.DefaultConfig()
	negCfg.MaxRounds = cfg.NegotiationMaxRounds
	negCfg.ConsensusThreshold = cfg.NegotiationConsensusThreshold
	neg := negotiator.New(provider, negCfg)

	lock := store.NewConversationLock()
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.TurnBudget = cfg.TurnBudget
	orchCfg.PartialFailureRatio = cfg.PartialFailureRatio
	orchCfg.NegotiationConfidenceSpread = cfg.NegotiationConfidenceSpread
	orch := orchestrator.New(repo, lock, provider, rt, intentRouter, eval, neg, agentSystemPrompts, orchCfg)

	planner := goals.NewPlanner(provider, goals.Config{KnownAgents: knownAgents})
	executorCfg := goals.DefaultExecutorConfig(knownAgents)
	executorCfg.StepRetryBudget = cfg.StepRetryBudget
	executor := goals.NewExecutor(repo, provider, rt, agentSystemPrompts, executorCfg)

	taskRunner := tasks.NewRunner(repo, func(userID, taskRunID string) *tasks.DualWriter {
		return tasks.NewDualWriter(repo, fabric, userID, taskRunID, logger)
	}, 4, logger)
	taskRunner.Register("job_match_scan", tasks.NewJobMatchScanner(tools.NewSearchJobsTool(getEnv("JOB_BOARD_ENDPOINT", "https://jobs.example.com/api/search"))))
	taskRunner.Register("application_status_reminder", tasks.NewApplicationStatusReminder(0))
	taskRunner.Register("company_deep_dive", tasks.NewCompanyDeepDive(companyTool))
	taskRunner.Start()
	defer taskRunner.Stop(context.Background())

	srvState := &serverState{
		repo: repo, orch: orch, planner: planner, executor: executor,
		taskRunner: taskRunner, fabric: fabric,
		turnCancels: newCancelRegistry(), goalCancels: newCancelRegistry(),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Post("/api/turns", srvState.handleRunTurn)
	r.Post("/api/turns/{conversationID}/cancel", srvState.handleCancelTurn)
	r.Post("/api/goals", srvState.handleCreateGoal)
	r.Post("/api/goals/{goalID}/steps/execute", srvState.handleExecuteStep)
	r.Post("/api/goals/{goalID}/auto-execute", srvState.handleAutoExecuteGoal)
	r.Post("/api/goals/{goalID}/cancel", srvState.handleCancelGoal)
	r.Post("/api/traces/{traceID}/feedback", srvState.handleSubmitFeedback)

	wsHandler := pushfabric.NewWebSocketHandler(fabric, cfg.FrontendURL, cfg.IsDevelopment())
	r.Get("/ws/subscribe", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams have no fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped successfully")
}

func defaultSalaryBands() map[string][2]int {
	return map[string][2]int{
		"software engineer": {95000, 165000},
		"product manager":   {105000, 175000},
		"data scientist":    {100000, 170000},
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// notificationEmailNotifier satisfies tools.DraftEmailNotifier by
// delivering the drafted email as a push-fabric Notification rather
// than an actual SMTP send, since outbound mail delivery is out of
// scope for the orchestration core (spec.md §1).
type notificationEmailNotifier struct {
	fabric *pushfabric.Fabric
}

func (n *notificationEmailNotifier) Notify(_ context.Context, userID, subject, body string) error {
	n.fabric.PublishNotification(userID, domain.Notification{
		UserID: userID, Type: "drafted_email", Title: subject, Body: body,
		Source: domain.NotificationSourceGoalTransition,
	})
	return nil
}

// cancelRegistry tracks live cancel funcs keyed by id (conversation id
// or goal id), following the teacher's single-mutex-guarding-a-map
// idiom used throughout internal/store for keyed in-process state.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (c *cancelRegistry) register(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = cancel
}

func (c *cancelRegistry) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}

// cancel is idempotent (P8): a second call against an id already
// removed from the registry is simply a no-op.
func (c *cancelRegistry) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

type serverState struct {
	repo        store.Repository
	orch        *orchestrator.Orchestrator
	planner     *goals.Planner
	executor    *goals.Executor
	taskRunner  *tasks.Runner
	fabric      *pushfabric.Fabric
	turnCancels *cancelRegistry
	goalCancels *cancelRegistry
	logger      *slog.Logger
}

type runTurnRequest struct {
	UserID         string  `json:"user_id"`
	ConversationID string  `json:"conversation_id"`
	UserText       string  `json:"user_text"`
	Attachment     *struct {
		Name    string `json:"name"`
		Content []byte `json:"content"`
	} `json:"attachment"`
}

func (s *serverState) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	var req runTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.UserText == "" {
		writeError(w, http.StatusBadRequest, orcherrors.KindInvalidInput)
		return
	}

	turnReq := orchestrator.TurnRequest{UserID: req.UserID, ConversationID: req.ConversationID, UserText: req.UserText}
	if req.Attachment != nil {
		turnReq.Attachment = &domain.Attachment{Name: req.Attachment.Name, Content: req.Attachment.Content}
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// conversation_id is only known once the Turn has ensured/created
	// it, but cancel_turn is keyed on it too — register against the
	// caller-supplied id when present, and against the first
	// conversation_id event otherwise.
	regID := req.ConversationID
	if regID != "" {
		s.turnCancels.register(regID, cancel)
		defer s.turnCancels.unregister(regID)
	}

	for ev, err := range s.orch.RunTurn(ctx, turnReq) {
		if err != nil {
			sw.writeEvent("error", map[string]any{"error_kind": orcherrors.KindInternal})
			return
		}
		if regID == "" && ev.Kind == orchestrator.EventConversationID {
			regID = ev.ConversationID
			s.turnCancels.register(regID, cancel)
			defer s.turnCancels.unregister(regID)
		}
		if !sw.writeEvent(string(ev.Kind), ev) {
			return
		}
	}
}

func (s *serverState) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	s.turnCancels.cancel(conversationID)
	w.WriteHeader(http.StatusNoContent)
}

type createGoalRequest struct {
	UserID      string `json:"user_id"`
	GoalText    string `json:"objective_text"`
	UserContext string `json:"user_context"`
}

func (s *serverState) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req createGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.GoalText == "" {
		writeError(w, http.StatusBadRequest, orcherrors.KindInvalidInput)
		return
	}

	goal, steps, err := s.planner.CreatePlan(r.Context(), goals.Objective{UserID: req.UserID, GoalText: req.GoalText, UserContext: req.UserContext})
	if err != nil {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}
	goal.CreatedAt, goal.UpdatedAt = time.Now(), time.Now()
	for i := range steps {
		steps[i].GoalID = goal.ID
		steps[i].CreatedAt = time.Now()
	}
	if err := s.repo.CreateGoal(r.Context(), &goal, steps); err != nil {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"goal": goal, "steps": steps})
}

func (s *serverState) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}
	for ev, err := range s.executor.ExecuteStep(r.Context(), goalID) {
		if err != nil {
			sw.writeEvent("error", map[string]any{"error_kind": orcherrors.KindGoalPreconditionFail})
			return
		}
		if !sw.writeEvent(string(ev.Kind), ev) {
			return
		}
	}
}

func (s *serverState) handleAutoExecuteGoal(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.goalCancels.register(goalID, cancel)
	defer s.goalCancels.unregister(goalID)

	for ev, err := range s.executor.AutoExecute(ctx, goalID) {
		if err != nil {
			sw.writeEvent("error", map[string]any{"error_kind": orcherrors.KindInternal})
			return
		}
		if !sw.writeEvent(string(ev.Kind), ev) {
			return
		}
	}
}

func (s *serverState) handleCancelGoal(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")
	s.goalCancels.cancel(goalID)
	w.WriteHeader(http.StatusNoContent)
}

type submitFeedbackRequest struct {
	Rating domain.FeedbackRating `json:"rating"`
}

func (s *serverState) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, orcherrors.KindInvalidInput)
		return
	}
	if req.Rating != domain.FeedbackPositive && req.Rating != domain.FeedbackNegative {
		writeError(w, http.StatusBadRequest, orcherrors.KindInvalidInput)
		return
	}
	if err := s.repo.SetFeedback(r.Context(), traceID, req.Rating); err != nil {
		writeError(w, http.StatusInternalServerError, orcherrors.KindInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sseWriter streams one event per line pair, flushing eagerly so the
// Orchestrator's suspension-point events (§5) reach the client as they
// are produced rather than batched.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// writeEvent writes one `{type, seq, ...}` envelope (§6) and reports
// whether the write succeeded, so callers can stop producing once the
// client has gone away.
func (sw *sseWriter) writeEvent(kind string, payload any) bool {
	sw.seq++
	envelope := map[string]any{"type": kind, "seq": sw.seq, "event": payload}
	data, err := json.Marshal(envelope)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return false
	}
	sw.flusher.Flush()
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind orcherrors.Kind) {
	writeJSON(w, status, map[string]any{"error_kind": kind})
}
