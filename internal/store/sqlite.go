package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/kazicore/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite, following the
// teacher's WAL-mode DSN and connection-pool sizing in sqlite.go.
type SQLiteStore struct {
	db     *sql.DB
	goalMu sync.Mutex // serializes step-hold CAS updates, mirroring agentSessionMu
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, ordinal);

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		inputs_digest TEXT NOT NULL,
		entries_json TEXT NOT NULL,
		status TEXT NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		feedback TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		title TEXT NOT NULL,
		rationale TEXT NOT NULL,
		assigned_agent TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		retries_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		UNIQUE(goal_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_goal ON steps(goal_id, ordinal);

	CREATE TABLE IF NOT EXISTS pipeline_snapshots (
		goal_id TEXT PRIMARY KEY,
		last_step_ordinal INTEGER NOT NULL,
		context_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		source TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		configuration_json TEXT NOT NULL,
		status TEXT NOT NULL,
		result_summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- ConversationStore ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	var c domain.Conversation
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, ordinal, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Ordinal, string(m.Role), m.Content, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().Unix(), m.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, ordinal, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY ordinal ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer closeRows(rows)

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Ordinal, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.MessageRole(role)
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- TraceStore ---

func (s *SQLiteStore) CreateTrace(ctx context.Context, t *domain.Trace) error {
	entriesJSON, err := json.Marshal(t.Entries)
	if err != nil {
		return fmt.Errorf("marshal trace entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (id, turn_id, step_id, agent_name, inputs_digest, entries_json, status, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TurnID, t.StepID, t.AgentName, t.InputsDigest, string(entriesJSON), string(t.Status), t.LatencyMS, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTraceEntry(ctx context.Context, traceID string, entry domain.TraceEntry) error {
	trace, err := s.GetTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if trace == nil {
		return fmt.Errorf("append trace entry: trace %s not found", traceID)
	}
	trace.Entries = append(trace.Entries, entry)
	entriesJSON, err := json.Marshal(trace.Entries)
	if err != nil {
		return fmt.Errorf("marshal trace entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE traces SET entries_json = ? WHERE id = ?`, string(entriesJSON), traceID)
	if err != nil {
		return fmt.Errorf("append trace entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishTrace(ctx context.Context, traceID string, status domain.TraceStatus, latencyMS int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET status = ?, latency_ms = ? WHERE id = ?`,
		string(status), latencyMS, traceID)
	if err != nil {
		return fmt.Errorf("finish trace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, turn_id, step_id, agent_name, inputs_digest, entries_json, status, latency_ms, feedback, created_at
		FROM traces WHERE id = ?`, traceID)
	var t domain.Trace
	var entriesJSON string
	var status string
	var feedback sql.NullString
	var createdAt int64
	err := row.Scan(&t.ID, &t.TurnID, &t.StepID, &t.AgentName, &t.InputsDigest, &entriesJSON, &status, &t.LatencyMS, &feedback, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &t.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal trace entries: %w", err)
	}
	t.Status = domain.TraceStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0)
	if feedback.Valid {
		r := domain.FeedbackRating(feedback.String)
		t.Feedback = &r
	}
	return &t, nil
}

// SetFeedback only ever writes the first rating (idempotence law).
func (s *SQLiteStore) SetFeedback(ctx context.Context, traceID string, rating domain.FeedbackRating) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET feedback = ? WHERE id = ? AND feedback IS NULL`,
		string(rating), traceID)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	return nil
}

// --- GoalStore ---

func (s *SQLiteStore) CreateGoal(ctx context.Context, g *domain.Goal, steps []domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create goal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.Title, g.Description, string(g.Status), g.CreatedAt.Unix(), g.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertStep(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, goal_id, ordinal, title, rationale, assigned_agent, status, output, trace_id, retries_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.GoalID, st.Ordinal, st.Title, st.Rationale, st.AssignedAgent, string(st.Status), st.Output, st.TraceID, st.RetriesUsed, st.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert step %d: %w", st.Ordinal, err)
	}
	return nil
}

func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*domain.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, status, created_at, updated_at FROM goals WHERE id = ?`, id)
	var g domain.Goal
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&g.ID, &g.UserID, &g.Title, &g.Description, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan goal: %w", err)
	}
	g.Status = domain.GoalStatus(status)
	g.CreatedAt = time.Unix(createdAt, 0)
	g.UpdatedAt = time.Unix(updatedAt, 0)
	return &g, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, goalID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, ordinal, title, rationale, assigned_agent, status, output, trace_id, retries_used, created_at, completed_at
		FROM steps WHERE goal_id = ? ORDER BY ordinal ASC`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer closeRows(rows)

	var out []domain.Step
	for rows.Next() {
		var st domain.Step
		var status string
		var createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&st.ID, &st.GoalID, &st.Ordinal, &st.Title, &st.Rationale, &st.AssignedAgent,
			&status, &st.Output, &st.TraceID, &st.RetriesUsed, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = domain.StepStatus(status)
		st.CreatedAt = time.Unix(createdAt, 0)
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			st.CompletedAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateGoalStatus(ctx context.Context, id string, status domain.GoalStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceTailSteps(ctx context.Context, goalID string, fromOrdinal int, steps []domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE goal_id = ? AND ordinal >= ?`, goalID, fromOrdinal); err != nil {
		return fmt.Errorf("delete tail steps: %w", err)
	}
	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AcquireStepHold implements Invariant I2 as a compare-and-swap update,
// mirroring the teacher's UpdateContainerID optimistic-lock pattern:
// the UPDATE only matches a row that is currently pending and whose Goal
// has no Step in_progress, so a concurrent acquirer sees
// RowsAffected == 0 and backs off.
func (s *SQLiteStore) AcquireStepHold(ctx context.Context, stepID string) (bool, error) {
	s.goalMu.Lock()
	defer s.goalMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ? WHERE id = ? AND status = ?
		AND NOT EXISTS (SELECT 1 FROM steps AS held WHERE held.goal_id = steps.goal_id AND held.status = ?)`,
		string(domain.StepInProgress), stepID, string(domain.StepPending), string(domain.StepInProgress))
	if err != nil {
		return false, fmt.Errorf("acquire step hold: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire step hold rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseStepHold(ctx context.Context, stepID string, status domain.StepStatus, output string, traceID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, trace_id = ?, completed_at = ? WHERE id = ?`,
		string(status), output, traceID, now, stepID)
	if err != nil {
		return fmt.Errorf("release step hold: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePipelineSnapshot(ctx context.Context, snap *domain.PipelineSnapshot) error {
	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("marshal snapshot context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_snapshots (goal_id, last_step_ordinal, context_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(goal_id) DO UPDATE SET
			last_step_ordinal = excluded.last_step_ordinal,
			context_json = excluded.context_json,
			updated_at = excluded.updated_at`,
		snap.GoalID, snap.LastStepOrdinal, string(ctxJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save pipeline snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPipelineSnapshot(ctx context.Context, goalID string) (*domain.PipelineSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT goal_id, last_step_ordinal, context_json, updated_at FROM pipeline_snapshots WHERE goal_id = ?`, goalID)
	var snap domain.PipelineSnapshot
	var ctxJSON string
	var updatedAt int64
	err := row.Scan(&snap.GoalID, &snap.LastStepOrdinal, &ctxJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &snap.Context); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot context: %w", err)
	}
	snap.UpdatedAt = time.Unix(updatedAt, 0)
	return &snap, nil
}

// --- NotificationStore ---

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, payload_json, source, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, string(payloadJSON), string(n.Source), boolToInt(n.Read), n.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT id, user_id, type, title, body, payload_json, source, read, created_at FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer closeRows(rows)

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payloadJSON, source string
		var read int
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &payloadJSON, &source, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal notification payload: %w", err)
		}
		n.Source = domain.NotificationSource(source)
		n.Read = read != 0
		n.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// --- TaskRunStore ---

func (s *SQLiteStore) CreateTaskRun(ctx context.Context, t *domain.TaskRun) error {
	cfgJSON, err := json.Marshal(t.Configuration)
	if err != nil {
		return fmt.Errorf("marshal task run configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, user_id, type, configuration_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Type, string(cfgJSON), string(t.Status), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create task run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskRunStatus(ctx context.Context, id string, status domain.TaskRunStatus, summary string) error {
	now := time.Now().Unix()
	var err error
	switch status {
	case domain.TaskRunning:
		_, err = s.db.ExecContext(ctx, `UPDATE task_runs SET status = ?, started_at = ? WHERE id = ?`, string(status), now, id)
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		_, err = s.db.ExecContext(ctx, `UPDATE task_runs SET status = ?, result_summary = ?, finished_at = ? WHERE id = ?`,
			string(status), summary, now, id)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE task_runs SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update task run status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, configuration_json, status, result_summary, created_at, started_at, finished_at
		FROM task_runs WHERE id = ?`, id)
	var t domain.TaskRun
	var cfgJSON, status string
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &cfgJSON, &status, &t.ResultSummary, &createdAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task run: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &t.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal task run configuration: %w", err)
	}
	t.Status = domain.TaskRunStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		s := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &s
	}
	if finishedAt.Valid {
		f := time.Unix(finishedAt.Int64, 0)
		t.FinishedAt = &f
	}
	return &t, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsBusyError reports whether err is a retryable SQLITE_BUSY/locked
// error, the same classification the teacher's shared/sqlite_errors.go
// applies before a retry loop.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
