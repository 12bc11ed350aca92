package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tannerhall/conduit/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    execution_limit INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS namespaces (
    id                 TEXT PRIMARY KEY,
    organization_id    TEXT NOT NULL,
    name               TEXT NOT NULL,
    default_runtime_id TEXT,
    created_at         DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS workflows (
    id           TEXT PRIMARY KEY,
    namespace_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS deployments (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    entry       TEXT NOT NULL,
    files       TEXT NOT NULL,
    active      INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS triggers (
    id             TEXT PRIMARY KEY,
    workflow_id    TEXT NOT NULL,
    provider       TEXT NOT NULL,
    provider_alias TEXT NOT NULL,
    trigger_type   TEXT NOT NULL,
    input          TEXT NOT NULL,
    state          TEXT,
    created_at     DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS webhooks (
    path       TEXT NOT NULL,
    method     TEXT NOT NULL,
    owner      TEXT NOT NULL,
    provider   TEXT,
    trigger_id TEXT,
    PRIMARY KEY (path, method)
);
CREATE TABLE IF NOT EXISTS runtimes (
    id           TEXT PRIMARY KEY,
    backend      TEXT NOT NULL,
    image_digest TEXT,
    status       TEXT NOT NULL,
    last_used_at DATETIME NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    trigger_id  TEXT,
    status      TEXT NOT NULL,
    result      BLOB,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
);
CREATE TABLE IF NOT EXISTS execution_logs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_triggers_provider ON triggers(provider);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, seq);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, execution_limit, created_at) VALUES (?, ?, ?, ?)",
		o.ID, o.Name, o.ExecutionLimit, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateNamespace(ctx context.Context, n *model.Namespace) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO namespaces (id, organization_id, name, default_runtime_id, created_at) VALUES (?, ?, ?, ?, ?)",
		n.ID, n.OrganizationID, n.Name, n.DefaultRuntimeID, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert namespace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workflows (id, namespace_id, name, created_at) VALUES (?, ?, ?, ?)",
		w.ID, w.NamespaceID, w.Name, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	w := &model.Workflow{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, namespace_id, name, created_at FROM workflows WHERE id = ?", id,
	).Scan(&w.ID, &w.NamespaceID, &w.Name, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetNamespace(ctx context.Context, id string) (*model.Namespace, error) {
	n := &model.Namespace{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, organization_id, name, default_runtime_id, created_at FROM namespaces WHERE id = ?", id,
	).Scan(&n.ID, &n.OrganizationID, &n.Name, &n.DefaultRuntimeID, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get namespace: %w", err)
	}
	return n, nil
}

// GetOrganizationForWorkflow resolves a workflow's owning organization
// through its namespace.
func (s *SQLiteStore) GetOrganizationForWorkflow(ctx context.Context, workflowID string) (*model.Organization, error) {
	o := &model.Organization{}
	err := s.db.QueryRowContext(ctx,
		`SELECT o.id, o.name, o.execution_limit, o.created_at
		FROM organizations o
		JOIN namespaces n ON n.organization_id = o.id
		JOIN workflows w ON w.namespace_id = n.id
		WHERE w.id = ?`, workflowID,
	).Scan(&o.ID, &o.Name, &o.ExecutionLimit, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization for workflow: %w", err)
	}
	return o, nil
}

// CreateDeployment inserts a deployment. When the new deployment is active,
// any previously active deployment for the same workflow is deactivated in
// the same transaction.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	files, err := json.Marshal(d.Files)
	if err != nil {
		return fmt.Errorf("marshal deployment files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if d.Active {
		if _, err := tx.ExecContext(ctx,
			"UPDATE deployments SET active = 0 WHERE workflow_id = ?", d.WorkflowID,
		); err != nil {
			return fmt.Errorf("deactivate previous deployments: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO deployments (id, workflow_id, entry, files, active, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		d.ID, d.WorkflowID, d.Entry, string(files), d.Active, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetActiveDeployment(ctx context.Context, workflowID string) (*model.Deployment, error) {
	d := &model.Deployment{}
	var files string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, entry, files, active, created_at
		FROM deployments WHERE workflow_id = ? AND active = 1
		ORDER BY created_at DESC LIMIT 1`, workflowID,
	).Scan(&d.ID, &d.WorkflowID, &d.Entry, &files, &d.Active, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active deployment: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &d.Files); err != nil {
		return nil, fmt.Errorf("unmarshal deployment files: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *model.Trigger) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal trigger input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, provider, provider_alias, trigger_type, input, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Provider, t.ProviderAlias, t.TriggerType, string(input), nullableJSON(t.State), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, id string) (*model.Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, provider, provider_alias, trigger_type, input, state, created_at
		FROM triggers WHERE id = ?`, id,
	)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTriggerState(ctx context.Context, id string, state []byte) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET state = ? WHERE id = ?", nullableJSON(state), id,
	)
	if err != nil {
		return fmt.Errorf("update trigger state: %w", err)
	}
	return checkAffected(result)
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return checkAffected(result)
}

func (s *SQLiteStore) ListTriggersByProvider(ctx context.Context, provider string) ([]*model.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, provider, provider_alias, trigger_type, input, state, created_at
		FROM triggers WHERE provider = ? ORDER BY created_at`, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("list triggers by provider: %w", err)
	}
	return collectTriggers(rows)
}

func (s *SQLiteStore) ListTriggersByWorkflow(ctx context.Context, workflowID string) ([]*model.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, provider, provider_alias, trigger_type, input, state, created_at
		FROM triggers WHERE workflow_id = ? ORDER BY created_at`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list triggers by workflow: %w", err)
	}
	return collectTriggers(rows)
}

// PutWebhook inserts or replaces the webhook registered at (path, method).
func (s *SQLiteStore) PutWebhook(ctx context.Context, wh *model.IncomingWebhook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (path, method, owner, provider, trigger_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, method) DO UPDATE SET owner = excluded.owner,
			provider = excluded.provider, trigger_id = excluded.trigger_id`,
		wh.Path, wh.Method, wh.Owner, wh.Provider, wh.TriggerID,
	)
	if err != nil {
		return fmt.Errorf("put webhook: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWebhook(ctx context.Context, path, method string) (*model.IncomingWebhook, error) {
	wh := &model.IncomingWebhook{}
	var provider, triggerID sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT path, method, owner, provider, trigger_id FROM webhooks WHERE path = ? AND method = ?",
		path, method,
	).Scan(&wh.Path, &wh.Method, &wh.Owner, &provider, &triggerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	wh.Provider = provider.String
	wh.TriggerID = triggerID.String
	return wh, nil
}

func (s *SQLiteStore) DeleteWebhooksForTrigger(ctx context.Context, triggerID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM webhooks WHERE trigger_id = ?", triggerID); err != nil {
		return fmt.Errorf("delete webhooks for trigger: %w", err)
	}
	return nil
}

// PutRuntime inserts or replaces a runtime record.
func (s *SQLiteStore) PutRuntime(ctx context.Context, r *model.Runtime) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runtimes (id, backend, image_digest, status, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET backend = excluded.backend,
			image_digest = excluded.image_digest, status = excluded.status,
			last_used_at = excluded.last_used_at`,
		r.ID, r.Backend, r.ImageDigest, r.Status, r.LastUsedAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put runtime: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRuntime(ctx context.Context, id string) (*model.Runtime, error) {
	r := &model.Runtime{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, backend, image_digest, status, last_used_at, created_at FROM runtimes WHERE id = ?", id,
	).Scan(&r.ID, &r.Backend, &r.ImageDigest, &r.Status, &r.LastUsedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRuntimeStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runtimes SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update runtime status: %w", err)
	}
	return checkAffected(result)
}

func (s *SQLiteStore) TouchRuntime(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runtimes SET last_used_at = ? WHERE id = ?", usedAt, id)
	if err != nil {
		return fmt.Errorf("touch runtime: %w", err)
	}
	return checkAffected(result)
}

func (s *SQLiteStore) DeleteRuntime(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM runtimes WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete runtime: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, trigger_id, status, result, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.TriggerID, e.Status, e.Result, e.Error, e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e := &model.Execution{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, trigger_id, status, result, error, created_at, started_at, finished_at
		FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.WorkflowID, &e.TriggerID, &e.Status, &e.Result, &e.Error, &e.CreatedAt, &e.StartedAt, &e.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a paginated list of executions ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, workflow_id, trigger_id, status, result, error, created_at, started_at, finished_at
		FROM executions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e := &model.Execution{}
		if err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.TriggerID, &e.Status, &e.Result, &e.Error,
			&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// ListStaleExecutions returns executions in the given status whose
// started_at is at or before the cutoff. Used by the timeout watchdog.
func (s *SQLiteStore) ListStaleExecutions(ctx context.Context, status string, before time.Time) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, trigger_id, status, result, error, created_at, started_at, finished_at
		FROM executions WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?`,
		status, before,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e := &model.Execution{}
		if err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.TriggerID, &e.Status, &e.Result, &e.Error,
			&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale executions: %w", err)
	}
	return executions, nil
}

// UpdateExecutionStatus transitions an execution to the given status,
// enforcing the transition table. started_at is stamped on the transition to
// started, finished_at on any transition to a terminal status.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get execution status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusStarted:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}

	return tx.Commit()
}

// FinishExecution transitions an execution to a terminal status and records
// its result or error payload.
func (s *SQLiteStore) FinishExecution(ctx context.Context, id, status string, result []byte, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get execution status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE executions SET status = ?, result = ?, error = ?, finished_at = ? WHERE id = ?",
		status, result, errMsg, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}

	return tx.Commit()
}

// CountExecutionsSince counts executions created since the given instant for
// all workflows belonging to the organization. Used by the quota gate.
func (s *SQLiteStore) CountExecutionsSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions e
		JOIN workflows w ON w.id = e.workflow_id
		JOIN namespaces n ON n.id = w.namespace_id
		WHERE n.organization_id = ? AND e.created_at >= ?`, orgID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG((julianday(finished_at) - julianday(started_at)) * 86400000.0), 0)
		FROM executions WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO execution_logs (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, execution_id, seq, line, created_at FROM execution_logs WHERE execution_id = ? ORDER BY seq",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*model.Trigger, error) {
	t := &model.Trigger{}
	var input string
	var state sql.NullString
	if err := row.Scan(
		&t.ID, &t.WorkflowID, &t.Provider, &t.ProviderAlias, &t.TriggerType,
		&input, &state, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &t.Input); err != nil {
		return nil, fmt.Errorf("unmarshal trigger input: %w", err)
	}
	if state.Valid {
		t.State = json.RawMessage(state.String)
	}
	return t, nil
}

func collectTriggers(rows *sql.Rows) ([]*model.Trigger, error) {
	defer rows.Close()

	var triggers []*model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return triggers, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
