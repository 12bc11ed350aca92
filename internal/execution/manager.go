// Package execution manages execution records and the per-organization
// quota gate. Records are opened in status received before any invocation is
// attempted so that infrastructure failures remain observable, and every
// status change goes through the store's transition table.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannerhall/conduit/internal/auth"
	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/store"
)

// Manager creates and transitions execution records.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	return &Manager{store: st, logger: logger, now: time.Now}
}

// Allowed reports whether the organization is under its execution limit for
// the current billing period. Being over quota is an expected outcome, not
// an error; the error return covers store failures only. A limit of zero
// means unlimited.
func (m *Manager) Allowed(ctx context.Context, org *model.Organization) (bool, error) {
	if org.ExecutionLimit <= 0 {
		return true, nil
	}
	used, err := m.store.CountExecutionsSince(ctx, org.ID, periodStart(m.now()))
	if err != nil {
		return false, fmt.Errorf("count executions: %w", err)
	}
	if used >= org.ExecutionLimit {
		quotaRejectionsTotal.Inc()
		return false, nil
	}
	return true, nil
}

// Open creates an execution record in status received. triggerID is nil for
// manual runs.
func (m *Manager) Open(ctx context.Context, workflowID string, triggerID *string) (*model.Execution, error) {
	e := &model.Execution{
		ID:         model.NewID(),
		WorkflowID: workflowID,
		TriggerID:  triggerID,
		Status:     model.StatusReceived,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	executionsOpenedTotal.Inc()
	return e, nil
}

// Start marks the execution as started.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.store.UpdateExecutionStatus(ctx, id, model.StatusStarted)
}

// Complete finishes the execution successfully with the reported result.
func (m *Manager) Complete(ctx context.Context, id string, result []byte) error {
	return m.finish(ctx, id, model.StatusCompleted, result, "")
}

// Fail finishes the execution with an error message.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) error {
	return m.finish(ctx, id, model.StatusFailed, nil, errMsg)
}

// Timeout finishes the execution as timed out.
func (m *Manager) Timeout(ctx context.Context, id string) error {
	return m.finish(ctx, id, model.StatusTimeout, nil, "execution timed out")
}

// NoDeployment finishes the execution because the workflow has no active
// deployment. This is a valid terminal outcome, not an error.
func (m *Manager) NoDeployment(ctx context.Context, id string) error {
	return m.finish(ctx, id, model.StatusNoDeployment, nil, "")
}

// TimeoutAbandoned finishes every started execution whose invocation token
// has expired. Once the token is past its TTL no callback can be accepted, so
// such an execution can never reach completed or failed on its own. Returns
// the number of executions timed out; per-record failures are logged and do
// not stop the sweep.
func (m *Manager) TimeoutAbandoned(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-auth.TokenTTL)
	stale, err := m.store.ListStaleExecutions(ctx, model.StatusStarted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale executions: %w", err)
	}

	n := 0
	for _, e := range stale {
		if err := m.Timeout(ctx, e.ID); err != nil {
			m.logger.Error("timeout abandoned execution", "execution_id", e.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (m *Manager) finish(ctx context.Context, id, status string, result []byte, errMsg string) error {
	if err := m.store.FinishExecution(ctx, id, status, result, errMsg); err != nil {
		return fmt.Errorf("finish execution %s as %s: %w", id, status, err)
	}
	executionsFinishedTotal.WithLabelValues(status).Inc()
	return nil
}

// AppendLogs persists log lines for an execution in order, continuing the
// sequence after any lines already stored.
func (m *Manager) AppendLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	existing, err := m.store.GetLogLines(ctx, id)
	if err != nil {
		return fmt.Errorf("load log lines: %w", err)
	}
	next := len(existing)
	for i, line := range lines {
		if err := m.store.InsertLogLine(ctx, id, next+i, line); err != nil {
			return fmt.Errorf("append log line: %w", err)
		}
	}
	return nil
}

// periodStart is the first instant of the current billing period in UTC.
// Billing periods are calendar months.
func periodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
