package store

import (
	"context"
	"errors"
	"time"

	"github.com/tannerhall/conduit/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the dispatch engine. The
// management plane (org/user CRUD, billing, secrets) lives elsewhere; this
// interface covers only what ingestion, matching, and execution need.
type Store interface {
	// Organizations, namespaces, workflows.
	CreateOrganization(ctx context.Context, o *model.Organization) error
	CreateNamespace(ctx context.Context, n *model.Namespace) error
	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	GetNamespace(ctx context.Context, id string) (*model.Namespace, error)
	GetOrganizationForWorkflow(ctx context.Context, workflowID string) (*model.Organization, error)

	// Deployments.
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetActiveDeployment(ctx context.Context, workflowID string) (*model.Deployment, error)

	// Triggers.
	CreateTrigger(ctx context.Context, t *model.Trigger) error
	GetTrigger(ctx context.Context, id string) (*model.Trigger, error)
	UpdateTriggerState(ctx context.Context, id string, state []byte) error
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggersByProvider(ctx context.Context, provider string) ([]*model.Trigger, error)
	ListTriggersByWorkflow(ctx context.Context, workflowID string) ([]*model.Trigger, error)

	// Incoming webhooks, keyed by normalized (path, method).
	PutWebhook(ctx context.Context, wh *model.IncomingWebhook) error
	GetWebhook(ctx context.Context, path, method string) (*model.IncomingWebhook, error)
	DeleteWebhooksForTrigger(ctx context.Context, triggerID string) error

	// Runtime records.
	PutRuntime(ctx context.Context, r *model.Runtime) error
	GetRuntime(ctx context.Context, id string) (*model.Runtime, error)
	UpdateRuntimeStatus(ctx context.Context, id, status string) error
	TouchRuntime(ctx context.Context, id string, usedAt time.Time) error
	DeleteRuntime(ctx context.Context, id string) error

	// Executions and their append-only logs.
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	ListStaleExecutions(ctx context.Context, status string, before time.Time) ([]*model.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	FinishExecution(ctx context.Context, id, status string, result []byte, errMsg string) error
	CountExecutionsSince(ctx context.Context, orgID string, since time.Time) (int, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)

	Close() error
}
