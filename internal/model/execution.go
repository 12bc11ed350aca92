package model

import "time"

// Execution status constants.
const (
	StatusReceived     = "received"
	StatusStarted      = "started"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusTimeout      = "timeout"
	StatusNoDeployment = "no_deployment"
)

// validTransitions maps each status to the set of statuses it may transition to.
// An execution is created as "received" before any invocation is attempted, so
// infrastructure failures before start remain observable as "failed".
var validTransitions = map[string]map[string]bool{
	StatusReceived: {
		StatusStarted:      true,
		StatusFailed:       true,
		StatusTimeout:      true,
		StatusNoDeployment: true,
	},
	StatusStarted: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether the given status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusNoDeployment:
		return true
	}
	return false
}

// LogLine is a single persisted log line from an execution, ordered by Seq.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is one record of invoking a workflow's deployed code, in response
// to a trigger or a manual request. TriggerID is nil for manual and
// system-initiated runs.
type Execution struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	TriggerID  *string    `json:"trigger_id,omitempty"`
	Status     string     `json:"status"`
	Result     []byte     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
