package model

import "time"

// Organization owns namespaces and carries the per-period execution limit
// enforced by the quota gate. A limit of zero means unlimited.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ExecutionLimit int       `json:"execution_limit"`
	CreatedAt      time.Time `json:"created_at"`
}

// Namespace groups workflows under an organization. DefaultRuntimeID, when
// set, overrides the implicit default runtime for every workflow in the
// namespace.
type Namespace struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	Name             string    `json:"name"`
	DefaultRuntimeID *string   `json:"default_runtime_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Workflow is a user-authored unit of automation deployed as code.
type Workflow struct {
	ID          string    `json:"id"`
	NamespaceID string    `json:"namespace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Deployment is an immutable bundle of user code bound to exactly one
// workflow: a mapping of file path to source text plus a designated entry
// file. At most one deployment per workflow is active.
type Deployment struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Entry      string            `json:"entry"`
	Files      map[string]string `json:"files"`
	Active     bool              `json:"active"`
	CreatedAt  time.Time         `json:"created_at"`
}
