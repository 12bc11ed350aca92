package model

import (
	"fmt"
	"time"
)

// Provisioning status constants for a runtime's underlying container or function.
const (
	ProvisioningPending    = "pending"
	ProvisioningInProgress = "in_progress"
	ProvisioningCompleted  = "completed"
	ProvisioningFailed     = "failed"
)

// Runtime backend type constants.
const (
	BackendDocker = "docker"
	BackendLambda = "lambda"
)

// DefaultRuntimeID is the id of the implicit default runtime used when a
// namespace has no explicitly scoped runtime. Its image reference is taken
// verbatim from configuration rather than resolved against a registry.
const DefaultRuntimeID = "default"

// Runtime is a provisioned execution environment instance hosting a
// workflow's user code.
type Runtime struct {
	ID          string    `json:"id"`
	Backend     string    `json:"backend"`
	ImageDigest string    `json:"image_digest,omitempty"`
	Status      string    `json:"status"`
	LastUsedAt  time.Time `json:"last_used_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImageRef resolves the runtime's image reference. The default runtime uses
// the configured reference verbatim; all others combine the content digest
// with the configured registry and repository.
func (r *Runtime) ImageRef(registry, repository, defaultImage string) string {
	if r.ID == DefaultRuntimeID {
		return defaultImage
	}
	return fmt.Sprintf("%s/%s@%s", registry, repository, r.ImageDigest)
}
