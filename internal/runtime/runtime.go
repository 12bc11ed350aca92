package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tannerhall/conduit/internal/model"
)

// ErrNotReady is returned when a runtime fails to become ready within the
// bounded readiness window.
var ErrNotReady = errors.New("runtime not ready")

// Config identifies one runtime to a backend: the runtime id plus the fully
// resolved image or function artifact reference. Backends derive all
// platform-side names deterministically from RuntimeID.
type Config struct {
	RuntimeID string
	ImageRef  string
}

// CodeBundle is an immutable mapping of file path to source text plus the
// designated entry file, bound to exactly one deployment.
type CodeBundle struct {
	Entry string            `json:"entry"`
	Files map[string]string `json:"files"`
}

// TriggerPayload is the normalized inbound request delivered to user code.
type TriggerPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// InvocationContext carries the identifiers and callback credential the
// sandboxed code needs to report its result.
type InvocationContext struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggerID   string `json:"trigger_id,omitempty"`
	CallbackURL string `json:"callback_url"`
	Token       string `json:"token"`
}

// Envelope type discriminators.
const (
	EnvelopeInvokeTrigger  = "invoke_trigger"
	EnvelopeGetDefinitions = "get_definitions"
)

// Envelope is the typed JSON message sent to the sandbox's execution
// endpoint, discriminated by Type.
type Envelope struct {
	Type            string                     `json:"type"`
	Code            *CodeBundle                `json:"code,omitempty"`
	Payload         *TriggerPayload            `json:"payload,omitempty"`
	Context         *InvocationContext         `json:"context,omitempty"`
	ProviderConfigs map[string]json.RawMessage `json:"provider_configs,omitempty"`
}

// ProviderDefinition is one provider the user code declares.
type ProviderDefinition struct {
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// TriggerDefinition is one trigger the user code declares.
type TriggerDefinition struct {
	Provider      string             `json:"provider"`
	ProviderAlias string             `json:"provider_alias"`
	TriggerType   string             `json:"trigger_type"`
	Input         model.TriggerInput `json:"input"`
}

// DefinitionsResult is the structured response to a get_definitions envelope.
type DefinitionsResult struct {
	Success   bool                 `json:"success"`
	Providers []ProviderDefinition `json:"providers,omitempty"`
	Triggers  []TriggerDefinition  `json:"triggers,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Runtime is the backend-agnostic contract every execution backend
// implements. Callers never branch on backend identity; only the factory
// does. Provisioning statuses are the model.Provisioning* constants; callers
// drive state forward by polling GetRuntimeStatus, so transient
// infrastructure errors surface as in_progress rather than being retried
// inside the backend.
type Runtime interface {
	// CreateRuntime provisions the underlying container or function. It is
	// idempotent: a second call for the same runtime id is a no-op.
	CreateRuntime(ctx context.Context, cfg Config) (string, error)

	// GetRuntimeStatus reports the provisioning status for the runtime id.
	// It never reports completed for a runtime whose underlying container or
	// function does not exist.
	GetRuntimeStatus(ctx context.Context, id string) (string, error)

	// InvokeTrigger delivers an invoke_trigger envelope. Fire-and-forget
	// from the caller's perspective: the sandbox reports its outcome via the
	// authenticated callback, not the return value.
	InvokeTrigger(ctx context.Context, cfg Config, code CodeBundle, payload TriggerPayload, ic InvocationContext) error

	// GetDefinitions synchronously asks the code which providers and
	// triggers it declares.
	GetDefinitions(ctx context.Context, cfg Config, code CodeBundle, providerConfigs map[string]json.RawMessage) (*DefinitionsResult, error)

	// DestroyRuntime tears down the underlying resource. Absence is not an
	// error.
	DestroyRuntime(ctx context.Context, cfg Config) error

	// IsHealthy reports whether the runtime is ready to invoke right now.
	IsHealthy(ctx context.Context, cfg Config) bool

	// TeardownUnusedRuntimes reclaims idle capacity. Backends with no idle
	// capacity implement it as a no-op.
	TeardownUnusedRuntimes(ctx context.Context) error
}

// StatusFromHealthy maps a liveness+readiness observation onto a
// provisioning status, shared by backends that probe at the application
// level.
func StatusFromHealthy(exists, running, healthy bool) string {
	switch {
	case !exists || !running:
		return model.ProvisioningFailed
	case !healthy:
		return model.ProvisioningInProgress
	default:
		return model.ProvisioningCompleted
	}
}
