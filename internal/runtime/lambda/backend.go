// Package lambda implements the runtime contract on a managed function
// platform. Provisioning status reflects the platform's own deployment
// state rather than an application-level health probe, and idle reclamation
// is a no-op: the platform bills per invocation, so there is no idle
// capacity to reclaim.
package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
)

// BackendName identifies this backend to the factory.
const BackendName = "lambda"

// functionNamePrefix is combined with the runtime id to form the
// deterministic function name.
const functionNamePrefix = "conduit-runtime-"

// lambdaAPI is the subset of the platform client this backend uses.
// Narrowed for testability.
type lambdaAPI interface {
	CreateFunction(ctx context.Context, params *awslambda.CreateFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *awslambda.UpdateFunctionCodeInput, optFns ...func(*awslambda.Options)) (*awslambda.UpdateFunctionCodeOutput, error)
	GetFunction(ctx context.Context, params *awslambda.GetFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.GetFunctionOutput, error)
	Invoke(ctx context.Context, params *awslambda.InvokeInput, optFns ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
	DeleteFunction(ctx context.Context, params *awslambda.DeleteFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.DeleteFunctionOutput, error)
}

// Compile-time contract check.
var _ runtime.Runtime = (*Backend)(nil)

// Backend implements runtime.Runtime on managed functions.
type Backend struct {
	cfg    Config
	api    lambdaAPI
	logger *slog.Logger
}

// NewBackend creates a serverless backend using ambient platform
// credentials.
func NewBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lambda backend config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBackend(cfg, awslambda.NewFromConfig(awsCfg), logger), nil
}

func newBackend(cfg Config, api lambdaAPI, logger *slog.Logger) *Backend {
	return &Backend{cfg: cfg, api: api, logger: logger}
}

// FunctionName derives the function name for a runtime id. Pure function:
// the same id always yields the same name.
func FunctionName(runtimeID string) string {
	return functionNamePrefix + strings.ToLower(runtimeID)
}

// CreateRuntime deploys the function if it does not already exist; when it
// does, the image reference is updated instead. A second call with the same
// runtime id performs no underlying creation.
func (b *Backend) CreateRuntime(ctx context.Context, cfg runtime.Config) (string, error) {
	name := FunctionName(cfg.RuntimeID)

	out, err := b.api.GetFunction(ctx, &awslambda.GetFunctionInput{FunctionName: aws.String(name)})
	if err == nil {
		// Already deployed; refresh the code if the image changed.
		current := ""
		if out.Code != nil && out.Code.ImageUri != nil {
			current = *out.Code.ImageUri
		}
		if current != cfg.ImageRef {
			if _, err := b.api.UpdateFunctionCode(ctx, &awslambda.UpdateFunctionCodeInput{
				FunctionName: aws.String(name),
				ImageUri:     aws.String(cfg.ImageRef),
			}); err != nil {
				return "", fmt.Errorf("update function code %s: %w", name, err)
			}
			return model.ProvisioningInProgress, nil
		}
		return configurationStatus(out.Configuration), nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("get function %s: %w", name, err)
	}

	_, err = b.api.CreateFunction(ctx, &awslambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		PackageType:  lambdatypes.PackageTypeImage,
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(cfg.ImageRef)},
		Role:         aws.String(b.cfg.Role),
		MemorySize:   aws.Int32(b.cfg.MemoryMB),
		Timeout:      aws.Int32(60),
	})
	if err != nil {
		var conflict *lambdatypes.ResourceConflictException
		if errors.As(err, &conflict) {
			// A concurrent caller created it first; create is idempotent by
			// name.
			return model.ProvisioningInProgress, nil
		}
		return "", fmt.Errorf("create function %s: %w", name, err)
	}

	b.logger.Info("runtime function created", "runtime_id", cfg.RuntimeID, "function", name, "image", cfg.ImageRef)
	return model.ProvisioningInProgress, nil
}

// GetRuntimeStatus reports provisioning status from the platform's own
// deployment state. An absent function is failed, never completed.
func (b *Backend) GetRuntimeStatus(ctx context.Context, id string) (string, error) {
	out, err := b.api.GetFunction(ctx, &awslambda.GetFunctionInput{FunctionName: aws.String(FunctionName(id))})
	if isNotFound(err) {
		return model.ProvisioningFailed, nil
	}
	if err != nil {
		return "", fmt.Errorf("get function: %w", err)
	}
	return configurationStatus(out.Configuration), nil
}

// InvokeTrigger delivers the envelope through an asynchronous invocation.
func (b *Backend) InvokeTrigger(ctx context.Context, cfg runtime.Config, code runtime.CodeBundle, payload runtime.TriggerPayload, ic runtime.InvocationContext) error {
	env := runtime.Envelope{
		Type:    runtime.EnvelopeInvokeTrigger,
		Code:    &code,
		Payload: &payload,
		Context: &ic,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	out, err := b.api.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName:   aws.String(FunctionName(cfg.RuntimeID)),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("invoke function: %w", err)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("function error: %s", *out.FunctionError)
	}
	return nil
}

// GetDefinitions delivers the envelope through a synchronous invocation and
// parses the structured result.
func (b *Backend) GetDefinitions(ctx context.Context, cfg runtime.Config, code runtime.CodeBundle, providerConfigs map[string]json.RawMessage) (*runtime.DefinitionsResult, error) {
	env := runtime.Envelope{
		Type:            runtime.EnvelopeGetDefinitions,
		Code:            &code,
		ProviderConfigs: providerConfigs,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	out, err := b.api.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName:   aws.String(FunctionName(cfg.RuntimeID)),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke function: %w", err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("function error: %s", *out.FunctionError)
	}

	var result runtime.DefinitionsResult
	if err := json.Unmarshal(out.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode definitions result: %w", err)
	}
	return &result, nil
}

// DestroyRuntime deletes the function. Absence is not an error.
func (b *Backend) DestroyRuntime(ctx context.Context, cfg runtime.Config) error {
	_, err := b.api.DeleteFunction(ctx, &awslambda.DeleteFunctionInput{
		FunctionName: aws.String(FunctionName(cfg.RuntimeID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete function: %w", err)
	}
	return nil
}

// IsHealthy reports whether the function is in the platform's active state.
func (b *Backend) IsHealthy(ctx context.Context, cfg runtime.Config) bool {
	out, err := b.api.GetFunction(ctx, &awslambda.GetFunctionInput{
		FunctionName: aws.String(FunctionName(cfg.RuntimeID)),
	})
	if err != nil || out.Configuration == nil {
		return false
	}
	return out.Configuration.State == lambdatypes.StateActive
}

// TeardownUnusedRuntimes is a no-op: the platform bills per invocation, so
// there is no idle capacity to reclaim.
func (b *Backend) TeardownUnusedRuntimes(_ context.Context) error {
	return nil
}

// configurationStatus maps the function's deployment state. The platform may
// omit the configuration block; the function exists then but its state is
// unknown, so it reports in_progress rather than completed.
func configurationStatus(cfg *lambdatypes.FunctionConfiguration) string {
	if cfg == nil {
		return model.ProvisioningInProgress
	}
	return stateToStatus(cfg.State)
}

func stateToStatus(state lambdatypes.State) string {
	switch state {
	case lambdatypes.StateActive:
		return model.ProvisioningCompleted
	case lambdatypes.StatePending:
		return model.ProvisioningInProgress
	default:
		return model.ProvisioningFailed
	}
}

func isNotFound(err error) bool {
	var nf *lambdatypes.ResourceNotFoundException
	return errors.As(err, &nf)
}
