// Package docker implements the runtime contract on long-lived, reusable
// docker containers addressed by a name derived deterministically from the
// runtime id.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tannerhall/conduit/internal/runtime"
)

const (
	// BackendName identifies this backend to the factory.
	BackendName = "docker"

	// containerNamePrefix is combined with the runtime id to form the
	// deterministic container name.
	containerNamePrefix = "conduit-runtime-"

	// Labels applied to every managed container.
	labelManaged   = "io.conduit.managed"
	labelRuntimeID = "io.conduit.runtime-id"
	labelImageRef  = "io.conduit.image-ref"
	labelCreatedAt = "io.conduit.created-at"

	// Fixed sandbox endpoints.
	probePath   = "/healthz"
	executePath = "/execute"

	// Per-call timeouts against the sandbox execution endpoint.
	invokeTimeout      = 60 * time.Second
	definitionsTimeout = 30 * time.Second

	probeInterval       = 500 * time.Millisecond
	probeRequestTimeout = 2 * time.Second

	// reclaimLogTail bounds how much log output the idle sweep scans per
	// container.
	reclaimLogTail = "200"
)

// dockerAPI is the subset of the docker client this backend uses. Narrowed
// for testability.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Compile-time contract check.
var _ runtime.Runtime = (*Backend)(nil)

// Backend implements runtime.Runtime on docker containers.
type Backend struct {
	cfg    Config
	api    dockerAPI
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewBackend creates a container backend using the ambient docker
// environment (DOCKER_HOST etc.).
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("docker backend config: %w", err)
	}

	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return newBackend(cfg, api, logger), nil
}

func newBackend(cfg Config, api dockerAPI, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		api:    api,
		http:   &http.Client{},
		logger: logger,
		now:    time.Now,
	}
}

// ContainerName derives the container name for a runtime id. It is a pure
// function: the same id always yields the same name, which is what makes
// CreateRuntime idempotent.
func ContainerName(runtimeID string) string {
	return containerNamePrefix + strings.ToLower(runtimeID)
}

// CreateRuntime provisions a container for the runtime if one does not
// already exist. A second call with the same runtime id performs no
// underlying creation.
func (b *Backend) CreateRuntime(ctx context.Context, cfg runtime.Config) (string, error) {
	name := ContainerName(cfg.RuntimeID)

	inspect, err := b.api.ContainerInspect(ctx, name)
	if err == nil {
		// Already provisioned; report where it stands.
		return b.statusOf(ctx, inspect), nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	if err := b.ensureImage(ctx, cfg.ImageRef); err != nil {
		return "", err
	}

	nanoCPUs := int64(b.cfg.CPUs) * 1_000_000_000
	memBytes := int64(b.cfg.MemLimitMB) << 20

	_, err = b.api.ContainerCreate(ctx,
		&container.Config{
			Image: cfg.ImageRef,
			Labels: map[string]string{
				labelManaged:   "true",
				labelRuntimeID: cfg.RuntimeID,
				labelImageRef:  cfg.ImageRef,
				labelCreatedAt: b.now().UTC().Format(time.RFC3339),
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(b.cfg.Network),
			Resources: container.Resources{
				NanoCPUs: nanoCPUs,
				Memory:   memBytes,
			},
		},
		nil, nil, name,
	)
	if err != nil && !cerrdefs.IsConflict(err) {
		// A conflict means a concurrent caller created it first, which is
		// fine: create is idempotent by name.
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := b.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	b.logger.Info("runtime container created",
		"runtime_id", cfg.RuntimeID,
		"container", name,
		"image", cfg.ImageRef,
	)

	return runtime.StatusFromHealthy(true, true, false), nil
}

// GetRuntimeStatus reports the provisioning status for a runtime id: absent
// or stopped is failed, running but unready is in_progress, probe-healthy is
// completed.
func (b *Backend) GetRuntimeStatus(ctx context.Context, id string) (string, error) {
	inspect, err := b.api.ContainerInspect(ctx, ContainerName(id))
	if client.IsErrNotFound(err) {
		return runtime.StatusFromHealthy(false, false, false), nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	return b.statusOf(ctx, inspect), nil
}

func (b *Backend) statusOf(ctx context.Context, inspect container.InspectResponse) string {
	running := inspect.State != nil && inspect.State.Running
	if !running {
		return runtime.StatusFromHealthy(true, false, false)
	}
	healthy := b.probe(ctx, b.containerAddr(inspect))
	return runtime.StatusFromHealthy(true, true, healthy)
}

// InvokeTrigger ensures the container is ready and delivers the envelope.
// Fire-and-forget: the sandbox reports the outcome through its callback.
func (b *Backend) InvokeTrigger(ctx context.Context, cfg runtime.Config, code runtime.CodeBundle, payload runtime.TriggerPayload, ic runtime.InvocationContext) error {
	addr, err := b.ensureReady(ctx, cfg)
	if err != nil {
		return err
	}

	env := runtime.Envelope{
		Type:    runtime.EnvelopeInvokeTrigger,
		Code:    &code,
		Payload: &payload,
		Context: &ic,
	}

	callCtx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	if _, err := b.sendEnvelope(callCtx, addr, env); err != nil {
		invocationsTotal.WithLabelValues(outcomeError).Inc()
		return err
	}
	invocationsTotal.WithLabelValues(outcomeOK).Inc()
	return nil
}

// GetDefinitions synchronously asks the code bundle which providers and
// triggers it declares, passing decrypted provider configurations through.
func (b *Backend) GetDefinitions(ctx context.Context, cfg runtime.Config, code runtime.CodeBundle, providerConfigs map[string]json.RawMessage) (*runtime.DefinitionsResult, error) {
	addr, err := b.ensureReady(ctx, cfg)
	if err != nil {
		return nil, err
	}

	env := runtime.Envelope{
		Type:            runtime.EnvelopeGetDefinitions,
		Code:            &code,
		ProviderConfigs: providerConfigs,
	}

	callCtx, cancel := context.WithTimeout(ctx, definitionsTimeout)
	defer cancel()

	body, err := b.sendEnvelope(callCtx, addr, env)
	if err != nil {
		return nil, err
	}

	var result runtime.DefinitionsResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode definitions result: %w", err)
	}
	return &result, nil
}

// DestroyRuntime force-removes the container. Absence is not an error.
func (b *Backend) DestroyRuntime(ctx context.Context, cfg runtime.Config) error {
	name := ContainerName(cfg.RuntimeID)
	err := b.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// IsHealthy reports whether the container is running and probe-healthy.
func (b *Backend) IsHealthy(ctx context.Context, cfg runtime.Config) bool {
	inspect, err := b.api.ContainerInspect(ctx, ContainerName(cfg.RuntimeID))
	if err != nil || inspect.State == nil || !inspect.State.Running {
		return false
	}
	return b.probe(ctx, b.containerAddr(inspect))
}

// ensureReady starts the container if stopped and polls the readiness probe
// until it passes or the bounded window elapses. Redundant starts from
// concurrent callers are safe: starting a running container is a no-op on
// the docker side.
func (b *Backend) ensureReady(ctx context.Context, cfg runtime.Config) (string, error) {
	name := ContainerName(cfg.RuntimeID)

	inspect, err := b.api.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	if inspect.State == nil || !inspect.State.Running {
		if err := b.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("start container %s: %w", name, err)
		}
		// Re-inspect for the freshly assigned network address.
		inspect, err = b.api.ContainerInspect(ctx, name)
		if err != nil {
			return "", fmt.Errorf("inspect started container %s: %w", name, err)
		}
	}

	addr := b.containerAddr(inspect)

	waitStart := b.now()
	deadline := waitStart.Add(b.cfg.StartTimeout)
	for {
		if b.probe(ctx, addr) {
			readinessWaitSeconds.Observe(b.now().Sub(waitStart).Seconds())
			return addr, nil
		}
		if b.now().After(deadline) {
			return "", fmt.Errorf("%w: container %s failed readiness within %s", runtime.ErrNotReady, name, b.cfg.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// ensureImage makes the image resolvable locally, pulling and blocking until
// complete when it is absent.
func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	if _, err := b.api.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// Draining the stream is what blocks until the pull completes.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}

	imagePullsTotal.Inc()
	b.logger.Info("image pulled", "image", ref)
	return nil
}

// containerAddr returns host:port for the sandbox endpoint, using the
// container's address on the configured network.
func (b *Backend) containerAddr(inspect container.InspectResponse) string {
	port := strconv.Itoa(b.cfg.ExecutePort)
	if inspect.NetworkSettings == nil {
		return net.JoinHostPort("", port)
	}
	if ep, ok := inspect.NetworkSettings.Networks[b.cfg.Network]; ok && ep != nil {
		return net.JoinHostPort(ep.IPAddress, port)
	}
	// Fall back to the first attached network.
	for _, ep := range inspect.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return net.JoinHostPort(ep.IPAddress, port)
		}
	}
	return net.JoinHostPort("", port)
}

// probe issues one readiness check: plain GET, HTTP 200 means ready.
func (b *Backend) probe(ctx context.Context, addr string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "http://"+addr+probePath, nil)
	if err != nil {
		return false
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// sendEnvelope posts the envelope to the fixed execution endpoint. A
// non-success response is a failure.
func (b *Backend) sendEnvelope(ctx context.Context, addr string, env runtime.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+executePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send envelope: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read envelope response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("execute endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
