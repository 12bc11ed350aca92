package docker

import (
	"context"
	"log/slog"
	"os"

	"github.com/docker/docker/client"
)

// defaultNetwork is the docker bridge network used when no network is
// configured and auto-detection is unavailable.
const defaultNetwork = "bridge"

// DetectNetwork resolves the network runtime containers should attach to.
// When the orchestrating process itself runs in a container, its hostname is
// the container id; the first network attached to that container is the one
// runtimes must share to be reachable. Outside a container, or when
// introspection fails, the default bridge network is used.
//
// This is a system-edge adapter: core backend logic always receives the
// network as plain configuration.
func DetectNetwork(ctx context.Context, logger *slog.Logger) string {
	api, err := newIntrospectionClient()
	if err != nil {
		logger.Debug("network auto-detection unavailable", "error", err)
		return defaultNetwork
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Debug("network auto-detection failed", "error", err)
		return defaultNetwork
	}

	inspect, err := api.ContainerInspect(ctx, hostname)
	if err != nil {
		// Not running inside a container, or the docker API is unreachable.
		logger.Debug("own-container introspection failed", "hostname", hostname, "error", err)
		return defaultNetwork
	}

	if inspect.NetworkSettings != nil {
		for name := range inspect.NetworkSettings.Networks {
			logger.Info("detected runtime network from own container", "network", name)
			return name
		}
	}

	return defaultNetwork
}

func newIntrospectionClient() (dockerAPI, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}
