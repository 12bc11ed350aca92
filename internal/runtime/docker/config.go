package docker

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names for the container backend.
const (
	envRegistry     = "CONDUIT_DOCKER_REGISTRY"
	envRepository   = "CONDUIT_DOCKER_REPOSITORY"
	envDefaultImage = "CONDUIT_DOCKER_DEFAULT_IMAGE"
	envNetwork      = "CONDUIT_DOCKER_NETWORK"
	envExecutePort  = "CONDUIT_DOCKER_EXECUTE_PORT"
	envCPUs         = "CONDUIT_DOCKER_CPUS"
	envMemLimitMB   = "CONDUIT_DOCKER_MEM_LIMIT_MB"
	envIdleTimeoutS = "CONDUIT_DOCKER_IDLE_TIMEOUT_S"
)

// Config holds configuration for the container backend.
type Config struct {
	// Registry and Repository are combined with a runtime's image digest to
	// form its image reference.
	Registry   string
	Repository string

	// DefaultImage is the fully-qualified reference used verbatim for the
	// designated default runtime.
	DefaultImage string

	// Network is the docker network runtime containers attach to. Populated
	// from configuration; DetectNetwork offers edge-of-system auto-detection
	// for callers that want it.
	Network string

	// ExecutePort is the container port serving the readiness probe and the
	// execution endpoint.
	ExecutePort int

	// CPUs and MemLimitMB bound each runtime container.
	CPUs       int
	MemLimitMB int

	// IdleTimeout is how long a container may sit without non-probe log
	// activity before the reclamation sweep stops it.
	IdleTimeout time.Duration

	// StartTimeout bounds how long ensureReady waits for a container to
	// pass its readiness probe.
	StartTimeout time.Duration
}

// LoadConfig reads container backend configuration from environment
// variables, applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		Registry:     os.Getenv(envRegistry),
		Repository:   os.Getenv(envRepository),
		DefaultImage: os.Getenv(envDefaultImage),
		Network:      os.Getenv(envNetwork),
		ExecutePort:  8787,
		CPUs:         1,
		MemLimitMB:   512,
		IdleTimeout:  300 * time.Second,
		StartTimeout: 30 * time.Second,
	}

	if v := os.Getenv(envExecutePort); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ExecutePort = n
		}
	}
	if v := os.Getenv(envCPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CPUs = n
		}
	}
	if v := os.Getenv(envMemLimitMB); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MemLimitMB = n
		}
	}
	if v := os.Getenv(envIdleTimeoutS); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeout = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// Validate checks that required settings are present. A missing setting is a
// configuration error, fatal at factory-construction time.
func (c Config) Validate() error {
	if c.Registry == "" {
		return fmt.Errorf("%s is required", envRegistry)
	}
	if c.Repository == "" {
		return fmt.Errorf("%s is required", envRepository)
	}
	if c.DefaultImage == "" {
		return fmt.Errorf("%s is required", envDefaultImage)
	}
	return nil
}
