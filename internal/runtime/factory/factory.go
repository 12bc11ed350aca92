// Package factory constructs the configured runtime backend. It is the only
// place in the codebase that branches on backend identity; everything else
// programs against runtime.Runtime.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/runtime/docker"
	"github.com/tannerhall/conduit/internal/runtime/lambda"
)

// ImageResolver resolves a runtime record to the artifact reference the
// selected backend deploys. Registry settings differ per backend, so the
// factory binds them once at construction time.
type ImageResolver func(r *model.Runtime) string

// Result carries the constructed backend together with its bound resolver.
type Result struct {
	Backend runtime.Runtime
	Resolve ImageResolver
}

// New builds the runtime backend named by backendName. Unknown names and
// invalid backend configuration are construction-time errors; callers are
// expected to treat them as fatal.
func New(ctx context.Context, backendName string, logger *slog.Logger) (*Result, error) {
	switch backendName {
	case docker.BackendName:
		cfg := docker.LoadConfig()
		if cfg.Network == "" {
			cfg.Network = docker.DetectNetwork(ctx, logger)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("docker backend config: %w", err)
		}
		b, err := docker.NewBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Result{
			Backend: b,
			Resolve: func(r *model.Runtime) string {
				return r.ImageRef(cfg.Registry, cfg.Repository, cfg.DefaultImage)
			},
		}, nil

	case lambda.BackendName:
		cfg := lambda.LoadConfig()
		b, err := lambda.NewBackend(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Result{
			Backend: b,
			Resolve: func(r *model.Runtime) string {
				return r.ImageRef(cfg.Registry, cfg.Repository, cfg.DefaultImage)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown runtime backend %q", backendName)
	}
}
