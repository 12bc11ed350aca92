package factory

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), "hypervisor", testLogger()); err == nil {
		t.Fatal("expected error for unknown backend name")
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	// With no backend environment configured, construction must fail loudly
	// instead of producing a half-configured backend.
	for _, v := range []string{
		"CONDUIT_DOCKER_REGISTRY",
		"CONDUIT_DOCKER_REPOSITORY",
		"CONDUIT_DOCKER_DEFAULT_IMAGE",
		"CONDUIT_LAMBDA_ROLE",
		"CONDUIT_LAMBDA_REGISTRY",
		"CONDUIT_LAMBDA_REPOSITORY",
		"CONDUIT_LAMBDA_DEFAULT_IMAGE",
	} {
		t.Setenv(v, "")
	}
	for _, name := range []string{"docker", "lambda"} {
		if _, err := New(context.Background(), name, testLogger()); err == nil {
			t.Fatalf("backend %q: expected configuration error", name)
		}
	}
}
