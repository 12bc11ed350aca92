package reclaim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tannerhall/conduit/internal/runtime"
)

// sweepBackend counts teardown calls and can fail, which must not stop the
// loop.
type sweepBackend struct {
	sweeps atomic.Int64
	fail   atomic.Bool
}

func (b *sweepBackend) TeardownUnusedRuntimes(context.Context) error {
	b.sweeps.Add(1)
	if b.fail.Load() {
		return errors.New("daemon unreachable")
	}
	return nil
}

func (b *sweepBackend) CreateRuntime(context.Context, runtime.Config) (string, error) {
	return "", nil
}
func (b *sweepBackend) GetRuntimeStatus(context.Context, string) (string, error) { return "", nil }
func (b *sweepBackend) InvokeTrigger(context.Context, runtime.Config, runtime.CodeBundle, runtime.TriggerPayload, runtime.InvocationContext) error {
	return nil
}
func (b *sweepBackend) GetDefinitions(context.Context, runtime.Config, runtime.CodeBundle, map[string]json.RawMessage) (*runtime.DefinitionsResult, error) {
	return nil, nil
}
func (b *sweepBackend) DestroyRuntime(context.Context, runtime.Config) error { return nil }
func (b *sweepBackend) IsHealthy(context.Context, runtime.Config) bool       { return true }

// fakeReaper counts watchdog calls and can fail.
type fakeReaper struct {
	reaps atomic.Int64
	fail  atomic.Bool
}

func (r *fakeReaper) TimeoutAbandoned(context.Context) (int, error) {
	r.reaps.Add(1)
	if r.fail.Load() {
		return 0, errors.New("store unavailable")
	}
	return 1, nil
}

func waitFor(t *testing.T, n int64, counter *atomic.Int64, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s = %d, want at least %d", what, counter.Load(), n)
}

func TestSweeperRunsPeriodically(t *testing.T) {
	b := &sweepBackend{}
	r := &fakeReaper{}
	s := NewSweeper(b, r, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, 2, &b.sweeps, "sweeps")
	waitFor(t, 2, &r.reaps, "reaps")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweeperSurvivesFailures(t *testing.T) {
	b := &sweepBackend{}
	b.fail.Store(true)
	r := &fakeReaper{}
	r.fail.Store(true)
	s := NewSweeper(b, r, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Failing passes keep ticking, and a failing teardown does not block the
	// execution watchdog.
	waitFor(t, 3, &b.sweeps, "sweeps")
	waitFor(t, 3, &r.reaps, "reaps")
}
